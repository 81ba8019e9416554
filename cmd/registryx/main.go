package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/registryx/nora-registryx/internal/activity"
	"github.com/registryx/nora-registryx/internal/config"
	"github.com/registryx/nora-registryx/internal/htpasswd"
	"github.com/registryx/nora-registryx/internal/metrics"
	"github.com/registryx/nora-registryx/internal/ratelimit"
	"github.com/registryx/nora-registryx/internal/registry/cargo"
	"github.com/registryx/nora-registryx/internal/registry/docker"
	"github.com/registryx/nora-registryx/internal/registry/maven"
	"github.com/registryx/nora-registryx/internal/registry/npm"
	"github.com/registryx/nora-registryx/internal/registry/pypi"
	"github.com/registryx/nora-registryx/internal/registry/raw"
	"github.com/registryx/nora-registryx/internal/repoindex"
	"github.com/registryx/nora-registryx/internal/router"
	"github.com/registryx/nora-registryx/internal/storage"
	"github.com/registryx/nora-registryx/internal/tokens"
	"github.com/registryx/nora-registryx/internal/upstream"
)

func main() {
	if len(os.Args) < 2 {
		runServe("registryx.toml")
		return
	}

	switch os.Args[1] {
	case "serve":
		path := "registryx.toml"
		if len(os.Args) > 2 {
			path = os.Args[2]
		}
		runServe(path)
	case "backup":
		runBackup(os.Args[2:])
	case "restore":
		runRestore(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, backup, restore, migrate)\n", os.Args[1])
		os.Exit(1)
	}
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	backend, err := newStorageBackend(cfg)
	if err != nil {
		logger.Error("failed to initialize storage backend", "error", err)
		os.Exit(1)
	}
	store := storage.New(backend)

	idx := repoindex.New(map[repoindex.Registry]repoindex.BuildFunc{
		repoindex.Docker: docker.BuildIndex,
		repoindex.Maven:  maven.BuildIndex,
		repoindex.Npm:    npm.BuildIndex,
		repoindex.Pypi:   pypi.BuildIndex,
		repoindex.Cargo:  cargo.BuildIndex,
		repoindex.Raw:    raw.BuildIndex,
	})

	activityLog := activity.NewLog(cfg.ActivityLogCapacity)
	metricsRegistry := metrics.New()

	htFile, err := htpasswd.Load(cfg.Auth.HtpasswdPath)
	if err != nil {
		logger.Error("failed to load htpasswd file", "path", cfg.Auth.HtpasswdPath, "error", err)
		os.Exit(1)
	}

	tokenStore, err := tokens.NewStore(cfg.Auth.TokenStoreDir)
	if err != nil {
		logger.Error("failed to initialize token store", "dir", cfg.Auth.TokenStoreDir, "error", err)
		os.Exit(1)
	}

	upstreamClient := upstream.NewClient(&http.Client{Timeout: 30 * time.Second})

	dockerHandler := &docker.Handler{
		Storage:      store,
		Index:        idx,
		Activity:     activityLog,
		Metrics:      metricsRegistry,
		Logger:       logger,
		Upstream:     upstreamClient,
		UpstreamBase: cfg.DockerUpstream.BaseURL,
	}
	mavenHandler := &maven.Handler{
		Storage:      store,
		Index:        idx,
		Activity:     activityLog,
		Metrics:      metricsRegistry,
		HTTPClient:   upstreamClient.HTTP(),
		UpstreamBase: cfg.MavenUpstream.BaseURL,
	}
	npmHandler := &npm.Handler{
		Storage:      store,
		Index:        idx,
		Activity:     activityLog,
		Metrics:      metricsRegistry,
		HTTPClient:   upstreamClient.HTTP(),
		UpstreamBase: cfg.NpmUpstream.BaseURL,
	}
	pypiHandler := &pypi.Handler{
		Storage:      store,
		Index:        idx,
		Activity:     activityLog,
		Metrics:      metricsRegistry,
		HTTPClient:   upstreamClient.HTTP(),
		UpstreamBase: cfg.PypiUpstream.BaseURL,
	}
	cargoHandler := &cargo.Handler{
		Storage:      store,
		Index:        idx,
		Activity:     activityLog,
		Metrics:      metricsRegistry,
		HTTPClient:   upstreamClient.HTTP(),
		UpstreamBase: cfg.CargoUpstream.BaseURL,
	}
	rawHandler := &raw.Handler{
		Storage:  store,
		Index:    idx,
		Activity: activityLog,
		Metrics:  metricsRegistry,
	}

	generalLimiter, authLimiter, uploadLimiter := newLimiters(cfg, logger)

	handler := router.New(&router.Deps{
		Storage:        store,
		Index:          idx,
		Activity:       activityLog,
		Metrics:        metricsRegistry,
		Logger:         logger,
		Htpasswd:       htFile,
		Tokens:         tokenStore,
		PublicPaths:    cfg.Auth.PublicPaths,
		MaxUploadSize:  cfg.MaxUploadSizeBytes,
		GeneralLimiter: generalLimiter,
		AuthLimiter:    authLimiter,
		UploadLimiter:  uploadLimiter,
		Docker:         dockerHandler,
		Maven:          mavenHandler,
		Npm:            npmHandler,
		Pypi:           pypiHandler,
		Cargo:          cargoHandler,
		Raw:            rawHandler,
	})

	go runUploadGC(dockerHandler, cfg.UploadSessionTTL, logger)

	logger.Info("starting nora-registryx", "addr", cfg.ListenAddr, "storage", cfg.Storage.Backend)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // large uploads/downloads stream
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newStorageBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.NewS3(cfg.Storage.S3Endpoint, cfg.Storage.S3Bucket, cfg.Storage.S3Region, cfg.Storage.S3AccessKey, cfg.Storage.S3SecretKey), nil
	default:
		return storage.NewLocalFS(cfg.Storage.LocalRoot)
	}
}

func newLimiters(cfg *config.Config, logger *slog.Logger) (general, auth, upload ratelimit.Limiter) {
	if cfg.RateLimit.Backend == "redis" && cfg.RateLimit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		logger.Info("using redis-backed rate limiting", "addr", cfg.RateLimit.RedisAddr)
		return ratelimit.NewRedisLimiter(client, "rl:general", int64(cfg.RateLimit.GeneralPerMinute), time.Minute),
			ratelimit.NewRedisLimiter(client, "rl:auth", int64(cfg.RateLimit.AuthPerMinute), time.Minute),
			ratelimit.NewRedisLimiter(client, "rl:upload", int64(cfg.RateLimit.UploadPerMinute), time.Minute)
	}
	return ratelimit.NewMemoryLimiter(cfg.RateLimit.GeneralPerMinute, cfg.RateLimit.GeneralPerMinute),
		ratelimit.NewMemoryLimiter(cfg.RateLimit.AuthPerMinute, cfg.RateLimit.AuthPerMinute),
		ratelimit.NewMemoryLimiter(cfg.RateLimit.UploadPerMinute, cfg.RateLimit.UploadPerMinute)
}

func runUploadGC(h *docker.Handler, ttl time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		h.GCUploadSessions(ttl)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// runBackup streams every (key, bytes) pair out of the configured storage
// backend into a local archive directory. It only consumes the storage
// interface, per the non-goal on archival tooling.
func runBackup(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: registryx backup <config.toml> <dest-dir>")
		os.Exit(1)
	}
	cfg, err := config.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	backend, err := newStorageBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	keys, err := backend.List(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(args[1], 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}
	for _, key := range keys {
		if err := copyToArchive(ctx, backend, key, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "backup %s: %v\n", key, err)
			os.Exit(1)
		}
	}
	fmt.Printf("backed up %d objects to %s\n", len(keys), args[1])
}

func copyToArchive(ctx context.Context, backend storage.Backend, key, destDir string) error {
	rc, err := backend.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	destPath := destDir + "/" + sanitizeArchiveName(key)
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.ReadFrom(rc)
	return err
}

func sanitizeArchiveName(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			out[i] = '_'
		} else {
			out[i] = key[i]
		}
	}
	return string(out)
}

// runRestore is a stub: restoring a backup requires an archive-format
// choice the registry's storage interface alone doesn't specify. It prints
// a message and exits with status 1 without reading or writing storage
// (see the non-goal on backup/restore archival tooling).
func runRestore(args []string) {
	fmt.Fprintln(os.Stderr, "restore: not implemented; consume internal/storage.Backend.Put per archived entry")
	os.Exit(1)
}

// runMigrate copies every key from one configured backend to another,
// e.g. local filesystem to S3.
func runMigrate(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: registryx migrate <src-config.toml> <dst-config.toml>")
		os.Exit(1)
	}
	srcCfg, err := config.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "src config: %v\n", err)
		os.Exit(1)
	}
	dstCfg, err := config.Load(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dst config: %v\n", err)
		os.Exit(1)
	}
	src, err := newStorageBackend(srcCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "src storage: %v\n", err)
		os.Exit(1)
	}
	dst, err := newStorageBackend(dstCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dst storage: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	keys, err := src.List(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}
	for _, key := range keys {
		if err := migrateKey(ctx, src, dst, key); err != nil {
			fmt.Fprintf(os.Stderr, "migrate %s: %v\n", key, err)
			os.Exit(1)
		}
	}
	fmt.Printf("migrated %d objects\n", len(keys))
}

func migrateKey(ctx context.Context, src, dst storage.Backend, key string) error {
	rc, err := src.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	info, err := src.Stat(ctx, key)
	if err != nil {
		return err
	}
	return dst.Put(ctx, key, rc, info.Size)
}
