// Package config loads server configuration from a TOML file, with most
// fields overridable by an environment variable — the same two-layer model
// the teacher's pkg/config used, rebuilt on github.com/BurntSushi/toml so a
// config file and ad hoc env overrides (for containerized deploys) both
// work.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// StorageConfig selects and configures one storage backend.
type StorageConfig struct {
	Backend   string `toml:"backend"` // "local" or "s3"
	LocalRoot string `toml:"local_root"`

	S3Endpoint  string `toml:"s3_endpoint"`
	S3Bucket    string `toml:"s3_bucket"`
	S3Region    string `toml:"s3_region"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
}

// UpstreamConfig is one proxied upstream for a given ecosystem.
type UpstreamConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
}

// AuthConfig configures the htpasswd and API-token based auth layer.
type AuthConfig struct {
	HtpasswdPath  string   `toml:"htpasswd_path"`
	TokenStoreDir string   `toml:"token_store_dir"`
	PublicPaths   []string `toml:"public_paths"`
}

// RateLimitConfig configures per-IP token-bucket rate limiting.
type RateLimitConfig struct {
	Backend         string  `toml:"backend"` // "memory" or "redis"
	RedisAddr       string  `toml:"redis_addr"`
	AuthPerMinute   float64 `toml:"auth_per_minute"`
	UploadPerMinute float64 `toml:"upload_per_minute"`
	GeneralPerMinute float64 `toml:"general_per_minute"`
}

// Config is the fully resolved server configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`

	Storage StorageConfig   `toml:"storage"`
	Auth    AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit"`

	DockerUpstream UpstreamConfig `toml:"docker_upstream"`
	NpmUpstream    UpstreamConfig `toml:"npm_upstream"`
	PypiUpstream   UpstreamConfig `toml:"pypi_upstream"`
	MavenUpstream  UpstreamConfig `toml:"maven_upstream"`
	CargoUpstream  UpstreamConfig `toml:"cargo_upstream"`

	ActivityLogCapacity int           `toml:"activity_log_capacity"`
	UploadSessionTTL    time.Duration `toml:"-"`
	MaxUploadSizeBytes  int64         `toml:"max_upload_size_bytes"`
}

func defaults() *Config {
	return &Config{
		ListenAddr: ":5000",
		LogLevel:   "info",
		Storage: StorageConfig{
			Backend:   "local",
			LocalRoot: "./data",
		},
		Auth: AuthConfig{
			HtpasswdPath:  "./data/htpasswd",
			TokenStoreDir: "./data/tokens",
			PublicPaths:   []string{"/v2/", "/healthz", "/metrics"},
		},
		RateLimit: RateLimitConfig{
			Backend:          "memory",
			AuthPerMinute:    10,
			UploadPerMinute:  60,
			GeneralPerMinute: 300,
		},
		DockerUpstream: UpstreamConfig{Name: "docker.io", BaseURL: "https://registry-1.docker.io"},
		NpmUpstream:    UpstreamConfig{Name: "npmjs", BaseURL: "https://registry.npmjs.org"},
		PypiUpstream:   UpstreamConfig{Name: "pypi", BaseURL: "https://pypi.org"},
		MavenUpstream:  UpstreamConfig{Name: "central", BaseURL: "https://repo1.maven.org/maven2"},
		CargoUpstream:  UpstreamConfig{Name: "crates.io", BaseURL: "https://static.crates.io"},

		ActivityLogCapacity: 500,
		UploadSessionTTL:    time.Hour,
		MaxUploadSizeBytes:  100 << 20, // 100 MiB
	}
}

// Load reads path (if it exists) into a Config seeded with defaults, then
// applies environment variable overrides. A missing path is not an error:
// defaults plus env overrides are sufficient to run.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ListenAddr = getEnv("REGISTRYX_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getEnv("REGISTRYX_LOG_LEVEL", cfg.LogLevel)

	cfg.Storage.Backend = getEnv("REGISTRYX_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.LocalRoot = getEnv("REGISTRYX_LOCAL_ROOT", cfg.Storage.LocalRoot)
	cfg.Storage.S3Endpoint = getEnv("REGISTRYX_S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Bucket = getEnv("REGISTRYX_S3_BUCKET", cfg.Storage.S3Bucket)
	cfg.Storage.S3Region = getEnv("REGISTRYX_S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.S3AccessKey = getEnv("REGISTRYX_S3_ACCESS_KEY", cfg.Storage.S3AccessKey)
	cfg.Storage.S3SecretKey = getEnv("REGISTRYX_S3_SECRET_KEY", cfg.Storage.S3SecretKey)

	cfg.Auth.HtpasswdPath = getEnv("REGISTRYX_HTPASSWD_PATH", cfg.Auth.HtpasswdPath)
	cfg.Auth.TokenStoreDir = getEnv("REGISTRYX_TOKEN_STORE_DIR", cfg.Auth.TokenStoreDir)

	cfg.RateLimit.Backend = getEnv("REGISTRYX_RATE_LIMIT_BACKEND", cfg.RateLimit.Backend)
	cfg.RateLimit.RedisAddr = getEnv("REGISTRYX_REDIS_ADDR", cfg.RateLimit.RedisAddr)
	cfg.RateLimit.AuthPerMinute = getEnvFloat("REGISTRYX_AUTH_RATE_PER_MINUTE", cfg.RateLimit.AuthPerMinute)
	cfg.RateLimit.UploadPerMinute = getEnvFloat("REGISTRYX_UPLOAD_RATE_PER_MINUTE", cfg.RateLimit.UploadPerMinute)
	cfg.RateLimit.GeneralPerMinute = getEnvFloat("REGISTRYX_GENERAL_RATE_PER_MINUTE", cfg.RateLimit.GeneralPerMinute)

	cfg.DockerUpstream.BaseURL = getEnv("REGISTRYX_DOCKER_UPSTREAM", cfg.DockerUpstream.BaseURL)
	cfg.NpmUpstream.BaseURL = getEnv("REGISTRYX_NPM_UPSTREAM", cfg.NpmUpstream.BaseURL)
	cfg.PypiUpstream.BaseURL = getEnv("REGISTRYX_PYPI_UPSTREAM", cfg.PypiUpstream.BaseURL)
	cfg.MavenUpstream.BaseURL = getEnv("REGISTRYX_MAVEN_UPSTREAM", cfg.MavenUpstream.BaseURL)
	cfg.CargoUpstream.BaseURL = getEnv("REGISTRYX_CARGO_UPSTREAM", cfg.CargoUpstream.BaseURL)

	cfg.MaxUploadSizeBytes = getEnvInt64("REGISTRYX_MAX_UPLOAD_SIZE_BYTES", cfg.MaxUploadSizeBytes)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
