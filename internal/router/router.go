// Package router assembles the full HTTP surface: the Docker/OCI v2 API,
// the Maven/npm/PyPI/Cargo/raw proxy-cache adapters, auth, and the
// dashboard status endpoints, wrapped in the shared middleware chain.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/registryx/nora-registryx/internal/activity"
	"github.com/registryx/nora-registryx/internal/htpasswd"
	"github.com/registryx/nora-registryx/internal/metrics"
	"github.com/registryx/nora-registryx/internal/middleware"
	"github.com/registryx/nora-registryx/internal/ratelimit"
	"github.com/registryx/nora-registryx/internal/registry/cargo"
	"github.com/registryx/nora-registryx/internal/registry/docker"
	"github.com/registryx/nora-registryx/internal/registry/maven"
	"github.com/registryx/nora-registryx/internal/registry/npm"
	"github.com/registryx/nora-registryx/internal/registry/pypi"
	"github.com/registryx/nora-registryx/internal/registry/raw"
	"github.com/registryx/nora-registryx/internal/repoindex"
	"github.com/registryx/nora-registryx/internal/storage"
	"github.com/registryx/nora-registryx/internal/tokens"
)

// Deps bundles everything the router needs to wire request handlers.
type Deps struct {
	Storage      storage.Backend
	Index        *repoindex.Index
	Activity     *activity.Log
	Metrics      *metrics.Registry
	Logger       *slog.Logger
	Htpasswd     *htpasswd.File
	Tokens       *tokens.Store
	PublicPaths  []string
	MaxUploadSize int64

	GeneralLimiter ratelimit.Limiter
	AuthLimiter    ratelimit.Limiter
	UploadLimiter  ratelimit.Limiter

	Docker *docker.Handler
	Maven  *maven.Handler
	Npm    *npm.Handler
	Pypi   *pypi.Handler
	Cargo  *cargo.Handler
	Raw    *raw.Handler
}

// New builds the complete *mux.Router, wrapped in the ambient middleware
// chain (CORS, request ID, logging, metrics, rate limiting, auth).
func New(d *Deps) http.Handler {
	r := mux.NewRouter()

	registerDockerRoutes(r, d.Docker, d.UploadLimiter)
	registerMavenRoutes(r, d.Maven)
	registerNpmRoutes(r, d.Npm)
	registerPypiRoutes(r, d.Pypi)
	registerCargoRoutes(r, d.Cargo)
	registerRawRoutes(r, d.Raw)
	registerStatusRoutes(r, d)

	var handler http.Handler = r
	handler = middleware.Auth(d.Htpasswd, d.Tokens, d.PublicPaths)(handler)
	if d.GeneralLimiter != nil {
		handler = middleware.RateLimit(d.GeneralLimiter)(handler)
	}
	if d.Metrics != nil {
		handler = middleware.Metrics(d.Metrics)(handler)
	}
	if d.Logger != nil {
		handler = middleware.Logging(d.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if d.MaxUploadSize > 0 {
		handler = middleware.MaxBodySize(d.MaxUploadSize)(handler)
	}
	handler = middleware.CORS(handler)
	return handler
}

func registerDockerRoutes(r *mux.Router, h *docker.Handler, uploadLimiter ratelimit.Limiter) {
	if h == nil {
		return
	}
	r.HandleFunc("/v2/", h.BaseCheck).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/v2/_catalog", h.Catalog).Methods(http.MethodGet)

	upload := func(f http.HandlerFunc) http.Handler {
		var handler http.Handler = f
		if uploadLimiter != nil {
			handler = middleware.RateLimit(uploadLimiter)(handler)
		}
		return handler
	}

	// Disambiguate the greedy {name:.+} repository segment from the fixed
	// suffix routes the way the teacher's gorilla/mux setup did: register
	// the more specific suffix routes first.
	r.Handle("/v2/{name:.+}/blobs/uploads/", upload(h.StartBlobUpload)).Methods(http.MethodPost)
	r.Handle("/v2/{name:.+}/blobs/uploads/{uuid}", upload(h.PatchBlobData)).Methods(http.MethodPatch)
	r.Handle("/v2/{name:.+}/blobs/uploads/{uuid}", upload(h.PutBlobUpload)).Methods(http.MethodPut)
	r.HandleFunc("/v2/{name:.+}/blobs/{digest}", h.CheckBlob).Methods(http.MethodHead)
	r.HandleFunc("/v2/{name:.+}/blobs/{digest}", h.GetBlob).Methods(http.MethodGet)
	r.Handle("/v2/{name:.+}/manifests/{reference}", upload(h.PutManifest)).Methods(http.MethodPut)
	r.HandleFunc("/v2/{name:.+}/manifests/{reference}", h.GetManifest).Methods(http.MethodGet)
	r.HandleFunc("/v2/{name:.+}/tags/list", h.Tags).Methods(http.MethodGet)
}

func registerMavenRoutes(r *mux.Router, h *maven.Handler) {
	if h == nil {
		return
	}
	r.HandleFunc("/maven2/{path:.+}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/maven2/{path:.+}", h.Put).Methods(http.MethodPut)
}

func registerNpmRoutes(r *mux.Router, h *npm.Handler) {
	if h == nil {
		return
	}
	r.HandleFunc("/npm/{name:[^/]+}/-/{file}", h.GetTarball).Methods(http.MethodGet)
	r.HandleFunc("/npm/{name:@[^/]+/[^/]+}", h.GetPackage).Methods(http.MethodGet)
	r.HandleFunc("/npm/{name:[^/]+}", h.GetPackage).Methods(http.MethodGet)
}

func registerPypiRoutes(r *mux.Router, h *pypi.Handler) {
	if h == nil {
		return
	}
	r.HandleFunc("/simple/{name}/", h.GetSimpleIndex).Methods(http.MethodGet)
	r.HandleFunc("/simple/{name}/{file}", h.GetFile).Methods(http.MethodGet)
}

func registerCargoRoutes(r *mux.Router, h *cargo.Handler) {
	if h == nil {
		return
	}
	r.HandleFunc("/cargo/api/v1/crates/{name}/{version}/download", h.GetCrate).Methods(http.MethodGet)
	r.HandleFunc("/cargo/api/v1/crates/{name}", h.GetMetadata).Methods(http.MethodGet)
}

func registerRawRoutes(r *mux.Router, h *raw.Handler) {
	if h == nil {
		return
	}
	r.HandleFunc("/raw/{path:.+}", h.Put).Methods(http.MethodPut)
	r.HandleFunc("/raw/{path:.+}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/raw/{path:.+}", h.Delete).Methods(http.MethodDelete)
}

func registerStatusRoutes(r *mux.Router, d *Deps) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if d.Storage != nil && !d.Storage.Health(ctx) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if d.Metrics == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(d.Metrics.Render()))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/activity", func(w http.ResponseWriter, r *http.Request) {
		if d.Activity == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSONEvents(w, d.Activity.Recent(100))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/repositories/{registry}", func(w http.ResponseWriter, r *http.Request) {
		registry := repoindex.Registry(mux.Vars(r)["registry"])
		repos, err := d.Index.Get(r.Context(), registry, d.Storage)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSONRepos(w, repos)
	}).Methods(http.MethodGet)
}

func writeJSONEvents(w http.ResponseWriter, events []activity.Event) {
	w.Header().Set("Content-Type", "application/json")
	if len(events) == 0 {
		w.Write([]byte("[]"))
		return
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"kind":"` + string(e.Kind) + `","registry":"` + e.Registry + `","name":"` + e.Name + `"}`)
	}
	b.WriteByte(']')
	w.Write([]byte(b.String()))
}

func writeJSONRepos(w http.ResponseWriter, repos []repoindex.RepoInfo) {
	w.Header().Set("Content-Type", "application/json")
	var b strings.Builder
	b.WriteByte('[')
	for i, repo := range repos {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"name":"` + repo.Name + `","versions":` + itoa(repo.Versions) + `,"size":` + itoa64(repo.Size) + `}`)
	}
	b.WriteByte(']')
	w.Write([]byte(b.String()))
}

func itoa(n int) string   { return itoa64(int64(n)) }
func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
