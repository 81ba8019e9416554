package cargo

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/registryx/nora-registryx/internal/activity"
	"github.com/registryx/nora-registryx/internal/metrics"
	"github.com/registryx/nora-registryx/internal/repoindex"
	"github.com/registryx/nora-registryx/internal/storage"
)

func newRouter(t *testing.T, upstreamBase string) *mux.Router {
	t.Helper()
	fs, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &Handler{
		Storage:      storage.New(fs),
		Index:        repoindex.New(map[repoindex.Registry]repoindex.BuildFunc{repoindex.Cargo: BuildIndex}),
		Activity:     activity.NewLog(10),
		Metrics:      metrics.New(),
		UpstreamBase: upstreamBase,
	}
	r := mux.NewRouter()
	r.HandleFunc("/cargo/api/v1/crates/{name}/{version}/download", h.GetCrate).Methods(http.MethodGet)
	r.HandleFunc("/cargo/api/v1/crates/{name}", h.GetMetadata).Methods(http.MethodGet)
	return r
}

func TestGetMetadataProxiesOnMiss(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/crates/serde" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"crate":{"name":"serde"}}`))
	}))
	defer upstream.Close()

	router := newRouter(t, upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/cargo/api/v1/crates/serde", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"crate":{"name":"serde"}}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGetCrateProxiesAndCaches(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/crates/serde/1.0.0/download" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.Write([]byte("crate-bytes"))
	}))
	defer upstream.Close()

	router := newRouter(t, upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/cargo/api/v1/crates/serde/1.0.0/download", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "crate-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGetCrateWithoutUpstream404(t *testing.T) {
	router := newRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/cargo/api/v1/crates/serde/1.0.0/download", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
