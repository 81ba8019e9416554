package npm

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
		Index:        repoindex.New(map[repoindex.Registry]repoindex.BuildFunc{repoindex.Npm: BuildIndex}),
		Activity:     activity.NewLog(10),
		Metrics:      metrics.New(),
		UpstreamBase: upstreamBase,
	}
	r := mux.NewRouter()
	r.HandleFunc("/npm/{name:[^/]+}", h.GetPackage).Methods(http.MethodGet)
	r.HandleFunc("/npm/{name:[^/]+}/-/{file}", h.GetTarball).Methods(http.MethodGet)
	return r
}

func TestGetPackageProxiesOnMiss(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"left-pad"}`))
	}))
	defer upstream.Close()

	router := newRouter(t, upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/npm/left-pad", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"name":"left-pad"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGetPackageWithoutUpstream404(t *testing.T) {
	router := newRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/npm/left-pad", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
