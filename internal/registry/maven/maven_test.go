package maven

import (
	"net/http"
	"net/http/httptest"
	"strings"
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
		Index:        repoindex.New(map[repoindex.Registry]repoindex.BuildFunc{repoindex.Maven: BuildIndex}),
		Activity:     activity.NewLog(10),
		Metrics:      metrics.New(),
		UpstreamBase: upstreamBase,
	}
	r := mux.NewRouter()
	r.HandleFunc("/maven2/{path:.+}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/maven2/{path:.+}", h.Put).Methods(http.MethodPut)
	return r
}

func TestGetProxiesAndCachesOnMiss(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pom-content"))
	}))
	defer upstream.Close()

	router := newRouter(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/maven2/org/example/lib/1.0/lib-1.0.pom", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "pom-content" {
		t.Errorf("body = %q, want pom-content", rec.Body.String())
	}
}

func TestPutStoresArtifactAndGetServesIt(t *testing.T) {
	router := newRouter(t, "")

	putReq := httptest.NewRequest(http.MethodPut, "/maven2/org/example/lib/1.0/lib-1.0.pom", strings.NewReader("pom-body"))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusCreated {
		t.Fatalf("put status = %d, want 201", putRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/maven2/org/example/lib/1.0/lib-1.0.pom", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getRec.Code)
	}
	if getRec.Body.String() != "pom-body" {
		t.Errorf("body = %q, want pom-body", getRec.Body.String())
	}
}

func TestGetReturns404WithoutUpstream(t *testing.T) {
	router := newRouter(t, "")
	req := httptest.NewRequest(http.MethodGet, "/maven2/org/example/lib/1.0/lib-1.0.pom", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
