package raw

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/registryx/nora-registryx/internal/activity"
	"github.com/registryx/nora-registryx/internal/metrics"
	"github.com/registryx/nora-registryx/internal/repoindex"
	"github.com/registryx/nora-registryx/internal/storage"
)

func newRouter(t *testing.T) *mux.Router {
	t.Helper()
	fs, err := storage.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &Handler{
		Storage:  storage.New(fs),
		Index:    repoindex.New(map[repoindex.Registry]repoindex.BuildFunc{repoindex.Raw: BuildIndex}),
		Activity: activity.NewLog(10),
		Metrics:  metrics.New(),
	}
	r := mux.NewRouter()
	r.HandleFunc("/raw/{path:.+}", h.Put).Methods(http.MethodPut)
	r.HandleFunc("/raw/{path:.+}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/raw/{path:.+}", h.Delete).Methods(http.MethodDelete)
	return r
}

func TestPutGetDelete(t *testing.T) {
	router := newRouter(t)

	putReq := httptest.NewRequest(http.MethodPut, "/raw/releases/tool-1.0.tar.gz", bytes.NewReader([]byte("artifact-bytes")))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusCreated {
		t.Fatalf("put status = %d, want 201", putRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/raw/releases/tool-1.0.tar.gz", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getRec.Code)
	}
	if getRec.Body.String() != "artifact-bytes" {
		t.Errorf("body = %q", getRec.Body.String())
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/raw/releases/tool-1.0.tar.gz", nil)
	delRec := httptest.NewRecorder()
	router.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delRec.Code)
	}

	getAfterDelete := httptest.NewRequest(http.MethodGet, "/raw/releases/tool-1.0.tar.gz", nil)
	getAfterDeleteRec := httptest.NewRecorder()
	router.ServeHTTP(getAfterDeleteRec, getAfterDelete)
	if getAfterDeleteRec.Code == http.StatusOK {
		t.Error("expected get to fail after delete")
	}
}

func TestPutRejectsPathTraversal(t *testing.T) {
	router := newRouter(t)
	req := httptest.NewRequest(http.MethodPut, "/raw/../escape", bytes.NewReader([]byte("x")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code == http.StatusCreated {
		t.Error("expected path traversal to be rejected")
	}
}
