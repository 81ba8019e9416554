// Package raw implements a generic artifact store for arbitrary files that
// don't fit a named ecosystem: PUT to publish, GET to fetch, DELETE to
// remove, keyed by an arbitrary repository-relative path. Unlike the other
// adapters this one is push-based rather than a proxy cache.
package raw

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/registryx/nora-registryx/internal/activity"
	"github.com/registryx/nora-registryx/internal/httperr"
	"github.com/registryx/nora-registryx/internal/metrics"
	"github.com/registryx/nora-registryx/internal/repoindex"
	"github.com/registryx/nora-registryx/internal/storage"
	"github.com/registryx/nora-registryx/internal/validate"
)

const prefix = "raw"

// Handler serves arbitrary-file publish/fetch/delete requests.
type Handler struct {
	Storage  storage.Backend
	Index    *repoindex.Index
	Activity *activity.Log
	Metrics  *metrics.Registry
}

func key(artifactPath string) string { return prefix + "/" + artifactPath }

// Put implements PUT /raw/{path:.+}.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	artifactPath := mux.Vars(r)["path"]
	if err := validate.StorageKey(artifactPath); err != nil {
		httperr.WriteText(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}
	if err := h.Storage.Put(r.Context(), key(artifactPath), bytes.NewReader(body), int64(len(body))); err != nil {
		httperr.WriteText(w, err)
		return
	}
	h.Metrics.ObserveStorageOp("put", h.Storage.Name())
	h.Metrics.ObserveArtifact("raw")
	h.Index.Invalidate(repoindex.Raw)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindPush, Registry: "raw", Name: artifactPath})
	}
	w.WriteHeader(http.StatusCreated)
}

// Get implements GET /raw/{path:.+}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	artifactPath := mux.Vars(r)["path"]
	if err := validate.StorageKey(artifactPath); err != nil {
		httperr.WriteText(w, err)
		return
	}
	rc, err := h.Storage.Get(r.Context(), key(artifactPath))
	if err != nil {
		httperr.WriteText(w, err)
		return
	}
	defer rc.Close()
	h.Metrics.ObserveCache(true)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindPull, Registry: "raw", Name: artifactPath})
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, rc)
}

// Delete implements DELETE /raw/{path:.+}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	artifactPath := mux.Vars(r)["path"]
	if err := validate.StorageKey(artifactPath); err != nil {
		httperr.WriteText(w, err)
		return
	}
	if err := h.Storage.Delete(r.Context(), key(artifactPath)); err != nil {
		httperr.WriteText(w, err)
		return
	}
	h.Index.Invalidate(repoindex.Raw)
	w.WriteHeader(http.StatusNoContent)
}

// BuildIndex is the repoindex.BuildFunc for the raw ecosystem: every stored
// key is its own "repository" since raw artifacts have no version grouping.
func BuildIndex(ctx context.Context, backend storage.Backend) ([]repoindex.RepoInfo, error) {
	keys, err := backend.List(ctx, prefix+"/")
	if err != nil {
		return nil, err
	}
	out := make([]repoindex.RepoInfo, 0, len(keys))
	for _, k := range keys {
		name := k[len(prefix)+1:]
		info, statErr := backend.Stat(ctx, k)
		if statErr != nil {
			continue
		}
		out = append(out, repoindex.RepoInfo{
			Name:    name,
			Size:    info.Size,
			Updated: time.Unix(info.LastModified, 0),
		})
	}
	return out, nil
}
