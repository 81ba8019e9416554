// Package cargo implements a read-through Cargo registry: crate metadata
// and .crate archives are cached locally on first fetch from the
// configured upstream (crates.io by default).
package cargo

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/registryx/nora-registryx/internal/activity"
	"github.com/registryx/nora-registryx/internal/httperr"
	"github.com/registryx/nora-registryx/internal/metrics"
	"github.com/registryx/nora-registryx/internal/repoindex"
	"github.com/registryx/nora-registryx/internal/storage"
	"github.com/registryx/nora-registryx/internal/validate"
)

const prefix = "cargo"

// Handler serves Cargo crate-metadata and crate-download requests.
type Handler struct {
	Storage      storage.Backend
	Index        *repoindex.Index
	Activity     *activity.Log
	Metrics      *metrics.Registry
	HTTPClient   *http.Client
	UpstreamBase string // e.g. "https://crates.io"
}

// GetMetadata implements GET /cargo/api/v1/crates/{name}.
func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := validate.CrateName(name); err != nil {
		httperr.WriteText(w, err)
		return
	}
	key := prefix + "/" + name + "/metadata.json"
	h.fetch(w, r, key, "/api/v1/crates/"+name, name, "application/json")
}

// GetCrate implements GET /cargo/api/v1/crates/{name}/{version}/download.
func (h *Handler) GetCrate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, version := vars["name"], vars["version"]
	if err := validate.CrateName(name); err != nil {
		httperr.WriteText(w, err)
		return
	}
	key := prefix + "/" + name + "/" + version + "/" + name + "-" + version + ".crate"
	h.fetch(w, r, key, "/api/v1/crates/"+name+"/"+version+"/download", name, "application/octet-stream")
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request, key, upstreamPath, name, contentType string) {
	rc, err := h.Storage.Get(r.Context(), key)
	if err == nil {
		defer rc.Close()
		h.Metrics.ObserveCache(true)
		w.Header().Set("Content-Type", contentType)
		io.Copy(w, rc)
		return
	}
	if !storage.IsNotFound(err) {
		httperr.WriteText(w, err)
		return
	}
	h.Metrics.ObserveCache(false)
	if h.UpstreamBase == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(strings.TrimSuffix(h.UpstreamBase, "/") + upstreamPath)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	go func(body []byte) {
		h.Storage.Put(context.Background(), key, strings.NewReader(string(body)), int64(len(body)))
		h.Index.Invalidate(repoindex.Cargo)
	}(body)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindProxyFetch, Registry: "cargo", Name: name, Time: time.Now()})
	}
	h.Metrics.ObserveStorageOp("put", h.Storage.Name())

	w.Header().Set("Content-Type", contentType)
	w.Write(body)
}

// BuildIndex is the repoindex.BuildFunc for the cargo ecosystem: groups
// cached metadata/crate keys by crate name (the first path segment).
func BuildIndex(ctx context.Context, backend storage.Backend) ([]repoindex.RepoInfo, error) {
	keys, err := backend.List(ctx, prefix+"/")
	if err != nil {
		return nil, err
	}
	agg := map[string]*repoindex.RepoInfo{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix+"/")
		segs := strings.SplitN(rest, "/", 2)
		if len(segs) == 0 || segs[0] == "" {
			continue
		}
		name := segs[0]
		info, ok := agg[name]
		if !ok {
			info = &repoindex.RepoInfo{Name: name}
			agg[name] = info
		}
		if stat, err := backend.Stat(ctx, key); err == nil {
			info.Size += stat.Size
			if stat.LastModified > info.Updated.Unix() {
				info.Updated = time.Unix(stat.LastModified, 0)
			}
		}
		if strings.HasSuffix(key, ".crate") {
			info.Versions++
		}
	}
	out := make([]repoindex.RepoInfo, 0, len(agg))
	for _, info := range agg {
		out = append(out, *info)
	}
	return out, nil
}
