// Package npm implements a read-through npm registry: package metadata
// documents and tarballs are cached locally on first fetch from the
// configured upstream (registry.npmjs.org by default).
package npm

import (
	"context"
	"io"
	"net/http"
	"path"
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

const prefix = "npm"

// Handler serves npm package metadata and tarball requests.
type Handler struct {
	Storage      storage.Backend
	Index        *repoindex.Index
	Activity     *activity.Log
	Metrics      *metrics.Registry
	HTTPClient   *http.Client
	UpstreamBase string // e.g. "https://registry.npmjs.org"
}

// GetPackage implements GET /npm/{name} (metadata document, possibly
// scoped: @scope/name).
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := validate.NpmName(name); err != nil {
		httperr.WriteText(w, err)
		return
	}
	h.fetch(w, r, path.Join(prefix, name, "metadata.json"), name, "application/json")
}

// GetTarball implements GET /npm/{name}/-/{file}.
func (h *Handler) GetTarball(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, file := vars["name"], vars["file"]
	if err := validate.NpmName(name); err != nil {
		httperr.WriteText(w, err)
		return
	}
	h.fetch(w, r, path.Join(prefix, name, "tarballs", file), name, "application/octet-stream")
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request, key, name, contentType string) {
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
	suffix := strings.TrimPrefix(r.URL.Path, "/npm/")
	upstreamURL := strings.TrimSuffix(h.UpstreamBase, "/") + "/" + suffix
	resp, err := client.Get(upstreamURL)
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
		h.Index.Invalidate(repoindex.Npm)
	}(body)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindProxyFetch, Registry: "npm", Name: name, Time: time.Now()})
	}
	h.Metrics.ObserveStorageOp("put", h.Storage.Name())

	w.Header().Set("Content-Type", contentType)
	w.Write(body)
}

// BuildIndex is the repoindex.BuildFunc for the npm ecosystem.
func BuildIndex(ctx context.Context, backend storage.Backend) ([]repoindex.RepoInfo, error) {
	keys, err := backend.List(ctx, prefix+"/")
	if err != nil {
		return nil, err
	}
	agg := map[string]*repoindex.RepoInfo{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix+"/")
		segs := strings.SplitN(rest, "/", 2)
		if len(segs) == 0 {
			continue
		}
		name := segs[0]
		if strings.HasPrefix(name, "@") && len(segs) > 1 {
			sub := strings.SplitN(segs[1], "/", 2)
			name = name + "/" + sub[0]
		}
		info, ok := agg[name]
		if !ok {
			info = &repoindex.RepoInfo{Name: name}
			agg[name] = info
		}
		if stat, err := backend.Stat(ctx, key); err == nil {
			info.Size += stat.Size
		}
	}
	out := make([]repoindex.RepoInfo, 0, len(agg))
	for _, info := range agg {
		out = append(out, *info)
	}
	return out, nil
}
