// Package maven implements a read-through Maven repository: GET serves a
// previously cached artifact by its full repository path, or fetches it
// from the configured upstream (Maven Central by default) and caches it.
package maven

import (
	"context"
	"io"
	"net/http"
	"path"
	"strconv"
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

const prefix = "maven"

// Handler serves GET and PUT requests under /maven2/{path...}.
type Handler struct {
	Storage      storage.Backend
	Index        *repoindex.Index
	Activity     *activity.Log
	Metrics      *metrics.Registry
	HTTPClient   *http.Client
	UpstreamBase string // e.g. "https://repo1.maven.org/maven2"
}

func storageKey(artifactPath string) string { return path.Join(prefix, artifactPath) }

// Get implements GET /maven2/{path:.+}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	artifactPath := mux.Vars(r)["path"]
	if err := validate.StorageKey(artifactPath); err != nil {
		httperr.WriteText(w, err)
		return
	}
	key := storageKey(artifactPath)

	rc, err := h.Storage.Get(r.Context(), key)
	if err == nil {
		defer rc.Close()
		h.Metrics.ObserveCache(true)
		w.Header().Set("Content-Type", contentTypeFor(artifactPath))
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
	upstreamURL := strings.TrimSuffix(h.UpstreamBase, "/") + "/" + artifactPath
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
		h.Index.Invalidate(repoindex.Maven)
	}(body)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindProxyFetch, Registry: "maven", Name: artifactPath, Time: time.Now()})
	}
	h.Metrics.ObserveStorageOp("put", h.Storage.Name())

	w.Header().Set("Content-Type", contentTypeFor(artifactPath))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}

// Put implements PUT /maven2/{path:.+}: stores the uploaded artifact at
// maven/{path} and invalidates the repo index.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	artifactPath := mux.Vars(r)["path"]
	if err := validate.StorageKey(artifactPath); err != nil {
		httperr.WriteText(w, err)
		return
	}
	key := storageKey(artifactPath)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httperr.WriteText(w, err)
		return
	}
	if err := h.Storage.Put(r.Context(), key, strings.NewReader(string(body)), int64(len(body))); err != nil {
		httperr.WriteText(w, err)
		return
	}
	h.Index.Invalidate(repoindex.Maven)
	h.Metrics.ObserveStorageOp("put", h.Storage.Name())
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindPush, Registry: "maven", Name: artifactPath, Time: time.Now()})
	}
	w.WriteHeader(http.StatusCreated)
}

func contentTypeFor(artifactPath string) string {
	switch {
	case strings.HasSuffix(artifactPath, ".pom"):
		return "application/xml"
	case strings.HasSuffix(artifactPath, ".jar"):
		return "application/java-archive"
	case strings.HasSuffix(artifactPath, ".sha1"), strings.HasSuffix(artifactPath, ".md5"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// BuildIndex is the repoindex.BuildFunc for the maven ecosystem: groups
// cached artifact keys by groupId/artifactId (all path segments before the
// version directory).
func BuildIndex(ctx context.Context, backend storage.Backend) ([]repoindex.RepoInfo, error) {
	keys, err := backend.List(ctx, prefix+"/")
	if err != nil {
		return nil, err
	}
	agg := map[string]*repoindex.RepoInfo{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix+"/")
		segs := strings.Split(rest, "/")
		if len(segs) < 3 {
			continue
		}
		name := strings.Join(segs[:len(segs)-2], "/")
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
		info.Versions++
	}
	out := make([]repoindex.RepoInfo, 0, len(agg))
	for _, info := range agg {
		out = append(out, *info)
	}
	return out, nil
}
