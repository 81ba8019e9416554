// Package pypi implements a read-through PyPI simple index: project pages
// are fetched from upstream (pypi.org by default), their file hrefs are
// rewritten to point back through this registry, and the page is cached.
// Package files are served only from local storage; a file that is not
// stored yields 404 and is not fetched from upstream. Project names are
// normalized per PEP 503 so
// "Foo_Bar", "foo-bar", and "foo.bar" all resolve to the same cache entry.
package pypi

import (
	"context"
	"io"
	"net/http"
	"regexp"
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

const prefix = "pypi"

var separatorRun = regexp.MustCompile(`[-_.]+`)

// NormalizeName applies PEP 503 normalization: lowercase, collapse runs of
// "-", "_", "." into a single "-".
func NormalizeName(name string) string {
	return separatorRun.ReplaceAllString(strings.ToLower(name), "-")
}

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

// metadataAttrPattern strips the PEP 658/714 core-metadata hint attributes;
// this registry does not serve metadata files separately.
var metadataAttrPattern = regexp.MustCompile(`\s+data-(?:core-metadata|dist-info-metadata)="[^"]*"`)

// Handler serves PyPI simple-index and file requests.
type Handler struct {
	Storage      storage.Backend
	Index        *repoindex.Index
	Activity     *activity.Log
	Metrics      *metrics.Registry
	HTTPClient   *http.Client
	UpstreamBase string // e.g. "https://pypi.org"
}

// GetSimpleIndex implements GET /simple/{name}/: the PEP 503 project page.
func (h *Handler) GetSimpleIndex(w http.ResponseWriter, r *http.Request) {
	name := NormalizeName(mux.Vars(r)["name"])
	if err := validate.StorageKey(name); err != nil {
		httperr.WriteText(w, err)
		return
	}
	key := prefix + "/simple/" + name + "/index.html"

	rc, err := h.Storage.Get(r.Context(), key)
	if err == nil {
		defer rc.Close()
		h.Metrics.ObserveCache(true)
		w.Header().Set("Content-Type", "text/html")
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
	resp, err := client.Get(strings.TrimSuffix(h.UpstreamBase, "/") + "/simple/" + name + "/")
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
	rewritten := rewriteHrefs(string(body), name)

	go func(page string) {
		h.Storage.Put(context.Background(), key, strings.NewReader(page), int64(len(page)))
		h.Index.Invalidate(repoindex.Pypi)
	}(rewritten)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindProxyFetch, Registry: "pypi", Name: name, Time: time.Now()})
	}
	h.Metrics.ObserveStorageOp("put", h.Storage.Name())

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(rewritten))
}

// GetFile implements GET /simple/{name}/{file}, the distribution file
// itself (wheel or sdist).
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, file := NormalizeName(vars["name"]), vars["file"]
	key := prefix + "/" + name + "/" + file

	rc, err := h.Storage.Get(r.Context(), key)
	if err == nil {
		defer rc.Close()
		h.Metrics.ObserveCache(true)
		w.Header().Set("Content-Type", "application/octet-stream")
		io.Copy(w, rc)
		return
	}
	if !storage.IsNotFound(err) {
		httperr.WriteText(w, err)
		return
	}
	h.Metrics.ObserveCache(false)
	w.WriteHeader(http.StatusNotFound)
}

// rewriteHrefs rewrites every href in a simple-index page so that relative
// package-file links route back through this registry's cache instead of
// straight to the upstream host.
func rewriteHrefs(html, name string) string {
	html = metadataAttrPattern.ReplaceAllString(html, "")
	return hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		sub := hrefPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		href := sub[1]
		file := href
		if idx := strings.LastIndex(href, "/"); idx >= 0 {
			file = href[idx+1:]
		}
		if hashIdx := strings.Index(file, "#"); hashIdx >= 0 {
			file = file[:hashIdx]
		}
		return `href="/simple/` + name + `/` + file + `"`
	})
}

// BuildIndex is the repoindex.BuildFunc for the pypi ecosystem.
func BuildIndex(ctx context.Context, backend storage.Backend) ([]repoindex.RepoInfo, error) {
	keys, err := backend.List(ctx, prefix+"/simple/")
	if err != nil {
		return nil, err
	}
	agg := map[string]*repoindex.RepoInfo{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix+"/simple/")
		segs := strings.SplitN(rest, "/", 2)
		if len(segs) == 0 || segs[0] == "" {
			continue
		}
		name := segs[0]
		if _, ok := agg[name]; !ok {
			agg[name] = &repoindex.RepoInfo{Name: name, Versions: 1}
		}
	}
	out := make([]repoindex.RepoInfo, 0, len(agg))
	for _, info := range agg {
		out = append(out, *info)
	}
	return out, nil
}
