// Package docker implements the OCI Distribution v2 subset this registry
// serves: base check, catalog, chunked blob upload, blob fetch, manifest
// put/get with dual tag+digest storage, and tag listing. On a cache miss it
// falls back to a configured upstream registry (via internal/upstream),
// filling the local cache with whatever it fetched.
package docker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/registryx/nora-registryx/internal/activity"
	"github.com/registryx/nora-registryx/internal/httperr"
	"github.com/registryx/nora-registryx/internal/metrics"
	"github.com/registryx/nora-registryx/internal/repoindex"
	"github.com/registryx/nora-registryx/internal/storage"
	"github.com/registryx/nora-registryx/internal/upstream"
	"github.com/registryx/nora-registryx/internal/validate"
)

// Descriptor is an OCI/Docker content descriptor, used both to parse
// incoming manifests for size accounting and to shape our own responses.
type Descriptor struct {
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
}

type manifestShape struct {
	MediaType     string       `json:"mediaType"`
	SchemaVersion int          `json:"schemaVersion"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// platformManifest is one entry of a multi-arch manifest index/list.
type platformManifest struct {
	Descriptor
	Platform struct {
		OS           string `json:"os"`
		Architecture string `json:"architecture"`
		Variant      string `json:"variant"`
	} `json:"platform"`
}

type indexShape struct {
	Manifests []platformManifest `json:"manifests"`
}

type configBlob struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant"`
}

// LayerMeta is one layer's digest and size, as recorded in a manifest's
// sidecar metadata.
type LayerMeta struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// ManifestMeta is the sidecar (".meta.json") record extracted from a pushed
// or proxy-cached manifest: §4.6.3.
type ManifestMeta struct {
	PushedAt     time.Time   `json:"pushed_at"`
	PullCount    int64       `json:"pull_count"`
	LastPulledAt *time.Time  `json:"last_pulled_at,omitempty"`
	SizeBytes    int64       `json:"size_bytes"`
	OS           string      `json:"os,omitempty"`
	Architecture string      `json:"architecture,omitempty"`
	Variant      string      `json:"variant,omitempty"`
	Layers       []LayerMeta `json:"layers,omitempty"`
}

// extractMetadata implements §4.6.3: multi-arch manifests sum each entry's
// size and report the first entry's platform, falling back to
// "multi-arch"/"multi" where that entry names no os/architecture; single-arch
// manifests sum layer sizes and follow config.digest to the stored config
// blob for the real os/architecture/variant.
func (h *Handler) extractMetadata(ctx context.Context, body []byte) ManifestMeta {
	meta := ManifestMeta{PushedAt: time.Now()}

	var idx indexShape
	if err := json.Unmarshal(body, &idx); err == nil && len(idx.Manifests) > 0 {
		for _, m := range idx.Manifests {
			meta.SizeBytes += m.Size
		}
		first := idx.Manifests[0]
		meta.OS = first.Platform.OS
		meta.Architecture = first.Platform.Architecture
		meta.Variant = first.Platform.Variant
		if meta.OS == "" {
			meta.OS = "multi-arch"
		}
		if meta.Architecture == "" {
			meta.Architecture = "multi"
		}
		return meta
	}

	var m manifestShape
	if err := json.Unmarshal(body, &m); err != nil || len(m.Layers) == 0 {
		return meta
	}
	meta.Layers = make([]LayerMeta, 0, len(m.Layers))
	for _, l := range m.Layers {
		meta.SizeBytes += l.Size
		meta.Layers = append(meta.Layers, LayerMeta{Digest: l.Digest, Size: l.Size})
	}
	if m.Config.Digest != "" {
		if rc, err := h.Storage.Get(ctx, blobKey(m.Config.Digest)); err == nil {
			defer rc.Close()
			if raw, err := io.ReadAll(rc); err == nil {
				var cfg configBlob
				if json.Unmarshal(raw, &cfg) == nil {
					meta.OS = cfg.OS
					meta.Architecture = cfg.Architecture
					meta.Variant = cfg.Variant
				}
			}
		}
	}
	return meta
}

// writeMetaSidecars extracts metadata from body and writes it as a sibling
// ".meta.json" next to both the tag-keyed and digest-keyed manifest copies.
func (h *Handler) writeMetaSidecars(ctx context.Context, repo, reference, digest string, body []byte) {
	meta := h.extractMetadata(ctx, body)
	encoded, err := json.Marshal(meta)
	if err != nil {
		return
	}
	refMetaKey := tagKey(repo, reference) + ".meta.json"
	h.Storage.Put(ctx, refMetaKey, strings.NewReader(string(encoded)), int64(len(encoded)))
	digestMetaKey := tagKey(repo, digest) + ".meta.json"
	if digestMetaKey != refMetaKey {
		h.Storage.Put(ctx, digestMetaKey, strings.NewReader(string(encoded)), int64(len(encoded)))
	}
}

// uploadSession tracks one in-progress chunked blob upload.
type uploadSession struct {
	mu        sync.Mutex
	buf       []byte
	repo      string
	createdAt time.Time
}

// Handler serves the Docker/OCI v2 API.
type Handler struct {
	Storage  storage.Backend
	Index    *repoindex.Index
	Activity *activity.Log
	Metrics  *metrics.Registry
	Logger   *slog.Logger

	// Upstream, if non-nil, is consulted on a local cache miss for GET/HEAD
	// requests; UpstreamBase is the resolved registry base URL (e.g.
	// "https://registry-1.docker.io").
	Upstream     *upstream.Client
	UpstreamBase string

	uploads sync.Map // uuid string -> *uploadSession
}

func blobKey(digest string) string  { return path.Join("blobs", digest) }
func tagKey(repo, ref string) string { return path.Join("manifests", repo, ref) }

// BaseCheck implements GET/HEAD /v2/.
func (h *Handler) BaseCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}"))
}

// Catalog implements GET /v2/_catalog, backed by the lazy repo index.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	repos, err := h.Index.Get(r.Context(), repoindex.Docker, h.Storage)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	last := r.URL.Query().Get("last")
	offset := 0
	if last != "" {
		for i, repo := range repos {
			if repo.Name == last {
				offset = i + 1
				break
			}
		}
	}
	page := repoindex.Paginate(repos, offset, n)
	names := make([]string, len(page))
	for i, repo := range page {
		names[i] = repo.Name
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Repositories []string `json:"repositories"`
	}{Repositories: names})
}

// StartBlobUpload implements POST /v2/{name}/blobs/uploads/.
func (h *Handler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	repo := mux.Vars(r)["name"]
	if err := validate.DockerName(repo); err != nil {
		httperr.Write(w, err)
		return
	}
	id := uuid.NewString()
	h.uploads.Store(id, &uploadSession{repo: repo, createdAt: time.Now()})

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// PatchBlobData implements PATCH /v2/{name}/blobs/uploads/{uuid}: append the
// request body to the session's in-progress buffer.
func (h *Handler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo, id := vars["name"], vars["uuid"]

	sessVal, ok := h.uploads.Load(id)
	if !ok {
		http.Error(w, "upload session not found", http.StatusNotFound)
		return
	}
	sess := sessVal.(*uploadSession)

	chunk, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read chunk", http.StatusInternalServerError)
		return
	}

	sess.mu.Lock()
	sess.buf = append(sess.buf, chunk...)
	total := len(sess.buf)
	sess.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", fmt.Sprintf("0-%d", total-1))
	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUpload implements PUT /v2/{name}/blobs/uploads/{uuid}?digest=...,
// finalizing either a chunked upload (data already buffered via PATCH) or a
// monolithic one (data attached to this request).
func (h *Handler) PutBlobUpload(w http.ResponseWriter, r *http.Request) {
	repo := mux.Vars(r)["name"]
	id := mux.Vars(r)["uuid"]
	digest := r.URL.Query().Get("digest")
	if err := validate.Digest(digest); err != nil {
		httperr.Write(w, err)
		return
	}

	var body []byte
	if sessVal, ok := h.uploads.Load(id); ok {
		sess := sessVal.(*uploadSession)
		sess.mu.Lock()
		final, err := io.ReadAll(r.Body)
		if err == nil {
			sess.buf = append(sess.buf, final...)
		}
		body = sess.buf
		sess.mu.Unlock()
		h.uploads.Delete(id)
	} else {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusInternalServerError)
			return
		}
	}

	if got := sha256sum(body); !strings.HasSuffix(digest, got) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"code":"DIGEST_INVALID","message":"digest does not match content"}]}`))
		return
	}

	if err := h.Storage.Put(r.Context(), blobKey(digest), strings.NewReader(string(body)), int64(len(body))); err != nil {
		httperr.Write(w, err)
		return
	}
	h.Metrics.ObserveStorageOp("put", h.Storage.Name())

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, digest))
	w.Header().Set("Docker-Content-Digest", digest)
	w.WriteHeader(http.StatusCreated)
}

// CheckBlob implements HEAD /v2/{name}/blobs/{digest}.
func (h *Handler) CheckBlob(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["digest"]
	info, err := h.Storage.Stat(r.Context(), blobKey(digest))
	if storage.IsNotFound(err) {
		if h.tryProxyBlob(w, r, digest, true) {
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		httperr.Write(w, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Docker-Content-Digest", digest)
	w.WriteHeader(http.StatusOK)
}

// GetBlob implements GET /v2/{name}/blobs/{digest}.
func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["digest"]
	rc, err := h.Storage.Get(r.Context(), blobKey(digest))
	if storage.IsNotFound(err) {
		h.Metrics.ObserveCache(false)
		if h.tryProxyBlob(w, r, digest, false) {
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		httperr.Write(w, err)
		return
	}
	defer rc.Close()
	h.Metrics.ObserveCache(true)
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, rc)
}

// tryProxyBlob attempts to serve digest from the configured upstream,
// writing the response through to the client and back into local storage.
// headOnly is true for HEAD requests (no body copy).
func (h *Handler) tryProxyBlob(w http.ResponseWriter, r *http.Request, digest string, headOnly bool) bool {
	if h.Upstream == nil || h.UpstreamBase == "" {
		return false
	}
	name := mux.Vars(r)["name"]
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", h.UpstreamBase, name, digest)
	method := http.MethodGet
	if headOnly {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(r.Context(), method, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.Upstream.DoWithAuth(r.Context(), req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return false
	}
	defer resp.Body.Close()

	w.Header().Set("Docker-Content-Digest", digest)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	if headOnly {
		return true
	}

	pr, pw := io.Pipe()
	tee := io.TeeReader(resp.Body, pw)
	go func() {
		defer pw.Close()
		// Best-effort cache fill on a background context so it survives a
		// client disconnect mid-stream.
		if err := h.Storage.Put(context.Background(), blobKey(digest), pr, -1); err != nil && h.Logger != nil {
			h.Logger.Warn("proxy cache fill failed", "digest", digest, "error", err)
		}
	}()
	io.Copy(w, tee)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindProxyFetch, Registry: "docker", Name: name, Reference: digest, Time: time.Now()})
	}
	return true
}

// PutManifest implements PUT /v2/{name}/manifests/{reference}: the digest
// is computed from the body and the manifest is stored under both the
// given reference (a tag, typically) and its own digest, so a later pull
// by digest always resolves regardless of tag mutation.
func (h *Handler) PutManifest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo, reference := vars["name"], vars["reference"]
	if err := validate.DockerName(repo); err != nil {
		httperr.Write(w, err)
		return
	}
	if err := validate.Reference(reference); err != nil {
		httperr.Write(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusInternalServerError)
		return
	}

	digest := "sha256:" + sha256sum(body)
	contentType := detectMediaType(body)

	refKey := tagKey(repo, reference)
	if err := h.Storage.Put(r.Context(), refKey, strings.NewReader(string(body)), int64(len(body))); err != nil {
		httperr.Write(w, err)
		return
	}
	digestKey := tagKey(repo, digest)
	if digestKey != refKey {
		h.Storage.Put(r.Context(), digestKey, strings.NewReader(string(body)), int64(len(body)))
	}
	h.writeMetaSidecars(r.Context(), repo, reference, digest, body)
	h.Metrics.ObserveStorageOp("put", h.Storage.Name())
	h.Metrics.ObserveArtifact("docker")
	h.Index.Invalidate(repoindex.Docker)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindPush, Registry: "docker", Name: repo, Reference: reference, Time: time.Now()})
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo, digest))
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusCreated)
}

// GetManifest implements GET /v2/{name}/manifests/{reference}, falling
// through to the configured upstream on a local miss.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo, reference := vars["name"], vars["reference"]

	rc, err := h.Storage.Get(r.Context(), tagKey(repo, reference))
	if storage.IsNotFound(err) {
		h.Metrics.ObserveCache(false)
		if h.tryProxyManifest(w, r, repo, reference) {
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		httperr.Write(w, err)
		return
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	h.Metrics.ObserveCache(true)
	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindPull, Registry: "docker", Name: repo, Reference: reference, Time: time.Now()})
	}
	digest := "sha256:" + sha256sum(body)
	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Type", detectMediaType(body))
	w.Write(body)
}

func (h *Handler) tryProxyManifest(w http.ResponseWriter, r *http.Request, repo, reference string) bool {
	if h.Upstream == nil || h.UpstreamBase == "" {
		return false
	}
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", h.UpstreamBase, repo, reference)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/vnd.docker.distribution.manifest.v2+json, application/vnd.oci.image.manifest.v1+json, application/vnd.docker.distribution.manifest.list.v2+json")
	resp, err := h.Upstream.DoWithAuth(r.Context(), req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}

	digest := "sha256:" + sha256sum(body)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = detectMediaType(body)
	}

	go func(body []byte) {
		ctx := context.Background()
		h.Storage.Put(ctx, tagKey(repo, reference), strings.NewReader(string(body)), int64(len(body)))
		h.Storage.Put(ctx, tagKey(repo, digest), strings.NewReader(string(body)), int64(len(body)))
		h.writeMetaSidecars(ctx, repo, reference, digest, body)
		h.Index.Invalidate(repoindex.Docker)
	}(body)

	if h.Activity != nil {
		h.Activity.Record(activity.Event{Kind: activity.KindProxyFetch, Registry: "docker", Name: repo, Reference: reference, Time: time.Now()})
	}

	w.Header().Set("Docker-Content-Digest", digest)
	w.Header().Set("Content-Type", contentType)
	w.Write(body)
	return true
}

// Tags implements GET /v2/{name}/tags/list.
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	repo := mux.Vars(r)["name"]
	keys, err := h.Storage.List(r.Context(), path.Join("manifests", repo)+"/")
	if err != nil {
		httperr.Write(w, err)
		return
	}
	var tags []string
	for _, key := range keys {
		base := strings.TrimPrefix(key, path.Join("manifests", repo)+"/")
		if strings.HasPrefix(base, "sha256:") || strings.HasPrefix(base, "sha512:") {
			continue
		}
		if strings.HasSuffix(base, ".meta.json") {
			continue
		}
		tags = append(tags, base)
	}
	sort.Strings(tags)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{Name: repo, Tags: tags})
}

// GCUploadSessions removes chunked upload sessions older than ttl,
// reclaiming memory from abandoned uploads. Intended to run periodically
// from a background goroutine.
func (h *Handler) GCUploadSessions(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	h.uploads.Range(func(key, value any) bool {
		sess := value.(*uploadSession)
		if sess.createdAt.Before(cutoff) {
			h.uploads.Delete(key)
		}
		return true
	})
}

func sha256sum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func detectMediaType(body []byte) string {
	var m manifestShape
	if err := json.Unmarshal(body, &m); err == nil {
		if m.MediaType != "" {
			return m.MediaType
		}
		if m.SchemaVersion == 1 {
			return "application/vnd.docker.distribution.manifest.v1+json"
		}
	}
	return "application/vnd.docker.distribution.manifest.v2+json"
}

// BuildIndex is the repoindex.BuildFunc for the docker ecosystem: it groups
// manifest keys by repository name and counts distinct tags.
func BuildIndex(ctx context.Context, backend storage.Backend) ([]repoindex.RepoInfo, error) {
	keys, err := backend.List(ctx, "manifests/")
	if err != nil {
		return nil, err
	}
	type agg struct {
		tags    map[string]bool
		size    int64
		updated int64
	}
	repos := make(map[string]*agg)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, "manifests/")
		idx := strings.LastIndex(rest, "/")
		if idx < 0 {
			continue
		}
		name, ref := rest[:idx], rest[idx+1:]
		if strings.HasPrefix(ref, "sha256:") || strings.HasPrefix(ref, "sha512:") {
			continue
		}
		if strings.HasSuffix(ref, ".meta.json") {
			continue
		}
		a, ok := repos[name]
		if !ok {
			a = &agg{tags: map[string]bool{}}
			repos[name] = a
		}
		a.tags[ref] = true
		if info, err := backend.Stat(ctx, key); err == nil {
			a.size += info.Size
			if info.LastModified > a.updated {
				a.updated = info.LastModified
			}
		}
	}
	out := make([]repoindex.RepoInfo, 0, len(repos))
	for name, a := range repos {
		out = append(out, repoindex.RepoInfo{
			Name:     name,
			Versions: len(a.tags),
			Size:     a.size,
			Updated:  time.Unix(a.updated, 0),
		})
	}
	return out, nil
}
