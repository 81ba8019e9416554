// Package repoindex maintains a per-ecosystem, lazily rebuilt listing of
// repositories/packages derived from storage keys. It is invalidated on
// every write and rebuilt on first read after invalidation, using a
// double-checked-locking pattern so concurrent readers never block on a
// rebuild already satisfied by another goroutine.
package repoindex

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/registryx/nora-registryx/internal/storage"
)

// RepoInfo summarizes one repository/package within an ecosystem.
type RepoInfo struct {
	Name     string    `json:"name"`
	Versions int       `json:"versions"`
	Size     int64     `json:"size"`
	Updated  time.Time `json:"updated"`
}

// BuildFunc computes a fresh []RepoInfo snapshot from storage.
type BuildFunc func(ctx context.Context, backend storage.Backend) ([]RepoInfo, error)

// index is a single ecosystem's lazily rebuilt snapshot.
type index struct {
	data        atomic.Pointer[[]RepoInfo]
	dirty       atomic.Bool
	rebuildLock sync.Mutex
	build       BuildFunc
}

func newIndex(build BuildFunc) *index {
	idx := &index{build: build}
	empty := []RepoInfo{}
	idx.data.Store(&empty)
	idx.dirty.Store(true)
	return idx
}

// invalidate marks the snapshot stale; the next Get rebuilds it.
func (idx *index) invalidate() {
	idx.dirty.Store(true)
}

// get returns the current snapshot, rebuilding it first if marked dirty.
// Double-checked: a rebuild that loses the race to acquire rebuildLock
// simply reads the snapshot the winner just published.
func (idx *index) get(ctx context.Context, backend storage.Backend) ([]RepoInfo, error) {
	if !idx.dirty.Load() {
		return *idx.data.Load(), nil
	}
	idx.rebuildLock.Lock()
	defer idx.rebuildLock.Unlock()
	if !idx.dirty.Load() {
		return *idx.data.Load(), nil
	}
	fresh, err := idx.build(ctx, backend)
	if err != nil {
		return nil, err
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Name < fresh[j].Name })
	idx.data.Store(&fresh)
	idx.dirty.Store(false)
	return fresh, nil
}

func (idx *index) count() int {
	return len(*idx.data.Load())
}

// Registry is a name for one of the supported ecosystems.
type Registry string

const (
	Docker Registry = "docker"
	Maven  Registry = "maven"
	Npm    Registry = "npm"
	Cargo  Registry = "cargo"
	Pypi   Registry = "pypi"
	Raw    Registry = "raw"
)

// Index aggregates the per-ecosystem lazy indexes.
type Index struct {
	indexes map[Registry]*index
}

// New creates an Index with a build function registered per ecosystem.
func New(builds map[Registry]BuildFunc) *Index {
	idx := &Index{indexes: make(map[Registry]*index, len(builds))}
	for reg, build := range builds {
		idx.indexes[reg] = newIndex(build)
	}
	return idx
}

// Invalidate marks reg's snapshot stale after a write under that ecosystem.
func (i *Index) Invalidate(reg Registry) {
	if idx, ok := i.indexes[reg]; ok {
		idx.invalidate()
	}
}

// Get returns reg's current (possibly freshly rebuilt) snapshot.
func (i *Index) Get(ctx context.Context, reg Registry, backend storage.Backend) ([]RepoInfo, error) {
	idx, ok := i.indexes[reg]
	if !ok {
		return nil, nil
	}
	return idx.get(ctx, backend)
}

// Counts reports the current repo/package count per ecosystem, without
// forcing a rebuild.
func (i *Index) Counts() map[Registry]int {
	out := make(map[Registry]int, len(i.indexes))
	for reg, idx := range i.indexes {
		out[reg] = idx.count()
	}
	return out
}

// Paginate slices repos[offset:offset+limit], clamping to bounds.
func Paginate(repos []RepoInfo, offset, limit int) []RepoInfo {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(repos) {
		return []RepoInfo{}
	}
	end := offset + limit
	if limit <= 0 || end > len(repos) {
		end = len(repos)
	}
	return repos[offset:end]
}

// keyPrefix extracts the top-level path segment from a storage key up to
// depth segments, used by per-ecosystem BuildFuncs to group keys into
// repository/package names.
func keyPrefix(key string, depth int) string {
	parts := strings.SplitN(key, "/", depth+1)
	if len(parts) <= depth {
		return strings.Join(parts, "/")
	}
	return strings.Join(parts[:depth], "/")
}
