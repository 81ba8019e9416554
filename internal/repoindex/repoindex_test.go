package repoindex

import (
	"context"
	"testing"

	"github.com/registryx/nora-registryx/internal/storage"
)

func TestGetRebuildsWhenDirty(t *testing.T) {
	calls := 0
	idx := New(map[Registry]BuildFunc{
		Docker: func(ctx context.Context, backend storage.Backend) ([]RepoInfo, error) {
			calls++
			return []RepoInfo{{Name: "nginx", Versions: 1}}, nil
		},
	})
	repos, err := idx.Get(context.Background(), Docker, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(repos) != 1 || repos[0].Name != "nginx" {
		t.Fatalf("Get = %+v", repos)
	}
	if calls != 1 {
		t.Fatalf("build called %d times, want 1", calls)
	}

	// Second call without invalidation must not rebuild.
	if _, err := idx.Get(context.Background(), Docker, nil); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("build called %d times after cached read, want 1", calls)
	}

	idx.Invalidate(Docker)
	if _, err := idx.Get(context.Background(), Docker, nil); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("build called %d times after invalidate, want 2", calls)
	}
}

func TestGetSortsByName(t *testing.T) {
	idx := New(map[Registry]BuildFunc{
		Npm: func(ctx context.Context, backend storage.Backend) ([]RepoInfo, error) {
			return []RepoInfo{{Name: "zeta"}, {Name: "alpha"}}, nil
		},
	})
	repos, err := idx.Get(context.Background(), Npm, nil)
	if err != nil {
		t.Fatal(err)
	}
	if repos[0].Name != "alpha" || repos[1].Name != "zeta" {
		t.Errorf("repos = %+v, want sorted alpha, zeta", repos)
	}
}

func TestPaginate(t *testing.T) {
	repos := []RepoInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	got := Paginate(repos, 1, 2)
	if len(got) != 2 || got[0].Name != "b" || got[1].Name != "c" {
		t.Errorf("Paginate = %+v", got)
	}
	if out := Paginate(repos, 10, 2); len(out) != 0 {
		t.Errorf("Paginate out of range = %+v, want empty", out)
	}
	if out := Paginate(repos, 0, 0); len(out) != 4 {
		t.Errorf("Paginate with limit 0 = %+v, want all 4", out)
	}
}

func TestCounts(t *testing.T) {
	idx := New(map[Registry]BuildFunc{
		Docker: func(ctx context.Context, backend storage.Backend) ([]RepoInfo, error) {
			return []RepoInfo{{Name: "a"}, {Name: "b"}}, nil
		},
	})
	if _, err := idx.Get(context.Background(), Docker, nil); err != nil {
		t.Fatal(err)
	}
	counts := idx.Counts()
	if counts[Docker] != 2 {
		t.Errorf("Counts()[Docker] = %d, want 2", counts[Docker])
	}
}
