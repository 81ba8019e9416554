package htpasswd

import (
	"path/filepath"
	"testing"
)

func TestSetPasswordAndAuthenticate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htpasswd")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.SetPassword("alice", "hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if !f.Authenticate("alice", "hunter2") {
		t.Error("expected authentication to succeed")
	}
	if f.Authenticate("alice", "wrong") {
		t.Error("expected authentication to fail with wrong password")
	}
	if f.Authenticate("bob", "hunter2") {
		t.Error("expected authentication to fail for unknown user")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htpasswd")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.SetPassword("alice", "pw1"); err != nil {
		t.Fatal(err)
	}

	other, err := Load(path)
	if err != nil {
		t.Fatalf("Load (second handle): %v", err)
	}
	if !other.Authenticate("alice", "pw1") {
		t.Error("second handle should see persisted user")
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htpasswd")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.SetPassword("alice", "pw1"); err != nil {
		t.Fatal(err)
	}
	if err := f.Remove("alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if f.Authenticate("alice", "pw1") {
		t.Error("expected authentication to fail after removal")
	}
}
