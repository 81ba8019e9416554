package storage

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
)

func TestLocalFSPutGet(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFS(dir)
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ctx := context.Background()
	content := []byte("hello world")
	if err := fs.Put(ctx, "docker/blobs/sha256:abc", bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r, err := fs.Get(ctx, "docker/blobs/sha256:abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestLocalFSGetMissing(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFS(dir)
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	_, err = fs.Get(context.Background(), "does/not/exist")
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestLocalFSList(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFS(dir)
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"docker/a", "docker/b", "maven/c"} {
		if err := fs.Put(ctx, key, bytes.NewReader([]byte("x")), 1); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}
	keys, err := fs.List(ctx, "docker/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List returned %d keys, want 2: %v", len(keys), keys)
	}
}

func TestLocalFSStat(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFS(dir)
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	ctx := context.Background()
	content := []byte("12345")
	if err := fs.Put(ctx, "key", bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, err := fs.Stat(ctx, "key")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", info.Size, len(content))
	}
}

func TestLocalFSHealth(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	fs, err := NewLocalFS(dir)
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	if !fs.Health(context.Background()) {
		t.Error("expected Health to report true")
	}
}

func TestValidatedRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFS(dir)
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}
	v := New(fs)
	ctx := context.Background()
	err = v.Put(ctx, "../escape", bytes.NewReader([]byte("x")), 1)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var se *Error
	if !errorsAs(err, &se) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if se.Kind != KindValidation {
		t.Errorf("Kind = %v, want KindValidation", se.Kind)
	}
}

func errorsAs(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}

func TestParseS3Keys(t *testing.T) {
	body := `<?xml version="1.0"?><ListBucketResult><Contents><Key>docker/blobs/sha256:aa</Key></Contents><Contents><Key>maven/org/foo</Key></Contents></ListBucketResult>`
	keys := parseS3Keys(body, "docker/")
	if len(keys) != 1 || keys[0] != "docker/blobs/sha256:aa" {
		t.Errorf("parseS3Keys = %v, want [docker/blobs/sha256:aa]", keys)
	}
}

func TestPathEscape(t *testing.T) {
	got := pathEscape("docker/blobs/sha256:abc def")
	want := "docker/blobs/sha256%3Aabc%20def"
	if got != want {
		t.Errorf("pathEscape = %q, want %q", got, want)
	}
}
