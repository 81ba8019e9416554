package validate

import "testing"

func TestStorageKeyValid(t *testing.T) {
	for _, k := range []string{"docker/nginx/blobs/sha256:abc", "maven/org/apache/commons", "simple"} {
		if err := StorageKey(k); err != nil {
			t.Errorf("StorageKey(%q) = %v, want nil", k, err)
		}
	}
}

func TestStorageKeyPathTraversal(t *testing.T) {
	for _, k := range []string{"../etc/passwd", "foo/../bar", "foo/.."} {
		if err := StorageKey(k); err == nil {
			t.Errorf("StorageKey(%q) = nil, want error", k)
		} else if err.(*Error).Kind != KindPathTraversal {
			t.Errorf("StorageKey(%q) kind = %v, want KindPathTraversal", k, err.(*Error).Kind)
		}
	}
}

func TestStorageKeyAbsolutePath(t *testing.T) {
	for _, k := range []string{"/etc/passwd", `\windows\system32`} {
		if err := StorageKey(k); err == nil {
			t.Errorf("StorageKey(%q) = nil, want error", k)
		}
	}
}

func TestStorageKeyNullByte(t *testing.T) {
	if err := StorageKey("foo\x00bar"); err == nil {
		t.Fatal("expected error")
	}
}

func TestStorageKeyBoundaryLength(t *testing.T) {
	key1024 := make([]byte, 1024)
	for i := range key1024 {
		key1024[i] = 'a'
	}
	if err := StorageKey(string(key1024)); err != nil {
		t.Errorf("1024-byte key should be accepted, got %v", err)
	}
	key1025 := append(key1024, 'a')
	if err := StorageKey(string(key1025)); err == nil {
		t.Error("1025-byte key should be rejected")
	}
}

func TestDockerNameValid(t *testing.T) {
	for _, n := range []string{"nginx", "library/nginx", "my-org/my-image", "my_image", "image.name", "a/b/c/d"} {
		if err := DockerName(n); err != nil {
			t.Errorf("DockerName(%q) = %v, want nil", n, err)
		}
	}
}

func TestDockerNameUppercase(t *testing.T) {
	for _, n := range []string{"NGINX", "MyImage"} {
		if err := DockerName(n); err == nil {
			t.Errorf("DockerName(%q) = nil, want error", n)
		}
	}
}

func TestDockerNameBoundarySegment(t *testing.T) {
	seg := make([]byte, 255)
	for i := range seg {
		seg[i] = 'a'
	}
	if err := DockerName(string(seg)); err != nil {
		t.Errorf("255-char single segment should be accepted, got %v", err)
	}
}

func TestDockerNameConsecutiveSeparators(t *testing.T) {
	for _, n := range []string{"foo//bar", "foo--bar", "foo__bar"} {
		if err := DockerName(n); err == nil {
			t.Errorf("DockerName(%q) = nil, want error", n)
		}
	}
}

func TestDigestValid(t *testing.T) {
	sha256 := "sha256:" + repeatHex(64)
	sha512 := "sha512:" + repeatHex(128)
	if err := Digest(sha256); err != nil {
		t.Errorf("Digest(sha256) = %v", err)
	}
	if err := Digest(sha512); err != nil {
		t.Errorf("Digest(sha512) = %v", err)
	}
}

func TestDigestWrongLength(t *testing.T) {
	if err := Digest("sha256:abc"); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestDigestUppercase(t *testing.T) {
	upper := "sha256:" + repeatUpperHex(64)
	if err := Digest(upper); err == nil {
		t.Error("expected error for uppercase hash")
	}
}

func TestDigestUnsupportedAlgorithm(t *testing.T) {
	if err := Digest("md5:abc"); err == nil {
		t.Error("expected error for md5")
	}
}

func TestReferenceValidTag(t *testing.T) {
	for _, r := range []string{"latest", "v1.0.0", "1.0", "my-tag_v2"} {
		if err := Reference(r); err != nil {
			t.Errorf("Reference(%q) = %v", r, err)
		}
	}
}

func TestReferenceValidDigest(t *testing.T) {
	d := "sha256:" + repeatHex(64)
	if err := Reference(d); err != nil {
		t.Errorf("Reference(digest) = %v", err)
	}
}

func TestReferencePathTraversal(t *testing.T) {
	if err := Reference("../escape"); err == nil {
		t.Error("expected error")
	}
}

func TestCrateNameValid(t *testing.T) {
	for _, n := range []string{"serde", "my-crate", "my_crate_2"} {
		if err := CrateName(n); err != nil {
			t.Errorf("CrateName(%q) = %v", n, err)
		}
	}
}

func TestNpmNameBoundaryLength(t *testing.T) {
	name := make([]byte, 214)
	for i := range name {
		name[i] = 'a'
	}
	if err := NpmName(string(name)); err != nil {
		t.Errorf("214-char npm name should be accepted: %v", err)
	}
	over := append(name, 'a')
	if err := NpmName(string(over)); err == nil {
		t.Error("215-char npm name should be rejected")
	}
}

func repeatHex(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = "0123456789abcdef"[i%16]
	}
	return string(b)
}

func repeatUpperHex(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = "0123456789ABCDEF"[i%16]
	}
	return string(b)
}
