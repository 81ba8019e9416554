// Package validate rejects malformed or dangerous input before it reaches
// the storage layer: path traversal, absolute paths, NUL bytes, and
// per-protocol name/digest/reference shapes.
package validate

import (
	"fmt"
	"strings"
)

// Kind classifies why a validation failed, for mapping to HTTP status codes.
type Kind int

const (
	KindEmpty Kind = iota
	KindTooLong
	KindForbiddenChar
	KindPathTraversal
	KindInvalidDockerName
	KindInvalidDigest
	KindInvalidReference
)

// Error is a typed validation failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

const (
	maxKeyLength       = 1024
	maxDockerNameLen   = 256
	maxReferenceLength = 128
	maxNpmNameLength   = 214
	maxCrateNameLength = 64
)

// StorageKey rejects empty keys, keys over 1024 bytes, NUL bytes, absolute
// paths, backslashes, and any "." or ".." path segment.
func StorageKey(key string) error {
	if key == "" {
		return errf(KindEmpty, "input cannot be empty")
	}
	if len(key) > maxKeyLength {
		return errf(KindTooLong, "input exceeds maximum length (%d > %d)", len(key), maxKeyLength)
	}
	if strings.ContainsRune(key, 0) {
		return errf(KindForbiddenChar, "forbidden character: NUL")
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return errf(KindPathTraversal, "path traversal detected")
	}
	if strings.Contains(key, "..") {
		return errf(KindPathTraversal, "path traversal detected")
	}
	if strings.Contains(key, "\\") {
		return errf(KindPathTraversal, "path traversal detected")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return errf(KindPathTraversal, "path traversal detected")
		}
	}
	return nil
}

// DockerName validates an OCI repository name: lowercase alphanumerics plus
// '_', '.', '-', '/'; each path segment starts alphanumeric; no "..", "//",
// "--", "__"; max 256 chars.
func DockerName(name string) error {
	if name == "" {
		return errf(KindEmpty, "input cannot be empty")
	}
	if len(name) > maxDockerNameLen {
		return errf(KindTooLong, "input exceeds maximum length (%d > %d)", len(name), maxDockerNameLen)
	}
	if strings.Contains(name, "..") {
		return errf(KindPathTraversal, "path traversal detected")
	}
	for _, c := range name {
		if isLowerAlnum(c) || c == '_' || c == '.' || c == '-' || c == '/' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			return errf(KindInvalidDockerName, "must be lowercase")
		}
		return errf(KindForbiddenChar, "forbidden character: %q", c)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") {
		return errf(KindInvalidDockerName, "cannot start with separator or special character")
	}
	if strings.HasSuffix(name, "/") {
		return errf(KindInvalidDockerName, "cannot end with /")
	}
	if strings.Contains(name, "//") || strings.Contains(name, "--") || strings.Contains(name, "__") {
		return errf(KindInvalidDockerName, "consecutive separators not allowed")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" {
			return errf(KindInvalidDockerName, "empty path segment")
		}
		first := rune(seg[0])
		if !isAlnum(first) {
			return errf(KindInvalidDockerName, "segment must start with alphanumeric")
		}
	}
	return nil
}

// Digest validates "sha256:<64 lower-hex>" or "sha512:<128 lower-hex>".
func Digest(digest string) error {
	if digest == "" {
		return errf(KindEmpty, "input cannot be empty")
	}
	if strings.Contains(digest, "..") || strings.Contains(digest, "/") {
		return errf(KindPathTraversal, "path traversal detected")
	}
	algo, hash, ok := strings.Cut(digest, ":")
	if !ok {
		return errf(KindInvalidDigest, "missing algorithm prefix (expected algo:hash)")
	}
	var wantLen int
	switch algo {
	case "sha256":
		wantLen = 64
	case "sha512":
		wantLen = 128
	default:
		return errf(KindInvalidDigest, "unsupported algorithm: %s (use sha256 or sha512)", algo)
	}
	if len(hash) != wantLen {
		return errf(KindInvalidDigest, "%s hash must be %d characters, got %d", algo, wantLen, len(hash))
	}
	for _, c := range hash {
		if isLowerHex(c) {
			continue
		}
		if c >= 'A' && c <= 'F' {
			return errf(KindInvalidDigest, "hash must be lowercase hex")
		}
		return errf(KindInvalidDigest, "invalid character in hash: %q", c)
	}
	return nil
}

// Reference validates a Docker tag-or-digest. Digests delegate to Digest;
// tags must start alphanumeric, length <= 128, body in [A-Za-z0-9._-].
func Reference(reference string) error {
	if reference == "" {
		return errf(KindEmpty, "input cannot be empty")
	}
	if len(reference) > maxReferenceLength {
		return errf(KindTooLong, "input exceeds maximum length (%d > %d)", len(reference), maxReferenceLength)
	}
	if strings.Contains(reference, "..") || strings.Contains(reference, "/") {
		return errf(KindPathTraversal, "path traversal detected")
	}
	if strings.HasPrefix(reference, "sha256:") || strings.HasPrefix(reference, "sha512:") {
		return Digest(reference)
	}
	if !isAlnum(rune(reference[0])) {
		return errf(KindInvalidReference, "tag must start with alphanumeric")
	}
	for _, c := range reference {
		if isAlnum(c) || c == '.' || c == '_' || c == '-' {
			continue
		}
		return errf(KindForbiddenChar, "forbidden character: %q", c)
	}
	return nil
}

// NpmName validates an npm package name: non-empty, <= 214 chars, no "..".
func NpmName(name string) error {
	if name == "" {
		return errf(KindEmpty, "input cannot be empty")
	}
	if len(name) > maxNpmNameLength {
		return errf(KindTooLong, "input exceeds maximum length (%d > %d)", len(name), maxNpmNameLength)
	}
	if strings.Contains(name, "..") {
		return errf(KindPathTraversal, "path traversal detected")
	}
	return nil
}

// CrateName validates a Cargo crate name: alphanumeric/underscore/hyphen,
// max 64 chars, no path separators.
func CrateName(name string) error {
	if name == "" {
		return errf(KindEmpty, "input cannot be empty")
	}
	if len(name) > maxCrateNameLength {
		return errf(KindTooLong, "input exceeds maximum length (%d > %d)", len(name), maxCrateNameLength)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "/") {
		return errf(KindPathTraversal, "path traversal detected")
	}
	for _, c := range name {
		if isAlnum(c) || c == '_' || c == '-' {
			continue
		}
		return errf(KindForbiddenChar, "forbidden character: %q", c)
	}
	return nil
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isLowerAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func isLowerHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
