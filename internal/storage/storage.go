// Package storage provides a uniform content-addressed blob store over two
// backends: a local filesystem and an S3-compatible object store. Every key
// is validated before it reaches a backend (see Validated).
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/registryx/nora-registryx/internal/validate"
)

// Kind classifies a storage failure for HTTP status mapping.
type Kind int

const (
	KindNotFound Kind = iota
	KindValidation
	KindNetwork
	KindIO
)

// Error is a typed storage failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func notFound(msg string) *Error   { return &Error{Kind: KindNotFound, Message: msg} }
func networkErr(err error) *Error  { return &Error{Kind: KindNetwork, Message: "network error", Err: err} }
func ioErr(err error) *Error       { return &Error{Kind: KindIO, Message: "io error", Err: err} }

// IsNotFound reports whether err is (or wraps) a not-found storage error.
func IsNotFound(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindNotFound
	}
	return false
}

// ObjectInfo describes a stored object's size and modification time.
type ObjectInfo struct {
	Size         int64
	LastModified int64 // Unix seconds
}

// Backend is the uniform contract both storage variants implement.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Health(ctx context.Context) bool
	Name() string
}

// Validated wraps a Backend so every key is checked by validate.StorageKey
// before it reaches the underlying implementation. List prefixes are not
// full keys (they may be empty or truncated) so they are exempt.
type Validated struct {
	Backend
}

// New wraps b so every Put/Get/Delete/Stat key is validated first.
func New(b Backend) Backend {
	return &Validated{Backend: b}
}

func (v *Validated) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validate.StorageKey(key); err != nil {
		return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	return v.Backend.Put(ctx, key, r, size)
}

func (v *Validated) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validate.StorageKey(key); err != nil {
		return nil, &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	return v.Backend.Get(ctx, key)
}

func (v *Validated) Delete(ctx context.Context, key string) error {
	if err := validate.StorageKey(key); err != nil {
		return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	return v.Backend.Delete(ctx, key)
}

func (v *Validated) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := validate.StorageKey(key); err != nil {
		return ObjectInfo{}, &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	return v.Backend.Stat(ctx, key)
}
