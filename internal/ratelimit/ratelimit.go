// Package ratelimit provides per-key rate limiting across named buckets
// (auth, upload, general), with an in-memory token-bucket implementation
// by default and an optional Redis-backed implementation for multi-
// instance deployments.
package ratelimit

import "context"

// Limiter reports whether an action identified by key is currently allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
