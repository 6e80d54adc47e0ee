// Package cache provides the identity cache used by the auth gate: a
// small TTL cache with interchangeable in-memory and redis backends.
// The database stays the source of truth; a cache failure is always
// treated by callers as a miss.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key is not present or has expired.
var ErrNotFound = errors.New("key not found in cache")

// Cache defines the caching operations.
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Close() error
}

// NoopCache satisfies Cache and stores nothing. Every Get is a miss.
type NoopCache struct{}

// NewNoopCache creates a cache that never hits.
func NewNoopCache() *NoopCache { return &NoopCache{} }

func (NoopCache) Get(ctx context.Context, key string, value interface{}) error {
	return ErrNotFound
}

func (NoopCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

func (NoopCache) Delete(ctx context.Context, key string) error { return nil }

func (NoopCache) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

func (NoopCache) Flush(ctx context.Context) error { return nil }

func (NoopCache) Close() error { return nil }
