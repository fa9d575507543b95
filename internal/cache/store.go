// Package cache implements the cache-aside tier that sits between the
// transit service and the upstream provider.
//
// The tier fails open: when the backing store is unreachable every call goes
// straight to its fetcher, so a store outage costs latency but never
// availability.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by stores after Close.
var ErrStoreClosed = errors.New("cache store closed")

// ConnectionListener receives store connection lifecycle events.
type ConnectionListener interface {
	OnReady()
	OnDown(err error)
}

// Store is a networked key-value store. Keys passed to a Store are already
// namespaced by the Tier.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// MGet returns one slot per key; missing keys are nil.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int, error)
	// Scan calls fn with batches of at most batch keys matching the glob pattern.
	Scan(ctx context.Context, pattern string, batch int64, fn func(keys []string) error) error
	Ping(ctx context.Context) error
	Close() error
	Subscribe(l ConnectionListener)
}
