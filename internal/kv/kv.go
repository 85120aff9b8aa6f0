// Package kv defines the minimal key-value store surface the gateway needs
// for the credit cache and the operation event bus. The production
// implementation wraps Redis (internal/infra); an in-memory implementation
// backs tests and deployments without Redis.
//
// Store errors never reach request handlers: callers treat any error as a
// cache miss or a dropped event and carry on.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and TTL for missing keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is the KV contract shared by the credit cache and the operation bus.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Append pushes value onto the list at key, trims the list to maxLen
	// entries, and refreshes the retention TTL.
	Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int64) error
	// Range returns list entries [start, stop] (Redis LRANGE semantics).
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Publish and Subscribe provide live fan-out alongside the persisted
	// event log. Subscribe returns an unsubscribe function.
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	// Info returns implementation details for diagnostics.
	Info(ctx context.Context) (map[string]string, error)

	Close() error
}
