// Package kv abstracts the key-value store backing route metadata: values
// with a TTL, whole-value reads and writes. Two implementations: an
// in-process map and Redis.
package kv

import (
	"context"
	"time"
)

// Store is a key-value store with per-entry expiry.
type Store interface {
	// Get returns the value and whether the key exists and is unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes the value with the given TTL, replacing any prior value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
