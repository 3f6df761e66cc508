// Package cache holds the advisory key-value store shared by moderation,
// matching, counting and feeds. Nothing stored here is a source of truth:
// values may vanish at any time and writes are last-write-wins.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache: miss")

type Cache interface {
	// Get returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
