// Package cache provides the key-value operations the session core needs
// (get, set with TTL, set-if-absent, delete, exists, remaining TTL) over Redis,
// an in-process map, and a failover pair of the two.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache: key not found")

// NoExpiry is returned by TTL for keys that exist without an expiry.
const NoExpiry time.Duration = -1

// Client is the operation set shared by every cache backend. A ttl of zero
// means the key never expires.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, NoExpiry for persistent
	// keys, or ErrMiss when the key is absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// CompareAndDelete deletes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Ping(ctx context.Context) error
}
