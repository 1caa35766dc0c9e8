// Package kv provides the shared key-value store that coordinates every
// process in a deployment.
//
// Both caches depend only on the Store interface. Two backends exist:
//
//  1. RedisStore, the production backend shared across hosts
//  2. BoltStore, a single-host backend in one bbolt file, used for local runs
//
// Values are strings, hashes of strings, or lists of strings. Any key may
// carry an expiry. Mutual exclusion across processes is provided by Lock,
// a lease that expires on its own if the holder dies.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key (or list element) does not exist
var ErrNotFound = errors.New("kv: not found")

// ErrLockNotObtained is returned when a lease could not be acquired in time
var ErrLockNotObtained = errors.New("kv: lock not obtained")

// ErrWrongType is returned when a key holds a value of another kind
var ErrWrongType = errors.New("kv: wrong value type for key")

// Lease is a held lock. Release is safe to call after the lease expired.
type Lease interface {
	Release(ctx context.Context) error
}

// Store is the set of primitives the caches and the task queue need
type Store interface {
	// Get returns the string value of key, or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set writes a string value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetMany writes all values in one atomic step with the same ttl
	SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error

	// CompareAndSwap sets key to value only if its current value is one of
	// old. An empty string in old matches a missing key.
	CompareAndSwap(ctx context.Context, key string, old []string, value string, ttl time.Duration) (bool, error)

	// Del removes keys of any kind. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Exists reports whether key holds any value
	Exists(ctx context.Context, key string) (bool, error)

	// IncrBy adds n to the integer at key (missing counts as 0)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// HGetAll returns all fields of the hash at key; empty if missing
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet sets the given fields on the hash at key
	HSet(ctx context.Context, key string, fields map[string]string) error

	// LPush prepends values to the list at key
	LPush(ctx context.Context, key string, values ...string) error

	// RPush appends values to the list at key
	RPush(ctx context.Context, key string, values ...string) error

	// RPop removes and returns the last element, or ErrNotFound
	RPop(ctx context.Context, key string) (string, error)

	// BRPop is RPop that waits up to timeout for an element
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	// LRem removes every occurrence of value from the list at key
	LRem(ctx context.Context, key, value string) error

	// LRange returns the whole list, head first
	LRange(ctx context.Context, key string) ([]string, error)

	// Lock acquires the named lease for ttl, waiting at most wait.
	// Returns ErrLockNotObtained on timeout.
	Lock(ctx context.Context, name string, ttl, wait time.Duration) (Lease, error)

	// Close releases backend resources
	Close() error
}

// WithLock runs fn while holding the named lease
func WithLock(ctx context.Context, s Store, name string, ttl, wait time.Duration, fn func() error) error {
	lease, err := s.Lock(ctx, name, ttl, wait)
	if err != nil {
		return err
	}

	defer func() {
		// The lease may have expired under a slow holder; nothing to undo then
		_ = lease.Release(context.WithoutCancel(ctx))
	}()

	return fn()
}

// lockRetryInterval is how often a waiting Lock retries
const lockRetryInterval = 50 * time.Millisecond
