package kv

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns one fresh store per backend
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisStore := NewRedisStoreFromClient(client)
	t.Cleanup(func() { redisStore.Close() })

	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return map[string]Store{
		BackendRedis: redisStore,
		BackendBolt:  boltStore,
	}
}

func TestStore_Strings(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "a", "1", time.Hour))
			v, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "1", v)

			require.NoError(t, s.SetMany(ctx, map[string]string{"b": "2", "c": "3"}, 0))
			v, err = s.Get(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, "3", v)

			ok, err := s.Exists(ctx, "b")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Del(ctx, "a", "b", "nope"))
			ok, err = s.Exists(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Missing key matches ""
			ok, err := s.CompareAndSwap(ctx, "status", []string{"", "PENDING"}, "IN_PROGRESS", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndSwap(ctx, "status", []string{"", "PENDING"}, "IN_PROGRESS", time.Hour)
			require.NoError(t, err)
			assert.False(t, ok, "second swap must not match IN_PROGRESS")

			v, err := s.Get(ctx, "status")
			require.NoError(t, err)
			assert.Equal(t, "IN_PROGRESS", v)
		})
	}
}

func TestStore_Counters(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			n, err := s.IncrBy(ctx, "size", 100)
			require.NoError(t, err)
			assert.Equal(t, int64(100), n)

			n, err = s.IncrBy(ctx, "size", -40)
			require.NoError(t, err)
			assert.Equal(t, int64(60), n)

			v, err := s.Get(ctx, "size")
			require.NoError(t, err)
			assert.Equal(t, "60", v)
		})
	}
}

func TestStore_Hashes(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h, err := s.HGetAll(ctx, "entry")
			require.NoError(t, err)
			assert.Empty(t, h)

			require.NoError(t, s.HSet(ctx, "entry", map[string]string{"file_path": "/tmp/x", "state": "pending"}))
			require.NoError(t, s.HSet(ctx, "entry", map[string]string{"state": "ready", "size": "10"}))

			h, err = s.HGetAll(ctx, "entry")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"file_path": "/tmp/x", "state": "ready", "size": "10"}, h)
		})
	}
}

func TestStore_Lists(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.LPush(ctx, "lru", "a"))
			require.NoError(t, s.LPush(ctx, "lru", "b", "c"))
			require.NoError(t, s.RPush(ctx, "lru", "z"))

			items, err := s.LRange(ctx, "lru")
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b", "a", "z"}, items)

			require.NoError(t, s.LRem(ctx, "lru", "b"))
			v, err := s.RPop(ctx, "lru")
			require.NoError(t, err)
			assert.Equal(t, "z", v)

			items, err = s.LRange(ctx, "lru")
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a"}, items)

			_, err = s.RPop(ctx, "empty")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.BRPop(ctx, 100*time.Millisecond, "empty")
			assert.ErrorIs(t, err, ErrNotFound)

			v, err = s.BRPop(ctx, time.Second, "lru")
			require.NoError(t, err)
			assert.Equal(t, "a", v)
		})
	}
}

func TestStore_LockIsExclusive(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			lease, err := s.Lock(ctx, "lock", 5*time.Second, time.Second)
			require.NoError(t, err)

			// A second holder cannot get in while the first holds it
			_, err = s.Lock(ctx, "lock", 5*time.Second, 150*time.Millisecond)
			assert.ErrorIs(t, err, ErrLockNotObtained)

			require.NoError(t, lease.Release(ctx))

			lease, err = s.Lock(ctx, "lock", 5*time.Second, time.Second)
			require.NoError(t, err)
			require.NoError(t, lease.Release(ctx))
		})
	}
}

func TestStore_WithLockSerializesCounters(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := WithLock(ctx, s, "lock", 5*time.Second, 10*time.Second, func() error {
						// Read-modify-write that is only safe under the lease
						v, err := s.Get(ctx, "counter")
						if err != nil && !errors.Is(err, ErrNotFound) {
							return err
						}

						n, _ := strconv.Atoi(v)
						return s.Set(ctx, "counter", strconv.Itoa(n+1), 0)
					})
					assert.NoError(t, err)
				}()
			}

			wg.Wait()

			v, err := s.Get(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, "10", v)
		})
	}
}

func TestBoltStore_Expiry(t *testing.T) {
	ctx := context.Background()

	s, err := NewBoltStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "short", "v", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	// An expired lease frees the lock for the next holder
	_, err = s.Lock(ctx, "lock", 20*time.Millisecond, time.Second)
	require.NoError(t, err)

	lease, err := s.Lock(ctx, "lock", time.Second, time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "memcached", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}
