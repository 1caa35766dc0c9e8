package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// compareAndSwapScript sets KEYS[1] to ARGV[1] (with ARGV[2] ms expiry, 0 = none)
// when the current value is one of ARGV[3..]; a missing key reads as "".
var compareAndSwapScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = '' end
for i = 3, #ARGV do
  if ARGV[i] == cur then
    if tonumber(ARGV[2]) > 0 then
      redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
    else
      redis.call('SET', KEYS[1], ARGV[1])
    end
    return 1
  end
end
return 0
`)

// RedisStore is the Store backed by a Redis server
type RedisStore struct {
	client redis.UniversalClient
	locker *redislock.Client
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db)
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		locker: redislock.New(client),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}

	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, k, v, ttl)
		}

		return nil
	})

	return err
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old []string, value string, ttl time.Duration) (bool, error) {
	args := make([]any, 0, len(old)+2)
	args = append(args, value, strconv.FormatInt(ttl.Milliseconds(), 10))
	for _, o := range old {
		args = append(args, o)
	}

	n, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, key, n).Result()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	return s.client.HSet(ctx, key, fields).Err()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	return s.client.LPush(ctx, key, toAny(values)...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	return s.client.RPush(ctx, key, toAny(values)...).Err()
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}

	return v, err
}

func (s *RedisStore) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := s.client.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", err
	}

	// Reply is [key, value]
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected brpop reply of length %d", len(res))
	}

	return res[1], nil
}

func (s *RedisStore) LRem(ctx context.Context, key, value string) error {
	return s.client.LRem(ctx, key, 0, value).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}

func (s *RedisStore) Lock(ctx context.Context, name string, ttl, wait time.Duration) (Lease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lock, err := s.locker.Obtain(waitCtx, name, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(lockRetryInterval),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLockNotObtained
		}

		// Deadline hit mid-request rather than between retries
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockNotObtained
		}

		return nil, fmt.Errorf("failed to obtain lock %s: %w", name, err)
	}

	return &redisLease{lock: lock}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}

	return err
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}

	return out
}
