package kv

import (
	"context"
	"fmt"
)

// Backend names accepted by Open
const (
	BackendRedis = "redis"
	BackendBolt  = "bolt"
)

// Open returns the Store for the named backend
func Open(ctx context.Context, backend, redisURL, boltPath string) (Store, error) {
	switch backend {
	case BackendRedis, "":
		return NewRedisStore(ctx, redisURL)
	case BackendBolt:
		return NewBoltStore(boltPath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
