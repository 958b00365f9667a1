package sigauth

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisNonceStore is the multi-replica NonceStore: every validator
// replica behind a load balancer shares the same replay set instead of
// each holding its own in-memory one, so a nonce accepted by replica A
// is rejected by replica B too. Built on a plain SET key value NX EX
// ttl, the standard distributed-lock/set-once idiom.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore wraps an existing client. prefix namespaces keys
// so the nonce set doesn't collide with other uses of the same Redis
// instance.
func NewRedisNonceStore(client *redis.Client, prefix string) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: prefix}
}

// SetIfAbsent satisfies NonceStore via SET NX: Redis only applies the
// write if the key is absent, atomically.
func (s *RedisNonceStore) SetIfAbsent(key string, ttl time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		// Fail closed: a Redis outage must not turn into silent replay
		// acceptance.
		return false
	}
	return ok
}
