package session

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "quota:pending:"

// RedisStore is a Redis-backed Store for multi-instance deployments.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the Redis key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(store *RedisStore) { store.keyPrefix = prefix }
}

// NewRedisStore creates a Redis-backed Store with the given entry TTL.
func NewRedisStore(client goredis.Cmdable, ttl time.Duration, options ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       ttl,
	}
	for _, option := range options {
		option(store)
	}
	return store
}

var _ Store = (*RedisStore)(nil)

func (store *RedisStore) key(userID string) string {
	return store.keyPrefix + userID
}

func (store *RedisStore) Put(ctx context.Context, userID string, token string) error {
	return store.client.Set(ctx, store.key(userID), token, store.ttl).Err()
}

func (store *RedisStore) Take(ctx context.Context, userID string) (string, bool, error) {
	token, err := store.client.GetDel(ctx, store.key(userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}
