package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newRedisTestStore(test *testing.T) (*RedisStore, *miniredis.Miniredis) {
	test.Helper()
	server := miniredis.RunT(test)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	test.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Minute), server
}

func TestRedisStorePutTake(test *testing.T) {
	test.Parallel()
	store, _ := newRedisTestStore(test)
	ctx := context.Background()

	if err := store.Put(ctx, "user-1", "token-a"); err != nil {
		test.Fatalf("put: %v", err)
	}
	token, ok, err := store.Take(ctx, "user-1")
	if err != nil {
		test.Fatalf("take: %v", err)
	}
	if !ok || token != "token-a" {
		test.Fatalf("take = (%q, %v), want token-a", token, ok)
	}
	if _, ok, _ := store.Take(ctx, "user-1"); ok {
		test.Fatal("second take must find nothing")
	}
}

func TestRedisStoreAppliesTTL(test *testing.T) {
	test.Parallel()
	store, server := newRedisTestStore(test)
	ctx := context.Background()

	if err := store.Put(ctx, "user-1", "token-a"); err != nil {
		test.Fatalf("put: %v", err)
	}
	server.FastForward(2 * time.Minute)
	if _, ok, _ := store.Take(ctx, "user-1"); ok {
		test.Fatal("expired entry must not be returned")
	}
}

func TestRedisStoreKeyPrefix(test *testing.T) {
	test.Parallel()
	server := miniredis.RunT(test)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	test.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, time.Minute, WithKeyPrefix("bot:item:"))
	ctx := context.Background()

	if err := store.Put(ctx, "user-1", "token-a"); err != nil {
		test.Fatalf("put: %v", err)
	}
	if !server.Exists("bot:item:user-1") {
		test.Fatal("expected the configured key prefix in redis")
	}
}
