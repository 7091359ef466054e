package store

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to the local Redis these store tests run against.
// DB 14 keeps them off the e2e suite's DB 15 so the two packages can run
// in parallel without flushing each other's keys.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   14,
	})
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}
