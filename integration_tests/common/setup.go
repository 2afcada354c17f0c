//go:build integration

// Package common provides shared setup for integration tests that need a
// real Redis instance.
package common

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// TestRedisURL points the integration tests at a disposable database so a
// stray FlushTestKeys can never touch production data.
const TestRedisURL = "redis://localhost:6379/15"

// SkipIfRedisUnavailable returns a client for the test Redis instance, or
// skips the test when none is reachable.
func SkipIfRedisUnavailable(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION_TESTS") == "1" {
		t.Skip("Integration tests disabled via SKIP_INTEGRATION_TESTS=1")
	}

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = TestRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid TEST_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis unavailable, skipping integration test: %v", err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

// FlushTestKeys removes every key under the given prefixes.
func FlushTestKeys(t *testing.T, client *redis.Client, prefixes ...string) {
	t.Helper()
	ctx := context.Background()
	for _, prefix := range prefixes {
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			if err := client.Del(ctx, iter.Val()).Err(); err != nil {
				t.Fatalf("cleaning up key %s: %v", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			t.Fatalf("scanning keys for cleanup: %v", err)
		}
	}
}
