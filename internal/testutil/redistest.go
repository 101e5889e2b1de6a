package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

// RedisTest opens a test Redis connection, or skips if REDIS_URL is not set.
// The client is closed on test cleanup. No flushing is done; tests isolate
// themselves with unique key namespaces.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redistest: connect to redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
