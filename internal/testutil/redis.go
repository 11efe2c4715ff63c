package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// RedisBundle bundles together a miniredis instance and an associated Redis
// client.
type RedisBundle struct {
	mr *miniredis.Miniredis
	rc *redis.Client
}

// MustCreateRedisBundle returns a new RedisBundle. The bundle is closed
// automatically when the test completes.
func MustCreateRedisBundle(t *testing.T) *RedisBundle {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { rc.Close() })
	return &RedisBundle{mr: mr, rc: rc}
}

// Client returns the Redis client.
func (rb *RedisBundle) Client() *redis.Client {
	return rb.rc
}

// Server returns the miniredis instance, e.g. to inspect keys or TTLs.
func (rb *RedisBundle) Server() *miniredis.Miniredis {
	return rb.mr
}

// FastForward advances miniredis time, expiring keys whose TTL has lapsed.
func (rb *RedisBundle) FastForward(d time.Duration) {
	rb.mr.FastForward(d)
}

// Flush flushes all keys from miniredis.
func (rb *RedisBundle) Flush() {
	rb.mr.FlushAll()
}
