package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SHARDLINE_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisGlobalLimiterWindow(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("shardline_test_%d:", time.Now().UnixNano())

	a := NewRedisGlobalLimiter(client, WithPrefix(prefix), WithWindow(2, time.Second))
	b := NewRedisGlobalLimiter(client, WithPrefix(prefix), WithWindow(2, time.Second))

	dec, err := a.Allow(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, dec.Allow)

	dec, err = b.Allow(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, dec.Allow)

	dec, err = a.Allow(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, dec.Allow, "the window is shared between limiters")
	assert.Positive(t, dec.RetryAfter)
	assert.LessOrEqual(t, dec.RetryAfter, time.Second)
}

func TestRedisGlobalLimiterPenalize(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("shardline_test_%d:", time.Now().UnixNano())

	g := NewRedisGlobalLimiter(client, WithPrefix(prefix))
	require.NoError(t, g.Penalize(ctx, "tok", 2*time.Second))

	dec, err := g.Allow(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	assert.Greater(t, dec.RetryAfter, time.Second)

	val, err := client.Exists(ctx, prefix+tokenKey("tok")+":penalty").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, val, "the raw token never appears in keys")
}
