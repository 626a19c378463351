package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)
	key := Key("jobs", "tenant-a")

	d, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, key)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Second)

	// The Lua script takes time from the caller, so refill is not exercised with FastForward.
}

func TestTokenBucketTenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 0.001)

	d, _ := bucket.Allow(ctx, Key("telemetry", "a"))
	assert.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, Key("telemetry", "a"))
	assert.False(t, d.Allowed)

	d, _ = bucket.Allow(ctx, Key("telemetry", "b"))
	assert.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, Key("jobs", "a"))
	assert.True(t, d.Allowed)
}
