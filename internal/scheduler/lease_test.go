package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLeaseManager_AcquireExcludesSecondHolder(t *testing.T) {
	client := setupTestRedis(t)
	lm := NewLeaseManager(client, time.Minute)
	ctx := context.Background()

	ok, err := lm.Acquire(ctx, "config-1", "holder-a")
	require.NoError(t, err)
	require.True(t, ok, "first holder should acquire the lease")

	ok, err = lm.Acquire(ctx, "config-1", "holder-b")
	require.NoError(t, err)
	require.False(t, ok, "second holder must not acquire a lease already held")
}

func TestLeaseManager_ReleaseAllowsReacquire(t *testing.T) {
	client := setupTestRedis(t)
	lm := NewLeaseManager(client, time.Minute)
	ctx := context.Background()

	ok, err := lm.Acquire(ctx, "config-2", "holder-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lm.Release(ctx, "config-2"))

	ok, err = lm.Acquire(ctx, "config-2", "holder-b")
	require.NoError(t, err)
	require.True(t, ok, "lease should be reacquirable once released")
}

func TestLeaseManager_DistinctConfigsDoNotContend(t *testing.T) {
	client := setupTestRedis(t)
	lm := NewLeaseManager(client, time.Minute)
	ctx := context.Background()

	ok1, err := lm.Acquire(ctx, "config-a", "holder")
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := lm.Acquire(ctx, "config-b", "holder")
	require.NoError(t, err)
	require.True(t, ok2, "a lease on one config must not block a different config")
}

func TestLeaseManager_DefaultTTLAppliedWhenNonPositive(t *testing.T) {
	client := setupTestRedis(t)
	lm := NewLeaseManager(client, 0)
	require.Equal(t, 90*time.Second, lm.ttl)
}
