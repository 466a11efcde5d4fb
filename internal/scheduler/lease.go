package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseManager is the Redis fast-path half of the per-config advisory
// lock: a SET NX PX lease that lets a scheduler instance skip the
// Postgres round trip for a config another instance is already running.
// The Postgres row lock (internal/store.SyncConfigStore.TryAcquireRun)
// is always taken after the lease is won, and is the only check when the
// lease call itself errors; a lease already held by another instance is
// reported as a concurrency conflict without consulting Postgres.
type LeaseManager struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLeaseManager(client *redis.Client, ttl time.Duration) *LeaseManager {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &LeaseManager{client: client, ttl: ttl}
}

func leaseKey(syncConfigID string) string {
	return fmt.Sprintf("basesync:run-lease:%s", syncConfigID)
}

// Acquire attempts the SET NX PX fast path, returning false without error
// if another holder already has the lease.
func (l *LeaseManager) Acquire(ctx context.Context, syncConfigID, holder string) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(syncConfigID), holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring run lease: %w", err)
	}
	return ok, nil
}

// Release deletes the lease. Run under a defer immediately after Acquire
// succeeds; a lease that outlives its TTL self-expires regardless, so a
// missed Release on crash cannot wedge a config forever.
func (l *LeaseManager) Release(ctx context.Context, syncConfigID string) error {
	if err := l.client.Del(ctx, leaseKey(syncConfigID)).Err(); err != nil {
		return fmt.Errorf("releasing run lease: %w", err)
	}
	return nil
}
