//go:build integration

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/reoxt/basesync/internal/config"
	"github.com/reoxt/basesync/internal/migrate"
	"github.com/reoxt/basesync/internal/store"
)

// setupGateTestPool mirrors internal/store's own testcontainers helper: a
// disposable Postgres with every goose migration applied.
func setupGateTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("basesync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	mgr, err := migrate.NewManager(connStr)
	require.NoError(t, err)
	require.NoError(t, mgr.Up())
	require.NoError(t, mgr.Close())

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func createGateTestOwner(t *testing.T, pool *pgxpool.Pool, plan string) *store.AppUser {
	t.Helper()
	var u store.AppUser
	err := pool.QueryRow(context.Background(),
		`INSERT INTO app_user (sub, plan) VALUES ($1, $2) RETURNING id, sub, plan, created_at, updated_at`,
		uuid.NewString(), plan).Scan(&u.ID, &u.Sub, &u.Plan, &u.CreatedAt, &u.UpdatedAt)
	require.NoError(t, err)
	return &u
}

func testGateConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Plans.Starter.MonthlyRecordLimit = 10
	cfg.Plans.Business.MonthlyRecordLimit = 0
	return cfg
}

// TestCheckSubscriptionGate_BlocksOnceMonthlyLimitReached exercises the
// subscription gate end to end against a real UsageStatsStore: an owner
// whose usage for the current month has reached the plan's record limit
// is rejected with SubscriptionRequired, while an unlimited plan never is.
func TestCheckSubscriptionGate_BlocksOnceMonthlyLimitReached(t *testing.T) {
	pool := setupGateTestPool(t)
	usage := store.NewUsageStatsStore(pool)
	owner := createGateTestOwner(t, pool, "starter")

	r := &Runner{Cfg: testGateConfig(), Usage: usage}
	ctx := context.Background()

	state, gateErr := r.checkSubscriptionGate(ctx, owner)
	require.Nil(t, gateErr)
	require.Equal(t, StateIdle, state)

	require.NoError(t, usage.IncrementRecordsSynced(ctx, owner.ID, time.Now().UTC(), 10))

	state, gateErr = r.checkSubscriptionGate(ctx, owner)
	require.NotNil(t, gateErr)
	require.Equal(t, StatePausedLimit, state)
	require.Equal(t, owner.ID.String(), gateErr.UserID)
}

// TestCheckSubscriptionGate_UnlimitedPlanNeverBlocks exercises the
// MonthlyRecordLimit<=0 "unlimited" escape hatch used by the business tier.
func TestCheckSubscriptionGate_UnlimitedPlanNeverBlocks(t *testing.T) {
	pool := setupGateTestPool(t)
	usage := store.NewUsageStatsStore(pool)
	owner := createGateTestOwner(t, pool, "business")

	r := &Runner{Cfg: testGateConfig(), Usage: usage}
	ctx := context.Background()

	require.NoError(t, usage.IncrementRecordsSynced(ctx, owner.ID, time.Now().UTC(), 1_000_000))

	state, gateErr := r.checkSubscriptionGate(ctx, owner)
	require.Nil(t, gateErr)
	require.Equal(t, StateIdle, state)
}
