package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageStatsStore tracks per-{user, calendar month} counters
type UsageStatsStore struct {
	pool *pgxpool.Pool
}

func NewUsageStatsStore(pool *pgxpool.Pool) *UsageStatsStore {
	return &UsageStatsStore{pool: pool}
}

func (s *UsageStatsStore) Get(ctx context.Context, ownerID uuid.UUID, year, month int) (*UsageStats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT owner_id, year, month, records_synced, sync_configs_created
		FROM usage_stats WHERE owner_id = $1 AND year = $2 AND month = $3`, ownerID, year, month)

	var u UsageStats
	err := row.Scan(&u.OwnerID, &u.Year, &u.Month, &u.RecordsSynced, &u.SyncConfigsCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return &UsageStats{OwnerID: ownerID, Year: year, Month: month}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// IncrementRecordsSynced adds delta to the counter for at's calendar month
// in its own statement; it does not share a transaction with the caller's
// SyncLog append.
func (s *UsageStatsStore) IncrementRecordsSynced(ctx context.Context, ownerID uuid.UUID, at time.Time, delta int64) error {
	year, month := at.Year(), int(at.Month())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_stats (owner_id, year, month, records_synced)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (owner_id, year, month) DO UPDATE SET
			records_synced = usage_stats.records_synced + EXCLUDED.records_synced`,
		ownerID, year, month, delta)
	return err
}

// IncrementSyncConfigsCreated bumps the sync-configs-created counter,
// consulted by the subscription gate's per-plan SyncConfig count limit.
func (s *UsageStatsStore) IncrementSyncConfigsCreated(ctx context.Context, ownerID uuid.UUID, at time.Time) error {
	year, month := at.Year(), int(at.Month())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_stats (owner_id, year, month, sync_configs_created)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (owner_id, year, month) DO UPDATE SET
			sync_configs_created = usage_stats.sync_configs_created + 1`,
		ownerID, year, month)
	return err
}

// CountActiveSyncConfigs is consulted by the subscription gate's per-plan
// "sync-configs allowed" limit, which counts currently-active
// configs rather than a historical creation count.
func (s *UsageStatsStore) CountActiveSyncConfigs(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sync_config WHERE owner_id = $1 AND active = true`, ownerID).Scan(&n)
	return n, err
}
