package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLogRetention is the default "N most recent logs"
const DefaultLogRetention = 100

// SyncLogStore appends immutable SyncLog rows and enforces retention.
type SyncLogStore struct {
	pool      *pgxpool.Pool
	retention int
}

func NewSyncLogStore(pool *pgxpool.Pool, retention int) *SyncLogStore {
	if retention <= 0 {
		retention = DefaultLogRetention
	}
	return &SyncLogStore{pool: pool, retention: retention}
}

// Append writes a new SyncLog row and prunes older entries beyond retention
// for the same config, append-then-prune.
func (s *SyncLogStore) Append(ctx context.Context, entry *SyncLog) error {
	errs, err := json.Marshal(entry.Errors)
	if err != nil {
		return fmt.Errorf("marshaling errors: %w", err)
	}
	warnings, err := json.Marshal(entry.Warnings)
	if err != nil {
		return fmt.Errorf("marshaling warnings: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO sync_log (
			sync_config_id, outcome, direction, trigger_source,
			records_added, records_updated, records_deleted, records_failed,
			conflicts_total, conflicts_a_wins, conflicts_b_wins, conflicts_skipped,
			errors, warnings, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id, created_at`,
		entry.SyncConfigID, entry.Outcome, entry.Direction, entry.TriggerSource,
		entry.RecordsAdded, entry.RecordsUpdated, entry.RecordsDeleted, entry.RecordsFailed,
		entry.ConflictsTotal, entry.ConflictsAWins, entry.ConflictsBWins, entry.ConflictsSkipped,
		errs, warnings, entry.StartedAt, entry.CompletedAt,
	)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return err
	}
	return s.Prune(ctx, entry.SyncConfigID)
}

// Prune deletes SyncLog rows beyond the configured retention for one config.
func (s *SyncLogStore) Prune(ctx context.Context, syncConfigID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sync_log
		WHERE sync_config_id = $1 AND id NOT IN (
			SELECT id FROM sync_log WHERE sync_config_id = $1
			ORDER BY started_at DESC LIMIT $2
		)`, syncConfigID, s.retention)
	return err
}

// List returns SyncLog rows for a config, newest first, cursor-paginated.
func (s *SyncLogStore) List(ctx context.Context, syncConfigID uuid.UUID, beforeStartedAt time.Time, limit int) ([]*SyncLog, error) {
	if beforeStartedAt.IsZero() {
		beforeStartedAt = time.Now().Add(24 * time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, sync_config_id, outcome, direction, trigger_source,
			records_added, records_updated, records_deleted, records_failed,
			conflicts_total, conflicts_a_wins, conflicts_b_wins, conflicts_skipped,
			errors, warnings, started_at, completed_at, created_at
		FROM sync_log
		WHERE sync_config_id = $1 AND started_at < $2
		ORDER BY started_at DESC
		LIMIT $3`, syncConfigID, beforeStartedAt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SyncLog
	for rows.Next() {
		var e SyncLog
		var errs, warnings []byte
		if err := rows.Scan(&e.ID, &e.SyncConfigID, &e.Outcome, &e.Direction, &e.TriggerSource,
			&e.RecordsAdded, &e.RecordsUpdated, &e.RecordsDeleted, &e.RecordsFailed,
			&e.ConflictsTotal, &e.ConflictsAWins, &e.ConflictsBWins, &e.ConflictsSkipped,
			&errs, &warnings, &e.StartedAt, &e.CompletedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(errs, &e.Errors); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(warnings, &e.Warnings); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
