package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by every store lookup that finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrDirectionImmutable is returned by SyncConfigStore.Update when the
// caller attempts to change Direction invariant.
var ErrDirectionImmutable = errors.New("store: direction is immutable once a sync config is created")

// ErrRunLockHeld is returned by TryAcquireRun when another run holds the
// advisory lock for this config.
var ErrRunLockHeld = errors.New("store: a run is already in flight for this sync config")

// SyncConfigStore persists SyncConfig rows and arbitrates the per-config
// advisory lock described in the design.
type SyncConfigStore struct {
	pool *pgxpool.Pool
}

func NewSyncConfigStore(pool *pgxpool.Pool) *SyncConfigStore {
	return &SyncConfigStore{pool: pool}
}

func (s *SyncConfigStore) Create(ctx context.Context, cfg *SyncConfig) error {
	mapping, err := json.Marshal(cfg.FieldMapping)
	if err != nil {
		return fmt.Errorf("marshaling field mapping: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sync_config (
			owner_id, source_a_base_id, source_a_table_id, source_a_view_id,
			source_b_spreadsheet_id, source_b_sheet_id, field_mapping, direction,
			conflict_policy, delete_extra_records, active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, created_at, updated_at`,
		cfg.OwnerID, cfg.SourceABaseID, cfg.SourceATableID, cfg.SourceAViewID,
		cfg.SourceBSpreadsheetID, cfg.SourceBSheetID, mapping, cfg.Direction,
		cfg.ConflictPolicy, cfg.DeleteExtraRecords, cfg.Active,
	)
	return row.Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
}

func (s *SyncConfigStore) Get(ctx context.Context, id uuid.UUID) (*SyncConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, source_a_base_id, source_a_table_id, source_a_view_id,
			source_b_spreadsheet_id, source_b_sheet_id, field_mapping, direction,
			conflict_policy, delete_extra_records, active, last_sync_at,
			last_sync_outcome, last_error_at, last_error_message, created_at, updated_at
		FROM sync_config WHERE id = $1`, id)
	return scanSyncConfig(row)
}

// ListActive returns every active SyncConfig, for the scheduler's tick.
func (s *SyncConfigStore) ListActive(ctx context.Context) ([]*SyncConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, source_a_base_id, source_a_table_id, source_a_view_id,
			source_b_spreadsheet_id, source_b_sheet_id, field_mapping, direction,
			conflict_policy, delete_extra_records, active, last_sync_at,
			last_sync_outcome, last_error_at, last_error_message, created_at, updated_at
		FROM sync_config WHERE active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SyncConfig
	for rows.Next() {
		cfg, err := scanSyncConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ListByOwner lists SyncConfigs for one owner, cursor-paginated by created_at/id.
func (s *SyncConfigStore) ListByOwner(ctx context.Context, ownerID uuid.UUID, afterCreatedAt time.Time, afterID uuid.UUID, limit int) ([]*SyncConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, source_a_base_id, source_a_table_id, source_a_view_id,
			source_b_spreadsheet_id, source_b_sheet_id, field_mapping, direction,
			conflict_policy, delete_extra_records, active, last_sync_at,
			last_sync_outcome, last_error_at, last_error_message, created_at, updated_at
		FROM sync_config
		WHERE owner_id = $1 AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, ownerID, afterCreatedAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SyncConfig
	for rows.Next() {
		cfg, err := scanSyncConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncConfig(row rowScanner) (*SyncConfig, error) {
	var cfg SyncConfig
	var mapping []byte
	err := row.Scan(&cfg.ID, &cfg.OwnerID, &cfg.SourceABaseID, &cfg.SourceATableID, &cfg.SourceAViewID,
		&cfg.SourceBSpreadsheetID, &cfg.SourceBSheetID, &mapping, &cfg.Direction,
		&cfg.ConflictPolicy, &cfg.DeleteExtraRecords, &cfg.Active, &cfg.LastSyncAt,
		&cfg.LastSyncOutcome, &cfg.LastErrorAt, &cfg.LastErrorMessage, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mapping, &cfg.FieldMapping); err != nil {
		return nil, fmt.Errorf("unmarshaling field mapping: %w", err)
	}
	return &cfg, nil
}

// Update persists mutable fields of a SyncConfig. Direction cannot change;
// callers wanting a new direction must create a new SyncConfig
func (s *SyncConfigStore) Update(ctx context.Context, cfg *SyncConfig) error {
	existing, err := s.Get(ctx, cfg.ID)
	if err != nil {
		return err
	}
	if existing.Direction != cfg.Direction {
		return ErrDirectionImmutable
	}
	mapping, err := json.Marshal(cfg.FieldMapping)
	if err != nil {
		return fmt.Errorf("marshaling field mapping: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_config SET
			source_a_base_id = $2, source_a_table_id = $3, source_a_view_id = $4,
			source_b_spreadsheet_id = $5, source_b_sheet_id = $6, field_mapping = $7,
			conflict_policy = $8, delete_extra_records = $9, active = $10,
			updated_at = now()
		WHERE id = $1`,
		cfg.ID, cfg.SourceABaseID, cfg.SourceATableID, cfg.SourceAViewID,
		cfg.SourceBSpreadsheetID, cfg.SourceBSheetID, mapping,
		cfg.ConflictPolicy, cfg.DeleteExtraRecords, cfg.Active)
	return err
}

// Delete removes a SyncConfig; SyncLogs and Checkpoints cascade
func (s *SyncConfigStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_config WHERE id = $1`, id)
	return err
}

// RecordRunResult updates the operational-state fields after a run
// completes (or fails before starting).
func (s *SyncConfigStore) RecordRunResult(ctx context.Context, id uuid.UUID, outcome string, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_config SET
			last_sync_at = $2, last_sync_outcome = $3,
			last_error_at = CASE WHEN $4 <> '' THEN $2 ELSE last_error_at END,
			last_error_message = CASE WHEN $4 <> '' THEN $4 ELSE last_error_message END,
			updated_at = now()
		WHERE id = $1`, id, now, outcome, errMsg)
	return err
}

// TryAcquireRun enforces the per-config advisory lock: at most one
// run in flight at a time. It is implemented as a row lock on sync_config
// itself (SELECT ... FOR UPDATE on its run_lock_holder/run_lock_acquired_at
// columns; a concurrent caller waits for the row lock and then sees the
// holder), not a SELECT against SyncLog, so the lock survives even if the log write
// is still pending. holder is an opaque identifier (hostname+pid or
// goroutine tag) recorded for diagnostics only.
//
// Returns ErrRunLockHeld if the lock is already held and has not expired
// (held longer than staleAfter is treated as abandoned and stolen, guarding
// against a crashed worker wedging a config forever).
func (s *SyncConfigStore) TryAcquireRun(ctx context.Context, id uuid.UUID, holder string, staleAfter time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var lockedHolder *string
	var lockedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT run_lock_holder, run_lock_acquired_at FROM sync_config
		WHERE id = $1 FOR UPDATE`, id).Scan(&lockedHolder, &lockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if lockedHolder != nil && lockedAt != nil && time.Since(*lockedAt) < staleAfter {
		return ErrRunLockHeld
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sync_config SET run_lock_holder = $2, run_lock_acquired_at = now()
		WHERE id = $1`, id, holder); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReleaseRun clears the advisory lock acquired by TryAcquireRun.
func (s *SyncConfigStore) ReleaseRun(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_config SET run_lock_holder = NULL, run_lock_acquired_at = NULL
		WHERE id = $1`, id)
	return err
}
