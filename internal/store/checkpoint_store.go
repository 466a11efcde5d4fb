package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reoxt/basesync/internal/conflict"
)

// CheckpointStore is a Postgres-backed read-modify-write interface over the
// Checkpoint entity, backed by the same database as SyncConfig so multiple
// engine instances can share one checkpoint.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Load returns the full checkpoint for a SyncConfig, keyed by record id. A
// missing checkpoint (first run) returns an empty, non-nil map, matching
// the "recreated from empty if missing".
func (s *CheckpointStore) Load(ctx context.Context, syncConfigID uuid.UUID) (map[string]CheckpointEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, content_hash, captured_at FROM checkpoint_entry
		WHERE sync_config_id = $1`, syncConfigID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]CheckpointEntry)
	for rows.Next() {
		var e CheckpointEntry
		e.SyncConfigID = syncConfigID
		if err := rows.Scan(&e.RecordID, &e.ContentHash, &e.CapturedAt); err != nil {
			return nil, err
		}
		out[e.RecordID] = e
	}
	return out, rows.Err()
}

// Replace atomically replaces the entire checkpoint for a SyncConfig with
// entries, matching the invariant that "the checkpoint covers exactly
// the records that existed at last-sync completion" — stale record ids
// from deleted rows must not survive a successful run.
func (s *CheckpointStore) Replace(ctx context.Context, syncConfigID uuid.UUID, entries map[string]CheckpointEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM checkpoint_entry WHERE sync_config_id = $1`, syncConfigID); err != nil {
		return err
	}

	batch := make([][]any, 0, len(entries))
	for recordID, e := range entries {
		batch = append(batch, []any{syncConfigID, recordID, e.ContentHash, e.CapturedAt})
	}
	for _, row := range batch {
		if _, err := tx.Exec(ctx, `
			INSERT INTO checkpoint_entry (sync_config_id, record_id, content_hash, captured_at)
			VALUES ($1,$2,$3,$4)`, row...); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// LoadHashes adapts Load to the internal/conflict.CheckpointStore
// interface, used by internal/syncengine's executors.
func (s *CheckpointStore) LoadHashes(ctx context.Context, syncConfigID uuid.UUID) (map[string]conflict.CheckpointHash, error) {
	entries, err := s.Load(ctx, syncConfigID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]conflict.CheckpointHash, len(entries))
	for id, e := range entries {
		out[id] = conflict.CheckpointHash{Hash: e.ContentHash}
	}
	return out, nil
}

// ReplaceHashes adapts Replace to the internal/conflict.CheckpointStore
// interface.
func (s *CheckpointStore) ReplaceHashes(ctx context.Context, syncConfigID uuid.UUID, entries map[string]conflict.Entry) error {
	out := make(map[string]CheckpointEntry, len(entries))
	now := time.Now().UTC()
	for id, e := range entries {
		capturedAt := now
		if e.CapturedAt != 0 {
			capturedAt = time.Unix(e.CapturedAt, 0).UTC()
		}
		out[id] = CheckpointEntry{SyncConfigID: syncConfigID, RecordID: id, ContentHash: e.Hash, CapturedAt: capturedAt}
	}
	return s.Replace(ctx, syncConfigID, out)
}
