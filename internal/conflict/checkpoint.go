package conflict

import (
	"context"

	"github.com/google/uuid"
)

// Entry is one record's fingerprint at last successful sync.
type Entry struct {
	Hash       string
	CapturedAt int64 // unix seconds; avoids importing time for this narrow use
}

// CheckpointStore is a read-modify-write interface over a run's per-record
// fingerprints, backed by Postgres rather than an in-process map so
// multiple engine instances can share one checkpoint.
// internal/store.CheckpointStore's LoadHashes/ReplaceHashes adapter
// methods implement this against Postgres.
type CheckpointStore interface {
	LoadHashes(ctx context.Context, syncConfigID uuid.UUID) (map[string]CheckpointHash, error)
	ReplaceHashes(ctx context.Context, syncConfigID uuid.UUID, entries map[string]Entry) error
}
