// Package store persists the data model (SyncConfig,
// Credential, SyncLog, Checkpoint, UsageStats) in Postgres via pgx/v5.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the directional sync mode a SyncConfig runs in.
type Direction string

const (
	DirectionAToB Direction = "A_TO_B"
	DirectionBToA Direction = "B_TO_A"
	DirectionBidir Direction = "BIDIR"
)

// ConflictPolicy governs how a bidirectional sync resolves BOTH_MODIFIED
// and one-side-deleted conflicts.
type ConflictPolicy string

const (
	PolicyAWins      ConflictPolicy = "A_WINS"
	PolicyBWins      ConflictPolicy = "B_WINS"
	PolicyNewestWins ConflictPolicy = "NEWEST_WINS"
)

// FieldMapping maps a Source-A field id to a zero-based Source-B column
// index.
type FieldMapping map[string]int

// SyncConfig is the engine's primary driver. Direction is immutable once
// created; an attempted change is rejected by the store layer's Update,
// matching the "edit produces an effective-new config" invariant.
type SyncConfig struct {
	ID                  uuid.UUID
	OwnerID             uuid.UUID
	SourceABaseID       string
	SourceATableID      string
	SourceAViewID       string
	SourceBSpreadsheetID string
	SourceBSheetID      string
	FieldMapping        FieldMapping
	Direction           Direction
	ConflictPolicy      ConflictPolicy
	DeleteExtraRecords  bool
	Active              bool
	LastSyncAt          *time.Time
	LastSyncOutcome     string
	LastErrorAt         *time.Time
	LastErrorMessage    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Outcome is the terminal state recorded on a SyncLog row.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomePartial Outcome = "PARTIAL"
	OutcomeFailed  Outcome = "FAILED"
)

// TriggerSource records what initiated a run.
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
	TriggerInitial   TriggerSource = "initial"
)

// SyncLog is an append-only record of one run
type SyncLog struct {
	ID              uuid.UUID
	SyncConfigID    uuid.UUID
	Outcome         Outcome
	Direction       Direction
	TriggerSource   TriggerSource
	RecordsAdded    int
	RecordsUpdated  int
	RecordsDeleted  int
	RecordsFailed   int
	ConflictsTotal  int
	ConflictsAWins  int
	ConflictsBWins  int
	ConflictsSkipped int
	Errors          []string
	Warnings        []string
	StartedAt       time.Time
	CompletedAt     time.Time
	CreatedAt       time.Time
}

// CheckpointEntry is one record's fingerprint at last successful sync.
type CheckpointEntry struct {
	SyncConfigID uuid.UUID
	RecordID     string
	ContentHash  string
	CapturedAt   time.Time
}

// Service identifies which external OAuth app a Credential belongs to.
type Service string

const (
	ServiceSourceA Service = "source_a"
	ServiceSourceB Service = "source_b"
)

// Credential holds ciphertext token material for one {user, service} pair,
// Plaintext tokens never leave internal/credentials.
type Credential struct {
	ID                    uuid.UUID
	OwnerID               uuid.UUID
	Service               Service
	AccessTokenCiphertext []byte
	RefreshTokenCiphertext []byte
	ExpiresAt             time.Time
	AccountIdentifier     string
	LastRefreshAttemptAt  *time.Time
	LastRefreshError      string
	NeedsReauth           bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// UsageStats accumulates per-{user, calendar month} counters
type UsageStats struct {
	OwnerID            uuid.UUID
	Year               int
	Month              int
	RecordsSynced      int64
	SyncConfigsCreated int
}

// AppUser is the control-plane caller identity, modeled on a
// own app_user table and upserted by the JWT middleware on first call.
type AppUser struct {
	ID        uuid.UUID
	Sub       string
	Plan      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
