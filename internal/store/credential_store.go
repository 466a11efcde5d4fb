package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialStore persists ciphertext token material; plaintext access to
// it is mediated exclusively by internal/credentials.Manager.
type CredentialStore struct {
	pool *pgxpool.Pool
}

func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

func (s *CredentialStore) Get(ctx context.Context, ownerID uuid.UUID, service Service) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, service, access_token_ciphertext, refresh_token_ciphertext,
			expires_at, account_identifier, last_refresh_attempt_at, last_refresh_error,
			needs_reauth, created_at, updated_at
		FROM credential WHERE owner_id = $1 AND service = $2`, ownerID, service)

	var c Credential
	err := row.Scan(&c.ID, &c.OwnerID, &c.Service, &c.AccessTokenCiphertext, &c.RefreshTokenCiphertext,
		&c.ExpiresAt, &c.AccountIdentifier, &c.LastRefreshAttemptAt, &c.LastRefreshError,
		&c.NeedsReauth, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert stores new token material, matching "at most one credential per
// {user, service}"
func (s *CredentialStore) Upsert(ctx context.Context, c *Credential) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO credential (
			owner_id, service, access_token_ciphertext, refresh_token_ciphertext,
			expires_at, account_identifier, needs_reauth
		) VALUES ($1,$2,$3,$4,$5,$6,false)
		ON CONFLICT (owner_id, service) DO UPDATE SET
			access_token_ciphertext = EXCLUDED.access_token_ciphertext,
			refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
			expires_at = EXCLUDED.expires_at,
			account_identifier = EXCLUDED.account_identifier,
			needs_reauth = false,
			last_refresh_error = '',
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		c.OwnerID, c.Service, c.AccessTokenCiphertext, c.RefreshTokenCiphertext,
		c.ExpiresAt, c.AccountIdentifier)
	return row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// MarkNeedsReauth flags a credential and records the failure, per the
// Credential Manager's Mark-needs-reauth operation.
func (s *CredentialStore) MarkNeedsReauth(ctx context.Context, ownerID uuid.UUID, service Service, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credential SET
			needs_reauth = true, last_refresh_error = $3,
			last_refresh_attempt_at = now(), updated_at = now()
		WHERE owner_id = $1 AND service = $2`, ownerID, service, reason)
	return err
}

// ClearReauth is the operator escape hatch
func (s *CredentialStore) ClearReauth(ctx context.Context, ownerID uuid.UUID, service Service) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credential SET needs_reauth = false, last_refresh_error = '', updated_at = now()
		WHERE owner_id = $1 AND service = $2`, ownerID, service)
	return err
}

// RecordRefreshAttempt records a successful or failed refresh attempt
// timestamp without altering the stored tokens.
func (s *CredentialStore) RecordRefreshAttempt(ctx context.Context, ownerID uuid.UUID, service Service, at time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credential SET last_refresh_attempt_at = $3, last_refresh_error = $4, updated_at = now()
		WHERE owner_id = $1 AND service = $2`, ownerID, service, at, errMsg)
	return err
}
