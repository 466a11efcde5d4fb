package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AppUserStore backs the control-plane caller identity the JWT middleware
// upserts into on first authenticated call.
type AppUserStore struct {
	pool *pgxpool.Pool
}

func NewAppUserStore(pool *pgxpool.Pool) *AppUserStore {
	return &AppUserStore{pool: pool}
}

// UpsertBySub finds-or-creates an AppUser by its OIDC subject claim.
func (s *AppUserStore) UpsertBySub(ctx context.Context, sub string) (*AppUser, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO app_user (sub) VALUES ($1)
		ON CONFLICT (sub) DO UPDATE SET updated_at = now()
		RETURNING id, sub, plan, created_at, updated_at`, sub)

	var u AppUser
	err := row.Scan(&u.ID, &u.Sub, &u.Plan, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *AppUserStore) Get(ctx context.Context, sub string) (*AppUser, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, sub, plan, created_at, updated_at FROM app_user WHERE sub = $1`, sub)
	var u AppUser
	err := row.Scan(&u.ID, &u.Sub, &u.Plan, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID looks up the AppUser owning a SyncConfig, consulted by the
// scheduler's subscription gate to resolve the owner's plan
// tier without round-tripping through the sub claim.
func (s *AppUserStore) GetByID(ctx context.Context, id uuid.UUID) (*AppUser, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, sub, plan, created_at, updated_at FROM app_user WHERE id = $1`, id)
	var u AppUser
	err := row.Scan(&u.ID, &u.Sub, &u.Plan, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
