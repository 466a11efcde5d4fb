// Package migrate wraps goose's migration runner over the embedded schema
// set in internal/db, the same goose-backed approach the retrieval pack's
// alert-history service uses for its own migration CLI.
package migrate

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/reoxt/basesync/internal/db"
)

const migrationsDir = "migrations"

// Manager owns the *sql.DB goose requires (distinct from the pgxpool.Pool
// the rest of the service runs on) for the lifetime of one CLI invocation.
type Manager struct {
	sqlDB *sql.DB
}

// NewManager opens a database/sql connection via pgx's stdlib driver and
// configures goose to read migrations from the embedded filesystem.
func NewManager(databaseURL string) (*Manager, error) {
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening migration connection: %w", err)
	}
	goose.SetBaseFS(db.MigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	return &Manager{sqlDB: sqlDB}, nil
}

// Close releases the underlying connection.
func (m *Manager) Close() error {
	return m.sqlDB.Close()
}

// Up applies every pending migration.
func (m *Manager) Up() error {
	return goose.Up(m.sqlDB, migrationsDir)
}

// UpByOne applies the single next pending migration.
func (m *Manager) UpByOne() error {
	return goose.UpByOne(m.sqlDB, migrationsDir)
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down() error {
	return goose.Down(m.sqlDB, migrationsDir)
}

// Status prints the applied/pending state of every migration to stdout.
func (m *Manager) Status() error {
	return goose.Status(m.sqlDB, migrationsDir)
}

// Version returns the database's current migration version.
func (m *Manager) Version() (int64, error) {
	return goose.GetDBVersion(m.sqlDB)
}
