package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a new PostgreSQL connection pool configured from the values
// in internal/config.DatabaseConfig. Non-positive values fall back to 20 max
// and 2 min connections, a one-hour lifetime and a 30-minute idle time.
func Open(ctx context.Context, url string, maxConns, minConns int32, maxConnLifetime, maxConnIdleTime time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	if maxConns <= 0 {
		maxConns = 20
	}
	if minConns <= 0 {
		minConns = 2
	}
	if maxConnLifetime <= 0 {
		maxConnLifetime = time.Hour
	}
	if maxConnIdleTime <= 0 {
		maxConnIdleTime = 30 * time.Minute
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = maxConnLifetime
	cfg.MaxConnIdleTime = maxConnIdleTime
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}
