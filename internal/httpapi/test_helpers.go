package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reoxt/basesync/internal/db"
)

// getTestDB connects to a database named by TEST_DATABASE_URL and truncates
// the tables these tests touch. Skips the test (rather than failing) when the
// env var isn't set, so the suite is safe to run without a live Postgres.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := db.Open(context.Background(), dbURL, 4, 0, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	for _, table := range []string{"sync_log", "checkpoint_entry", "credential", "sync_config", "usage_stats", "app_user"} {
		if _, err := pool.Exec(context.Background(), "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to clean table %s: %v", table, err)
		}
	}

	return pool
}

// createTestUser upserts an app_user by subject and returns its id string.
func createTestUser(t *testing.T, pool *pgxpool.Pool, subject string) string {
	t.Helper()

	var userID string
	err := pool.QueryRow(context.Background(),
		`INSERT INTO app_user (sub) VALUES ($1)
		 ON CONFLICT (sub) DO UPDATE SET sub = excluded.sub
		 RETURNING id`, subject).Scan(&userID)
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return userID
}

// doRequest issues an authenticated request against router using the dev-mode
// X-Debug-Sub bypass, optionally JSON-encoding body.
func doRequest(t *testing.T, router http.Handler, method, path, sub string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(raw)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Debug-Sub", sub)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
