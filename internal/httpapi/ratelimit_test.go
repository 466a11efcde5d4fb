package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reoxt/basesync/internal/auth"
	"github.com/reoxt/basesync/internal/credentials"
	"github.com/reoxt/basesync/internal/store"
)

const testEncryptionKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

// newTestServer wires a Server against a live Postgres pool with no
// scheduler runner attached, enough to exercise auth and rate limiting
// without driving an actual sync.
func newTestServer(t *testing.T, rl RateLimitInfo) (http.Handler, *Server) {
	t.Helper()

	pool := getTestDB(t)
	t.Cleanup(pool.Close)

	syncConfigs := store.NewSyncConfigStore(pool)
	syncLogs := store.NewSyncLogStore(pool, store.DefaultLogRetention)
	appUsers := store.NewAppUserStore(pool)
	credStore := store.NewCredentialStore(pool)

	credMgr, err := credentials.NewManager(credStore, testEncryptionKeyHex, map[store.Service]credentials.Refresher{})
	if err != nil {
		t.Fatalf("failed to build credential manager: %v", err)
	}

	srv := NewServer(pool, syncConfigs, syncLogs, appUsers, credMgr, nil)
	srv.RateLimitConfig = rl

	return srv.Routes(auth.JWTCfg{DevMode: true}), srv
}

func TestRateLimiting_429Response(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	router, srv := newTestServer(t, RateLimitInfo{WindowSeconds: 60, MaxRequests: 2, Burst: 2})
	createTestUser(t, srv.DB, "rl-429")

	var lastStatus int
	for i := 0; i < 5; i++ {
		w := doRequest(t, router, http.MethodGet, "/v1/sync-configs", "rl-429", nil)
		lastStatus = w.Code
		if lastStatus == http.StatusTooManyRequests {
			break
		}
	}

	if lastStatus != http.StatusTooManyRequests {
		t.Fatalf("expected a 429 within the burst window, last status was %d", lastStatus)
	}
}

func TestRateLimiting_HeaderValues(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	router, srv := newTestServer(t, RateLimitInfo{WindowSeconds: 60, MaxRequests: 10, Burst: 5})
	createTestUser(t, srv.DB, "rl-headers")

	w := doRequest(t, router, http.MethodGet, "/v1/sync-configs", "rl-headers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got := w.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", got)
	}
	if got := w.Header().Get("X-RateLimit-Burst"); got != "5" {
		t.Errorf("X-RateLimit-Burst = %q, want 5", got)
	}
	if w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("expected X-RateLimit-Remaining header to be set")
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header to be set")
	}
}

func TestRateLimiting_UnauthenticatedBypassesLimiter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	router, _ := newTestServer(t, RateLimitInfo{WindowSeconds: 60, MaxRequests: 1, Burst: 1})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("unauthenticated /healthz should never be rate limited, got %d on attempt %d", w.Code, i)
		}
	}
}

func TestRateLimiting_RemainingDecreases(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	router, srv := newTestServer(t, RateLimitInfo{WindowSeconds: 60, MaxRequests: 10, Burst: 10})
	createTestUser(t, srv.DB, "rl-decrease")

	first := doRequest(t, router, http.MethodGet, "/v1/sync-configs", "rl-decrease", nil)
	second := doRequest(t, router, http.MethodGet, "/v1/sync-configs", "rl-decrease", nil)

	firstRemaining := first.Header().Get("X-RateLimit-Remaining")
	secondRemaining := second.Header().Get("X-RateLimit-Remaining")
	if firstRemaining == "" || secondRemaining == "" {
		t.Fatal("expected remaining header on both responses")
	}
	if firstRemaining == secondRemaining {
		t.Errorf("expected remaining count to decrease across requests, both were %s", firstRemaining)
	}
}

func TestRateLimiting_PerUserIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	router, srv := newTestServer(t, RateLimitInfo{WindowSeconds: 60, MaxRequests: 1, Burst: 1})
	createTestUser(t, srv.DB, "rl-peruser-a")
	createTestUser(t, srv.DB, "rl-peruser-b")

	doRequest(t, router, http.MethodGet, "/v1/sync-configs", "rl-peruser-a", nil)
	exhausted := doRequest(t, router, http.MethodGet, "/v1/sync-configs", "rl-peruser-a", nil)
	if exhausted.Code != http.StatusTooManyRequests {
		t.Fatalf("expected user A to be rate limited, got %d", exhausted.Code)
	}

	fresh := doRequest(t, router, http.MethodGet, "/v1/sync-configs", "rl-peruser-b", nil)
	if fresh.Code != http.StatusOK {
		t.Fatalf("expected user B to be unaffected by user A's limit, got %d: %s", fresh.Code, fresh.Body.String())
	}
}
