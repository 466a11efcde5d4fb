package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/reoxt/basesync/internal/auth"
	"github.com/reoxt/basesync/internal/credentials"
	"github.com/reoxt/basesync/internal/scheduler"
	"github.com/reoxt/basesync/internal/store"
	"github.com/reoxt/basesync/internal/syncerr"
	"github.com/reoxt/basesync/internal/syncx"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	DB              *pgxpool.Pool
	RateLimitConfig RateLimitInfo

	SyncConfigs *store.SyncConfigStore
	SyncLogs    *store.SyncLogStore
	AppUsers    *store.AppUserStore
	Credentials *credentials.Manager
	Runner      *scheduler.Runner

	validate *validator.Validate
}

// NewServer constructs a Server with a fresh validator instance.
func NewServer(db *pgxpool.Pool, syncConfigs *store.SyncConfigStore, syncLogs *store.SyncLogStore,
	appUsers *store.AppUserStore, credMgr *credentials.Manager, runner *scheduler.Runner) *Server {
	return &Server{
		DB:          db,
		SyncConfigs: syncConfigs,
		SyncLogs:    syncLogs,
		AppUsers:    appUsers,
		Credentials: credMgr,
		Runner:      runner,
		validate:    validator.New(),
	}
}

// DefaultRateLimitConfig is applied to every authenticated route.
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// errorResponse represents a standardized error response with correlation ID.
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

// writeError writes an error response with the correlation ID from context.
func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message, CorrelationID: GetCorrelationID(r.Context())})
}

// writeDomainError maps a syncerr taxonomy error to its HTTP status and
// surfaces its UserMessage rather than the internal diagnostic string.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var subReq *syncerr.SubscriptionRequired
	var conflict *syncerr.ConcurrencyConflict
	var reauth *syncerr.ReauthRequired
	var oauthErr *syncerr.OAuthError

	msg := err.Error()
	var um syncerr.UserMessage
	if errors.As(err, &um) {
		msg = um.UserMessage()
	}

	switch {
	case errors.As(err, &subReq):
		writeError(w, r, http.StatusPaymentRequired, msg)
	case errors.As(err, &conflict):
		writeError(w, r, http.StatusConflict, msg)
	case errors.As(err, &reauth), errors.As(err, &oauthErr):
		writeError(w, r, http.StatusUnauthorized, msg)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDirectionImmutable):
		writeError(w, r, http.StatusUnprocessableEntity, msg)
	default:
		log.Error().Err(err).Msg("unhandled sync error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// currentOwner resolves the calling AppUser. auth.Middleware has already
// upserted the app_user row for this JWT subject and put its id in
// context; this just loads the row the rest of the handler needs.
func (s *Server) currentOwner(r *http.Request) (*store.AppUser, error) {
	raw := auth.UserID(r.Context())
	if raw == "" {
		return nil, errors.New("missing authenticated user")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return s.AppUsers.GetByID(r.Context(), id)
}

// decodeJSON decodes a request body and runs struct validation, writing a
// 400 response itself on either failure so handlers can return immediately.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "validation failed: "+err.Error())
		return false
	}
	return true
}

// syncConfigReq is the request body for creating or updating a SyncConfig.
type syncConfigReq struct {
	SourceABaseID        string             `json:"sourceABaseId" validate:"required"`
	SourceATableID       string             `json:"sourceATableId" validate:"required"`
	SourceAViewID        string             `json:"sourceAViewId"`
	SourceBSpreadsheetID string             `json:"sourceBSpreadsheetId" validate:"required"`
	SourceBSheetID       string             `json:"sourceBSheetId" validate:"required"`
	FieldMapping         store.FieldMapping `json:"fieldMapping" validate:"required,min=1"`
	Direction            string             `json:"direction" validate:"required,oneof=A_TO_B B_TO_A BIDIR"`
	ConflictPolicy       string             `json:"conflictPolicy" validate:"omitempty,oneof=A_WINS B_WINS NEWEST_WINS"`
	DeleteExtraRecords   bool               `json:"deleteExtraRecords"`
	Active               bool               `json:"active"`
}

type syncConfigResp struct {
	ID                   uuid.UUID          `json:"id"`
	SourceABaseID        string             `json:"sourceABaseId"`
	SourceATableID       string             `json:"sourceATableId"`
	SourceAViewID        string             `json:"sourceAViewId"`
	SourceBSpreadsheetID string             `json:"sourceBSpreadsheetId"`
	SourceBSheetID       string             `json:"sourceBSheetId"`
	FieldMapping         store.FieldMapping `json:"fieldMapping"`
	Direction            string             `json:"direction"`
	ConflictPolicy       string             `json:"conflictPolicy"`
	DeleteExtraRecords   bool               `json:"deleteExtraRecords"`
	Active               bool               `json:"active"`
	LastSyncAt           *time.Time         `json:"lastSyncAt,omitempty"`
	LastSyncOutcome      string             `json:"lastSyncOutcome,omitempty"`
	LastErrorAt          *time.Time         `json:"lastErrorAt,omitempty"`
	LastErrorMessage     string             `json:"lastErrorMessage,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

func toSyncConfigResp(c *store.SyncConfig) syncConfigResp {
	return syncConfigResp{
		ID:                   c.ID,
		SourceABaseID:        c.SourceABaseID,
		SourceATableID:       c.SourceATableID,
		SourceAViewID:        c.SourceAViewID,
		SourceBSpreadsheetID: c.SourceBSpreadsheetID,
		SourceBSheetID:       c.SourceBSheetID,
		FieldMapping:         c.FieldMapping,
		Direction:            string(c.Direction),
		ConflictPolicy:       string(c.ConflictPolicy),
		DeleteExtraRecords:   c.DeleteExtraRecords,
		Active:               c.Active,
		LastSyncAt:           c.LastSyncAt,
		LastSyncOutcome:      c.LastSyncOutcome,
		LastErrorAt:          c.LastErrorAt,
		LastErrorMessage:     c.LastErrorMessage,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
}

// CreateSyncConfig handles POST /v1/sync-configs.
func (s *Server) CreateSyncConfig(w http.ResponseWriter, r *http.Request) {
	owner, err := s.currentOwner(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req syncConfigReq
	if !s.decodeJSON(w, r, &req) {
		return
	}

	policy := store.ConflictPolicy(req.ConflictPolicy)
	if policy == "" {
		policy = store.PolicyNewestWins
	}

	cfg := &store.SyncConfig{
		OwnerID:              owner.ID,
		SourceABaseID:        req.SourceABaseID,
		SourceATableID:       req.SourceATableID,
		SourceAViewID:        req.SourceAViewID,
		SourceBSpreadsheetID: req.SourceBSpreadsheetID,
		SourceBSheetID:       req.SourceBSheetID,
		FieldMapping:         req.FieldMapping,
		Direction:            store.Direction(req.Direction),
		ConflictPolicy:       policy,
		DeleteExtraRecords:   req.DeleteExtraRecords,
		Active:               req.Active,
	}
	if err := s.SyncConfigs.Create(r.Context(), cfg); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSyncConfigResp(cfg))
}

// GetSyncConfig handles GET /v1/sync-configs/{id}.
func (s *Server) GetSyncConfig(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	cfg, err := s.SyncConfigs.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncConfigResp(cfg))
}

// ListSyncConfigs handles GET /v1/sync-configs, cursor-paginated per owner.
func (s *Server) ListSyncConfigs(w http.ResponseWriter, r *http.Request) {
	owner, err := s.currentOwner(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 20, 100)
	var afterCreatedAt time.Time
	var afterID uuid.UUID
	if cur, ok := syncx.DecodeCursor(r.URL.Query().Get("cursor")); ok {
		afterCreatedAt = time.UnixMilli(cur.Ms).UTC()
		afterID = cur.UID
	}

	configs, err := s.SyncConfigs.ListByOwner(r.Context(), owner.ID, afterCreatedAt, afterID, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := make([]syncConfigResp, len(configs))
	for i, c := range configs {
		resp[i] = toSyncConfigResp(c)
	}

	var nextCursor string
	if len(configs) == limit {
		last := configs[len(configs)-1]
		nextCursor = syncx.EncodeCursor(syncx.Cursor{Ms: last.CreatedAt.UnixMilli(), UID: last.ID})
	}
	writeJSON(w, http.StatusOK, struct {
		Items      []syncConfigResp `json:"items"`
		NextCursor string           `json:"nextCursor,omitempty"`
	}{Items: resp, NextCursor: nextCursor})
}

// UpdateSyncConfig handles PUT /v1/sync-configs/{id}. Direction is
// immutable; an attempted change is rejected with 422 by the store layer.
func (s *Server) UpdateSyncConfig(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}

	var req syncConfigReq
	if !s.decodeJSON(w, r, &req) {
		return
	}

	policy := store.ConflictPolicy(req.ConflictPolicy)
	if policy == "" {
		policy = store.PolicyNewestWins
	}

	cfg := &store.SyncConfig{
		ID:                   id,
		SourceABaseID:        req.SourceABaseID,
		SourceATableID:       req.SourceATableID,
		SourceAViewID:        req.SourceAViewID,
		SourceBSpreadsheetID: req.SourceBSpreadsheetID,
		SourceBSheetID:       req.SourceBSheetID,
		FieldMapping:         req.FieldMapping,
		Direction:            store.Direction(req.Direction),
		ConflictPolicy:       policy,
		DeleteExtraRecords:   req.DeleteExtraRecords,
		Active:               req.Active,
	}
	if err := s.SyncConfigs.Update(r.Context(), cfg); err != nil {
		writeDomainError(w, r, err)
		return
	}
	updated, err := s.SyncConfigs.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncConfigResp(updated))
}

// DeleteSyncConfig handles DELETE /v1/sync-configs/{id}.
func (s *Server) DeleteSyncConfig(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.SyncConfigs.Delete(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSync handles POST /v1/sync-configs/{id}/trigger, a synchronous
// manual run.
func (s *Server) TriggerSync(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	result, err := s.Runner.ManualTrigger(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// initialSyncReq is the request body for POST /v1/sync-configs/{id}/initial-sync.
type initialSyncReq struct {
	DryRun bool `json:"dryRun"`
}

// InitialSync handles POST /v1/sync-configs/{id}/initial-sync.
func (s *Server) InitialSync(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	var req initialSyncReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
	}
	result, err := s.Runner.InitialSync(r.Context(), id, req.DryRun)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListSyncLogs handles GET /v1/sync-configs/{id}/logs, newest first,
// cursor-paginated on started_at.
func (s *Server) ListSyncLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 100)

	var before time.Time
	if cur, ok := syncx.DecodeCursor(r.URL.Query().Get("cursor")); ok {
		before = time.UnixMilli(cur.Ms).UTC()
	}

	logs, err := s.SyncLogs.List(r.Context(), id, before, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var nextCursor string
	if len(logs) == limit {
		last := logs[len(logs)-1]
		nextCursor = syncx.EncodeCursor(syncx.Cursor{Ms: last.StartedAt.UnixMilli(), UID: last.ID})
	}
	writeJSON(w, http.StatusOK, struct {
		Items      []*store.SyncLog `json:"items"`
		NextCursor string           `json:"nextCursor,omitempty"`
	}{Items: logs, NextCursor: nextCursor})
}

// tokenStoreReq is the request body for POST /v1/connections/{service}/token.
type tokenStoreReq struct {
	AccessToken       string `json:"accessToken" validate:"required"`
	RefreshToken      string `json:"refreshToken" validate:"required"`
	AccountIdentifier string `json:"accountIdentifier" validate:"required"`
	ExpiresAt         int64  `json:"expiresAt" validate:"required"`
}

func parseService(raw string) (store.Service, bool) {
	switch store.Service(raw) {
	case store.ServiceSourceA, store.ServiceSourceB:
		return store.Service(raw), true
	default:
		return "", false
	}
}

// StoreToken handles POST /v1/connections/{service}/token, the OAuth
// callback collaborator's entry point into the Credential Manager.
func (s *Server) StoreToken(w http.ResponseWriter, r *http.Request) {
	owner, err := s.currentOwner(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	service, ok := parseService(chi.URLParam(r, "service"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown service")
		return
	}
	var req tokenStoreReq
	if !s.decodeJSON(w, r, &req) {
		return
	}
	expiresAt := time.UnixMilli(req.ExpiresAt).UTC()
	if err := s.Credentials.StoreNewTokens(r.Context(), owner.ID, service, req.AccessToken, req.RefreshToken, req.AccountIdentifier, expiresAt); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// connectionStatusResp mirrors the Credential Manager's connection-status
// projection.
type connectionStatusResp struct {
	Connected         bool   `json:"connected"`
	AccountIdentifier string `json:"accountIdentifier,omitempty"`
	NeedsReauth       bool   `json:"needsReauth"`
	LastError         string `json:"lastError,omitempty"`
}

// ConnectionStatus handles GET /v1/connections/{service}.
func (s *Server) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	owner, err := s.currentOwner(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	service, ok := parseService(chi.URLParam(r, "service"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown service")
		return
	}
	connected, account, needsReauth, lastErr, err := s.Credentials.ConnectionStatus(r.Context(), owner.ID, service)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionStatusResp{
		Connected:         connected,
		AccountIdentifier: account,
		NeedsReauth:       needsReauth,
		LastError:         lastErr,
	})
}

// ClearReauth handles POST /v1/connections/{service}/clear-reauth, the
// operator escape hatch once a user has reconnected out of band.
func (s *Server) ClearReauth(w http.ResponseWriter, r *http.Request) {
	owner, err := s.currentOwner(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	service, ok := parseService(chi.URLParam(r, "service"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown service")
		return
	}
	if err := s.Credentials.ClearReauthFlags(r.Context(), owner.ID, service); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Diagnostics handles GET /v1/connections/diagnostics, a combined read over
// both services for operator troubleshooting.
func (s *Server) Diagnostics(w http.ResponseWriter, r *http.Request) {
	owner, err := s.currentOwner(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	diag, err := s.Credentials.Diagnose(r.Context(), owner.ID, []store.Service{store.ServiceSourceA, store.ServiceSourceB})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

// Routes assembles the full HTTP router.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.DB, jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Route("/v1/sync-configs", func(r chi.Router) {
			r.Post("/", s.CreateSyncConfig)
			r.Get("/", s.ListSyncConfigs)
			r.Get("/{id}", s.GetSyncConfig)
			r.Put("/{id}", s.UpdateSyncConfig)
			r.Delete("/{id}", s.DeleteSyncConfig)
			r.Post("/{id}/trigger", s.TriggerSync)
			r.Post("/{id}/initial-sync", s.InitialSync)
			r.Get("/{id}/logs", s.ListSyncLogs)
		})

		r.Route("/v1/connections", func(r chi.Router) {
			r.Get("/diagnostics", s.Diagnostics)
			r.Post("/{service}/token", s.StoreToken)
			r.Get("/{service}", s.ConnectionStatus)
			r.Post("/{service}/clear-reauth", s.ClearReauth)
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
