// Package credentials implements the Credential Manager:
// encrypted-at-rest OAuth token storage, proactive refresh ahead of expiry,
// and reauth flagging. Every upstream call in internal/sourcea and
// internal/sourceb occurs behind Manager.GetValidToken.
package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reoxt/basesync/internal/store"
	"github.com/reoxt/basesync/internal/syncerr"
)

// ExpiryBuffer is how far ahead of expiry a token is
// refreshed proactively once less than this much time remains before
// expiry ("If expiry > now + 5 minutes, returns the
// decrypted access token directly").
const ExpiryBuffer = 5 * time.Minute

// refreshedToken is the result of a successful refresh call.
type refreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a stored refresh token for a new access token.
// internal/sourcea and internal/sourceb each implement this against their
// respective OAuth token endpoints.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken, refreshToken2 string, expiresAt time.Time, err error)
}

// Diagnosis is a snapshot of one credential's health, backing the Run
// diagnostics(user) outbound operation
type Diagnosis struct {
	Service           store.Service
	Connected         bool
	AccountIdentifier string
	ExpiresAt         time.Time
	NeedsReauth       bool
	LastRefreshError  string
	Advice            string
}

// Manager is the Credential Manager. It is a service value passed
// explicitly to collaborators rather than kept as module-level state;
// access serialization is per {user, service} via refreshGroup.
type Manager struct {
	store      *store.CredentialStore
	key        *cipherKey
	refreshers map[store.Service]Refresher
	inflight   refreshGroup
}

// NewManager constructs a Manager. encryptionKeyHex must be 64 hex
// characters (32 bytes)
func NewManager(credStore *store.CredentialStore, encryptionKeyHex string, refreshers map[store.Service]Refresher) (*Manager, error) {
	key, err := newCipherKey(encryptionKeyHex)
	if err != nil {
		return nil, err
	}
	return &Manager{store: credStore, key: key, refreshers: refreshers}, nil
}

// GetValidToken returns a decrypted, currently-valid access token for
// {ownerID, service}, refreshing it first if it is within ExpiryBuffer of
// expiry. On refresh failure it flags needs-reauth and fails with an
// OAuthError; later calls then fail with ReauthRequired until the flag is
// cleared.
func (m *Manager) GetValidToken(ctx context.Context, ownerID uuid.UUID, service store.Service) (string, error) {
	cred, err := m.store.Get(ctx, ownerID, service)
	if err != nil {
		return "", fmt.Errorf("loading credential: %w", err)
	}

	if cred.NeedsReauth {
		return "", &syncerr.ReauthRequired{Service: string(service)}
	}

	if time.Until(cred.ExpiresAt) > ExpiryBuffer {
		return m.key.open(cred.AccessTokenCiphertext)
	}

	refreshed, err := m.inflight.Do(ownerID, service, func() (*refreshedToken, error) {
		return m.doRefresh(ctx, ownerID, service, cred)
	})
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (m *Manager) doRefresh(ctx context.Context, ownerID uuid.UUID, service store.Service, cred *store.Credential) (*refreshedToken, error) {
	refresher, ok := m.refreshers[service]
	if !ok {
		return nil, fmt.Errorf("no refresher registered for service %s", service)
	}

	refreshToken, err := m.key.open(cred.RefreshTokenCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}

	access, newRefresh, expiresAt, err := refresher.Refresh(ctx, refreshToken)
	now := time.Now().UTC()
	if err != nil {
		if recErr := m.store.RecordRefreshAttempt(ctx, ownerID, service, now, err.Error()); recErr != nil {
			log.Error().Err(recErr).Msg("failed to record refresh attempt")
		}
		if markErr := m.MarkNeedsReauth(ctx, ownerID, service, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark needs-reauth")
		}
		return nil, &syncerr.OAuthError{Service: string(service), Reason: "refresh failed", Err: err}
	}

	if newRefresh == "" {
		newRefresh = refreshToken
	}

	accessCipher, err := m.key.seal(access)
	if err != nil {
		return nil, err
	}
	refreshCipher, err := m.key.seal(newRefresh)
	if err != nil {
		return nil, err
	}

	updated := &store.Credential{
		OwnerID:                ownerID,
		Service:                service,
		AccessTokenCiphertext:  accessCipher,
		RefreshTokenCiphertext: refreshCipher,
		ExpiresAt:              expiresAt,
		AccountIdentifier:      cred.AccountIdentifier,
	}
	if err := m.store.Upsert(ctx, updated); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}

	return &refreshedToken{AccessToken: access, RefreshToken: newRefresh, ExpiresAt: expiresAt}, nil
}

// MarkNeedsReauth flags {ownerID, service} so future GetValidToken calls
// short-circuit with ReauthRequired Used by executors on
// observed 401-class errors.
func (m *Manager) MarkNeedsReauth(ctx context.Context, ownerID uuid.UUID, service store.Service, reason string) error {
	return m.store.MarkNeedsReauth(ctx, ownerID, service, reason)
}

// StoreNewTokens is the OAuth callback collaborator's entry point: persists
// a fresh {access, refresh, expiry, account} tuple and clears any
// needs-reauth flag.
func (m *Manager) StoreNewTokens(ctx context.Context, ownerID uuid.UUID, service store.Service, accessToken, refreshToken, accountIdentifier string, expiresAt time.Time) error {
	accessCipher, err := m.key.seal(accessToken)
	if err != nil {
		return err
	}
	refreshCipher, err := m.key.seal(refreshToken)
	if err != nil {
		return err
	}
	return m.store.Upsert(ctx, &store.Credential{
		OwnerID:                ownerID,
		Service:                service,
		AccessTokenCiphertext:  accessCipher,
		RefreshTokenCiphertext: refreshCipher,
		ExpiresAt:              expiresAt,
		AccountIdentifier:      accountIdentifier,
	})
}

// ClearReauthFlags is the operator escape hatch
func (m *Manager) ClearReauthFlags(ctx context.Context, ownerID uuid.UUID, service store.Service) error {
	return m.store.ClearReauth(ctx, ownerID, service)
}

// ConnectionStatus backs Get connection status(user, service)
func (m *Manager) ConnectionStatus(ctx context.Context, ownerID uuid.UUID, service store.Service) (connected bool, accountIdentifier string, needsReauth bool, lastError string, err error) {
	cred, err := m.store.Get(ctx, ownerID, service)
	if err != nil {
		if err == store.ErrNotFound {
			return false, "", false, "", nil
		}
		return false, "", false, "", err
	}
	return true, cred.AccountIdentifier, cred.NeedsReauth, cred.LastRefreshError, nil
}

// Diagnose backs Run diagnostics(user): a snapshot of both
// services' credential health plus an advice string.
func (m *Manager) Diagnose(ctx context.Context, ownerID uuid.UUID, services []store.Service) ([]Diagnosis, error) {
	out := make([]Diagnosis, 0, len(services))
	for _, service := range services {
		cred, err := m.store.Get(ctx, ownerID, service)
		if err == store.ErrNotFound {
			out = append(out, Diagnosis{Service: service, Connected: false, Advice: "Not connected. Complete OAuth authorization to enable syncing."})
			continue
		}
		if err != nil {
			return nil, err
		}
		advice := "Connection healthy."
		if cred.NeedsReauth {
			advice = "Reauthorization required — the stored refresh token was rejected by the upstream service."
		} else if time.Until(cred.ExpiresAt) < ExpiryBuffer {
			advice = "Access token is near expiry; it will be refreshed automatically on next use."
		}
		out = append(out, Diagnosis{
			Service:           service,
			Connected:         true,
			AccountIdentifier: cred.AccountIdentifier,
			ExpiresAt:         cred.ExpiresAt,
			NeedsReauth:       cred.NeedsReauth,
			LastRefreshError:  cred.LastRefreshError,
			Advice:            advice,
		})
	}
	return out, nil
}
