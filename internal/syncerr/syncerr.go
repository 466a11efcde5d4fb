// Package syncerr defines the typed error taxonomy shared by every layer of
// the sync engine. Each type carries both an internal diagnostic string (via
// Error()) and a human-readable UserMessage() suitable for surfacing to an
// operator, matching the "distinct from internal diagnostic strings"
// rule.
package syncerr

import "fmt"

// OAuthError represents a 401-class upstream failure or invalid_grant on
// refresh. Not retried; callers must flag the credential needs-reauth.
type OAuthError struct {
	Service string
	Reason  string
	Err     error
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth error on %s: %s: %v", e.Service, e.Reason, e.Err)
}

func (e *OAuthError) Unwrap() error { return e.Err }

func (e *OAuthError) UserMessage() string {
	return "Authentication failed — please reconnect your account"
}

// RateLimitError represents a 429 / quota response. Retried with backoff.
type RateLimitError struct {
	Service    string
	RetryAfter string
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s (retry-after=%s): %v", e.Service, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) UserMessage() string {
	return "The connected service is temporarily rate-limiting requests. Sync will retry automatically."
}

// NetworkError represents a connection/DNS/timeout failure. Retried.
type NetworkError struct {
	Service string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s: %v", e.Service, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) UserMessage() string {
	return "A network error occurred while contacting the connected service. Sync will retry automatically."
}

// ValidationError represents data that cannot be coerced to the target type,
// or a required field missing. Not retried.
type ValidationError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: record=%s field=%s: %s", e.RecordID, e.Field, e.Reason)
}

func (e *ValidationError) UserMessage() string {
	return fmt.Sprintf("Field %q on record %s has a value that could not be converted: %s", e.Field, e.RecordID, e.Reason)
}

// UnresolvedLinkError represents a B→A linked-record name with no match in
// the target table.
type UnresolvedLinkError struct {
	RowIndex int
	Field    string
	Name     string
}

func (e *UnresolvedLinkError) Error() string {
	return fmt.Sprintf("unresolved link: row=%d field=%s name=%q", e.RowIndex, e.Field, e.Name)
}

func (e *UnresolvedLinkError) UserMessage() string {
	return fmt.Sprintf("Could not find a matching record named %q for field %q", e.Name, e.Field)
}

// SubscriptionRequired is returned pre-execution when a run is refused on
// subscription grounds. Maps to a 402-class response at the HTTP boundary.
type SubscriptionRequired struct {
	UserID string
	Reason string
}

func (e *SubscriptionRequired) Error() string {
	return fmt.Sprintf("subscription required for user=%s: %s", e.UserID, e.Reason)
}

func (e *SubscriptionRequired) UserMessage() string {
	return "Your current plan does not permit this sync. Please upgrade to continue."
}

// ConcurrencyConflict is returned when a trigger is attempted within the
// advisory-lock window of another in-flight run for the same SyncConfig.
type ConcurrencyConflict struct {
	SyncConfigID string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("sync config %s already has a run in flight", e.SyncConfigID)
}

func (e *ConcurrencyConflict) UserMessage() string {
	return "A sync for this configuration is already running. Please wait for it to finish."
}

// ReauthRequired is a special form of OAuth error surfaced before any
// external call is attempted, when a credential is already flagged.
type ReauthRequired struct {
	Service string
}

func (e *ReauthRequired) Error() string {
	return fmt.Sprintf("credential for %s needs reauthorization", e.Service)
}

func (e *ReauthRequired) UserMessage() string {
	return "Authentication failed — please reconnect your account"
}

// UserMessage is implemented by every error type above so callers can
// surface an actionable message without type-switching at every call site.
type UserMessage interface {
	error
	UserMessage() string
}
