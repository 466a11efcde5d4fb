// Package httpx provides the shared retrying HTTP transport and error
// classification used by internal/sourcea and internal/sourceb, grounded
// on a standard exponential-backoff retry loop.
package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/reoxt/basesync/internal/syncerr"
)

// Class is the error classification
type Class int

const (
	ClassUnknown Class = iota
	ClassOAuth
	ClassRateLimit
	ClassNetwork
	ClassValidation
)

// Classify inspects an HTTP response (and/or transport error) and returns
// the taxonomy class: OAUTH (401-class, invalid_grant,
// revoked), RATE_LIMIT (429, quota messages), NETWORK (connection/DNS/
// timeout), VALIDATION (schema/type/format), UNKNOWN.
func Classify(resp *http.Response, body []byte, transportErr error) Class {
	if transportErr != nil {
		var netErr net.Error
		if errors.As(transportErr, &netErr) {
			return ClassNetwork
		}
		if errors.Is(transportErr, context.DeadlineExceeded) || errors.Is(transportErr, context.Canceled) {
			return ClassNetwork
		}
		return ClassNetwork
	}
	if resp == nil {
		return ClassUnknown
	}

	bodyLower := strings.ToLower(string(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ClassOAuth
	case strings.Contains(bodyLower, "invalid_grant") || strings.Contains(bodyLower, "revoked"):
		return ClassOAuth
	case resp.StatusCode == http.StatusTooManyRequests || strings.Contains(bodyLower, "quota"):
		return ClassRateLimit
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return ClassValidation
	case resp.StatusCode >= 500:
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// ToSyncErr converts a classified response into the typed error taxonomy
// from internal/syncerr.
func ToSyncErr(service string, class Class, resp *http.Response, transportErr error) error {
	switch class {
	case ClassOAuth:
		return &syncerr.OAuthError{Service: service, Reason: "upstream rejected credentials", Err: transportErr}
	case ClassRateLimit:
		retryAfter := ""
		if resp != nil {
			retryAfter = resp.Header.Get("Retry-After")
		}
		return &syncerr.RateLimitError{Service: service, RetryAfter: retryAfter, Err: transportErr}
	case ClassNetwork:
		return &syncerr.NetworkError{Service: service, Err: transportErr}
	case ClassValidation:
		return &syncerr.ValidationError{Reason: "upstream rejected the request payload"}
	default:
		if transportErr != nil {
			return transportErr
		}
		if resp != nil {
			return &syncerr.NetworkError{Service: service, Err: errUnexpectedStatus(resp.StatusCode)}
		}
		return nil
	}
}

type unexpectedStatus int

func (u unexpectedStatus) Error() string {
	return "unexpected status " + strconv.Itoa(int(u))
}

func errUnexpectedStatus(code int) error { return unexpectedStatus(code) }

// Retryable reports whether a class should be retried:
// OAUTH and VALIDATION are not retried; RATE_LIMIT and NETWORK are.
func Retryable(class Class) bool {
	return class == ClassRateLimit || class == ClassNetwork
}
