package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// RetryConfig parameterizes Client.Do: by default up to 3 retries after the
// first attempt, cap 30s, exponential backoff starting at 2s with jitter.
type RetryConfig struct {
	MaxRetries int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultRetryConfig matches the documented policy (2s, 4s, 8s +
// jitter, cap 30s).
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	InitialWait: 2 * time.Second,
	MaxWait:     30 * time.Second,
}

// Client wraps an *http.Client with the retry-with-fresh-auth-header-per-
// attempt pattern grounded on a shared
// internal/mcpserver/client/httpclient.go doWithRetry, generalized from a
// single bearer-token source to an injected AuthHeader func so both
// internal/sourcea and internal/sourceb can share it.
type Client struct {
	HTTP   *http.Client
	Retry  RetryConfig
	Service string
	// AuthHeader returns the current bearer token; called fresh on every
	// attempt so a mid-retry token refresh is picked up automatically.
	AuthHeader func(ctx context.Context) (string, error)
}

// NewClient constructs a Client with the given per-call timeout.
func NewClient(service string, callTimeout time.Duration, authHeader func(ctx context.Context) (string, error)) *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: callTimeout},
		Retry:      DefaultRetryConfig,
		Service:    service,
		AuthHeader: authHeader,
	}
}

// Do executes req with retry-with-backoff for RATE_LIMIT/NETWORK
// classifications, re-injecting a fresh Authorization header on every
// attempt. body is re-sent from the byte slice on every attempt.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, []byte, error) {
	var lastResp *http.Response
	var lastBody []byte

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = c.Retry.InitialWait
	boff.Multiplier = 2
	boff.MaxInterval = c.Retry.MaxWait
	boff.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(boff, uint64(c.Retry.MaxRetries))

	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, url, bytesReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.AuthHeader != nil {
			token, err := c.AuthHeader(ctx)
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.HTTP.Do(req)
		class := Classify(resp, nil, err)
		if err != nil {
			if !Retryable(class) {
				return backoff.Permanent(ToSyncErr(c.Service, class, resp, err))
			}
			log.Warn().Err(err).Int("attempt", attempt).Str("service", c.Service).Msg("retrying after transport error")
			return err
		}
		defer resp.Body.Close()
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}

		class = Classify(resp, respBody, nil)
		lastResp, lastBody = resp, respBody

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		syncErr := ToSyncErr(c.Service, class, resp, nil)
		if !Retryable(class) {
			return backoff.Permanent(syncErr)
		}
		log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Str("service", c.Service).Msg("retrying after classified error")
		return syncErr
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return lastResp, lastBody, err
	}
	return lastResp, lastBody, nil
}

func bytesReader(b []byte) *bytes.Reader {
	if b == nil {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(b)
}
