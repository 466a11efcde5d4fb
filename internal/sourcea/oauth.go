package sourcea

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuthRefresher implements internal/credentials.Refresher against
// Source A's token endpoint. Only token storage and refresh are in
// scope; the authorization-code exchange itself is an external
// collaborator.
type OAuthRefresher struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.ClientID},
		"client_secret": {r.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("refreshing source a token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", time.Time{}, fmt.Errorf("source a token refresh failed with status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", time.Time{}, fmt.Errorf("decoding source a token response: %w", err)
	}

	return body.AccessToken, body.RefreshToken, time.Now().Add(time.Duration(body.ExpiresIn) * time.Second), nil
}
