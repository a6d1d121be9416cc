package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// graphScope requests the application permissions granted to the client.
const graphScope = "https://graph.microsoft.com/.default"

// tokenExpiryBuffer is how long before its expiry a token is no longer
// handed out, so it cannot lapse during a sendMail request.
const tokenExpiryBuffer = 5 * time.Minute

// maxTokenResponse bounds the token endpoint response read into memory.
const maxTokenResponse = 1 << 20

// accessToken is a bearer token and the time it stops being used.
type accessToken struct {
	value     string
	usableTil time.Time
}

func (t accessToken) usable(now time.Time) bool {
	return t.value != "" && now.Before(t.usableTil)
}

// oauthError is the error body of the Microsoft identity platform token
// endpoint.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// tokenCache holds the client-credentials token for one app registration.
// All methods are safe for concurrent use; at most one request to the
// token endpoint is in flight.
type tokenCache struct {
	endpoint string
	form     url.Values
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	current accessToken
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		endpoint: tokenURL,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		client: httpClient,
		now:    time.Now,
	}
}

// Token returns the cached token, acquiring a new one when none is usable.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.current.usable(tc.now()) {
		return tc.current.value, nil
	}
	return tc.acquire(ctx)
}

// ForceRefresh drops the cached token and acquires a new one. Graph answers
// 401 when a token was revoked before its expiry.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.current = accessToken{}
	return tc.acquire(ctx)
}

// acquire requests a token and caches it. tc.mu must be held.
func (tc *tokenCache) acquire(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.endpoint, strings.NewReader(tc.form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oe oauthError
		if json.Unmarshal(body, &oe) == nil && oe.Code != "" {
			return "", fmt.Errorf("token endpoint returned %d: %s: %s", resp.StatusCode, oe.Code, oe.Description)
		}
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	// A token that lives no longer than the buffer serves this call only.
	usableFor := time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryBuffer
	tc.current = accessToken{
		value:     tr.AccessToken,
		usableTil: tc.now().Add(max(usableFor, 0)),
	}
	return tr.AccessToken, nil
}
