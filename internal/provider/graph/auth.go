package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is subtracted from the token lifetime so a token is never
// used in its final minutes.
const tokenExpiryBuffer = 5 * time.Minute

const graphScope = "https://graph.microsoft.com/.default"

// tokenCache holds one client-credentials access token and refreshes it
// before expiry.
type tokenCache struct {
	mu         sync.Mutex
	token      string
	expiresAt  time.Time
	config     clientcredentials.Config
	httpClient *http.Client
	now        func() time.Time
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Token returns a cached access token or fetches a new one.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.token != "" && tc.now().Before(tc.expiresAt) {
		return tc.token, nil
	}
	return tc.refresh(ctx)
}

// ForceRefresh discards the cached token and fetches a new one.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.token = ""
	tc.expiresAt = time.Time{}
	return tc.refresh(ctx)
}

// refresh fetches a token. Callers hold tc.mu.
func (tc *tokenCache) refresh(ctx context.Context) (string, error) {
	if tc.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, tc.httpClient)
	}

	tok, err := tc.config.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}

	tc.token = tok.AccessToken
	if tok.Expiry.IsZero() {
		tc.expiresAt = tc.now().Add(time.Hour - tokenExpiryBuffer)
	} else {
		tc.expiresAt = tok.Expiry.Add(-tokenExpiryBuffer)
	}
	return tc.token, nil
}
