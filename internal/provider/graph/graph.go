package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/provider"
)

const providerName = "msgraph"

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID        string
	ClientID        string
	ClientSecret    string
	Sender          string
	SaveToSentItems bool
	Timeout         time.Duration
}

// GraphProvider sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication.
type GraphProvider struct {
	graphURL        string
	saveToSentItems bool
	httpClient      *http.Client
	token           *tokenCache
	now             func() time.Time
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: timeout})
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		graphURL:        graphURL,
		saveToSentItems: cfg.SaveToSentItems,
		httpClient:      client,
		token:           newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		now:             time.Now,
	}
}

// Send makes one delivery attempt. A 401 response refreshes the token and
// repeats the request once within the same call. The returned id is the
// Graph request id, or the message's Message-ID when Graph sends none.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Email) (string, error) {
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg, g.saveToSentItems))
	if err != nil {
		return "", provider.Permanent(providerName, 0, fmt.Errorf("marshal request body: %w", err))
	}

	token, err := g.token.Token(ctx)
	if err != nil {
		return "", provider.Transient(providerName, 0, err)
	}

	id, err := g.doSendRequest(ctx, token, bodyJSON)
	var de *provider.DeliveryError
	if errors.As(err, &de) && de.StatusCode == http.StatusUnauthorized {
		slog.Info("refreshing Graph API token after 401")
		token, refreshErr := g.token.ForceRefresh(ctx)
		if refreshErr != nil {
			return "", provider.Transient(providerName, 0, refreshErr)
		}
		id, err = g.doSendRequest(ctx, token, bodyJSON)
	}
	if err != nil {
		return "", err
	}

	if id == "" {
		id = msg.MessageID
	}
	return id, nil
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return providerName
}

func (g *GraphProvider) doSendRequest(ctx context.Context, token string, bodyJSON []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return "", provider.Permanent(providerName, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", provider.Transient(providerName, 0, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("request-id"), nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return "", classifyResponse(resp, body, g.now())
}

// classifyResponse turns a non-success response into a DeliveryError. A 401
// is transient so that a failed refresh is retried by the queue.
func classifyResponse(resp *http.Response, body []byte, now time.Time) *provider.DeliveryError {
	message := string(body)
	var errResp graphErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Code + ": " + errResp.Error.Message
	}
	cause := fmt.Errorf("Graph API error (HTTP %d): %s", resp.StatusCode, message)

	var de *provider.DeliveryError
	if resp.StatusCode == http.StatusUnauthorized {
		de = provider.Transient(providerName, resp.StatusCode, cause)
	} else {
		de = provider.FromStatus(providerName, resp.StatusCode, cause)
	}
	if !de.Permanent {
		de.RetryAfter = provider.ParseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return de
}
