// Package gmail implements a Provider that sends emails through the Gmail
// API (users.messages.send).
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/provider"
)

const providerName = "gmail"

// me addresses the authenticated (or impersonated) mailbox.
const me = "me"

// GmailProviderConfig holds the configuration for creating a GmailProvider.
type GmailProviderConfig struct {
	// CredentialsFile is a service account key or an OAuth client secret
	// downloaded from the Google Cloud console.
	CredentialsFile string

	// TokenFile holds a saved OAuth token. Required with client secrets.
	TokenFile string

	// Subject is the mailbox a service account impersonates through
	// domain-wide delegation.
	Subject string

	// Sender is the From address used when the message is rebuilt.
	Sender string
}

// MessageSender sends one raw message. Used for testing with fakes.
type MessageSender interface {
	Send(ctx context.Context, userID string, msg *gmailapi.Message) (*gmailapi.Message, error)
}

type serviceSender struct {
	svc *gmailapi.Service
}

func (s serviceSender) Send(ctx context.Context, userID string, msg *gmailapi.Message) (*gmailapi.Message, error) {
	return s.svc.Users.Messages.Send(userID, msg).Context(ctx).Do()
}

// GmailProvider delivers through the Gmail API.
type GmailProvider struct {
	sender string
	client MessageSender
	now    func() time.Time
}

// New creates a GmailProvider from the credentials in cfg.
func New(ctx context.Context, cfg GmailProviderConfig) (*GmailProvider, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	httpClient, err := httpClientFromJSON(ctx, b, cfg)
	if err != nil {
		return nil, err
	}

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return NewWithClient(cfg.Sender, serviceSender{svc: svc}), nil
}

// NewWithClient creates a GmailProvider with a custom client, used for testing.
func NewWithClient(sender string, client MessageSender) *GmailProvider {
	return &GmailProvider{sender: sender, client: client, now: time.Now}
}

func httpClientFromJSON(ctx context.Context, b []byte, cfg GmailProviderConfig) (*http.Client, error) {
	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &kind); err != nil {
		return nil, fmt.Errorf("unable to parse credentials file: %w", err)
	}

	if kind.Type == "service_account" {
		jwtConfig, err := google.JWTConfigFromJSON(b, gmailapi.GmailSendScope)
		if err != nil {
			return nil, fmt.Errorf("unable to parse service account key: %w", err)
		}
		jwtConfig.Subject = cfg.Subject
		return jwtConfig.Client(ctx), nil
	}

	oauthConfig, err := google.ConfigFromJSON(b, gmailapi.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	tok, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read token file: %w", err)
	}
	return oauthConfig.Client(ctx, tok), nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// Send submits the message and returns the Gmail message id. The original
// raw message is sent when available, with any envelope-only recipients
// added as a Bcc header so Gmail delivers to them.
func (g *GmailProvider) Send(ctx context.Context, msg *email.Email) (string, error) {
	raw, err := g.rawMessage(msg)
	if err != nil {
		return "", provider.Permanent(providerName, 0, err)
	}

	out, err := g.client.Send(ctx, me, &gmailapi.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	})
	if err != nil {
		derr := classify(err, g.now())
		slog.Warn("Gmail API error",
			"error", err,
			"permanent", derr.Permanent,
		)
		return "", derr
	}
	return out.Id, nil
}

// Name returns the provider name.
func (g *GmailProvider) Name() string {
	return providerName
}

func (g *GmailProvider) rawMessage(msg *email.Email) ([]byte, error) {
	if len(msg.Raw) == 0 {
		raw, err := provider.BuildMIME(g.sender, msg, true)
		if err != nil {
			return nil, fmt.Errorf("build raw message: %w", err)
		}
		return raw, nil
	}
	if len(msg.Bcc) == 0 {
		return msg.Raw, nil
	}

	var buf bytes.Buffer
	buf.Grow(len(msg.Raw) + 64)
	fmt.Fprintf(&buf, "Bcc: %s\r\n", strings.Join(msg.Bcc, ", "))
	buf.Write(msg.Raw)
	return buf.Bytes(), nil
}

// classify maps a Gmail API error onto a DeliveryError. Token failures are
// transient; HTTP errors follow the status code, with 401 transient.
func classify(err error, now time.Time) *provider.DeliveryError {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		var de *provider.DeliveryError
		if gerr.Code == http.StatusUnauthorized {
			de = provider.Transient(providerName, gerr.Code, err)
		} else {
			de = provider.FromStatus(providerName, gerr.Code, err)
		}
		if !de.Permanent && gerr.Header != nil {
			de.RetryAfter = provider.ParseRetryAfter(gerr.Header.Get("Retry-After"), now)
		}
		return de
	}
	return provider.Transient(providerName, 0, err)
}
