package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*GraphProvider, *atomic.Int32) {
	t.Helper()

	tokens, tokenCalls := tokenServer(t, "token", 3600)
	graphServer := httptest.NewServer(handler)
	t.Cleanup(graphServer.Close)

	p := newWithOverrides(
		GraphProviderConfig{Sender: "s@example.com", TenantID: "t", ClientID: "c", ClientSecret: "s"},
		graphServer.URL, tokens.URL, graphServer.Client(),
	)
	return p, tokenCalls
}

func writeGraphError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var resp graphErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	json.NewEncoder(w).Encode(resp)
}

var testMessage = &email.Email{
	To:       []string{"user@example.com"},
	Subject:  "Test",
	TextBody: "Body",
}

func TestBuildSendMailRequest_BasicEmail(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		From:     "sender@example.com",
		To:       []string{"alice@example.com", "bob@example.com"},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
	}

	req := buildSendMailRequest(msg, false)

	if req.Message.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Test Subject")
	}
	if req.Message.Body.ContentType != "text" || req.Message.Body.Content != "Hello, World!" {
		t.Errorf("Body: got %+v", req.Message.Body)
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if got := req.Message.ToRecipients[1].EmailAddress.Address; got != "bob@example.com" {
		t.Errorf("ToRecipients[1]: got %q, want %q", got, "bob@example.com")
	}
	if req.Message.CcRecipients != nil || req.Message.BccRecipients != nil || req.Message.Attachments != nil {
		t.Errorf("unexpected optional fields: %+v", req.Message)
	}
}

func TestBuildSendMailRequest_HTMLBodyAndBcc(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		To:        []string{"user@example.com"},
		Cc:        []string{"carol@example.com"},
		Bcc:       []string{"hidden@example.com"},
		Subject:   "HTML Email",
		TextBody:  "Plain text",
		HtmlBody:  "<p>HTML content</p>",
		MessageID: "<m1@example.com>",
	}

	req := buildSendMailRequest(msg, true)

	if req.Message.Body.ContentType != "html" || req.Message.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body: got %+v", req.Message.Body)
	}
	if len(req.Message.CcRecipients) != 1 || len(req.Message.BccRecipients) != 1 {
		t.Errorf("Cc/Bcc: got %d/%d, want 1/1", len(req.Message.CcRecipients), len(req.Message.BccRecipients))
	}
	if req.Message.InternetMessageID != "<m1@example.com>" {
		t.Errorf("InternetMessageID: got %q", req.Message.InternetMessageID)
	}
	if !req.SaveToSentItems {
		t.Error("SaveToSentItems: got false, want true")
	}
}

func TestBuildSendMailRequest_Attachments(t *testing.T) {
	t.Parallel()

	msg := &email.Email{
		To:       []string{"user@example.com"},
		HtmlBody: `<img src="cid:logo">`,
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("pdf-content")},
			{Filename: "logo.png", ContentType: "image/png", Content: []byte("png"), ContentID: "logo", Inline: true},
		},
	}

	req := buildSendMailRequest(msg, false)
	if len(req.Message.Attachments) != 2 {
		t.Fatalf("Attachments count: got %d, want 2", len(req.Message.Attachments))
	}

	att := req.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" || att.Name != "report.pdf" || att.IsInline {
		t.Errorf("attachment: got %+v", att)
	}
	if att.ContentBytes != "cGRmLWNvbnRlbnQ=" {
		t.Errorf("ContentBytes: got %q, want %q", att.ContentBytes, "cGRmLWNvbnRlbnQ=")
	}
	inline := req.Message.Attachments[1]
	if !inline.IsInline || inline.ContentID != "logo" {
		t.Errorf("inline attachment: got %+v", inline)
	}
}

func TestGraphProvider_Name(t *testing.T) {
	t.Parallel()

	var _ provider.Provider = (*GraphProvider)(nil)
	if got := (&GraphProvider{}).Name(); got != "msgraph" {
		t.Errorf("Name: got %q, want %q", got, "msgraph")
	}
}

func TestGraphProvider_SendSuccess(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Authorization header: got %q, want %q", got, "Bearer token-1")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", got, "application/json")
		}

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}

		w.Header().Set("request-id", "req-42")
		w.WriteHeader(http.StatusAccepted)
	})

	id, err := p.Send(context.Background(), testMessage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "req-42" {
		t.Errorf("id: got %q, want %q", id, "req-42")
	}
}

func TestGraphProvider_PermanentErrors(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound} {
		var calls atomic.Int32
		p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeGraphError(w, status, "ErrorInvalidRecipients", "Invalid recipient")
		})

		_, err := p.Send(context.Background(), testMessage)

		var de *provider.DeliveryError
		if !errors.As(err, &de) {
			t.Fatalf("status %d: got %v, want *provider.DeliveryError", status, err)
		}
		if !de.Permanent || de.StatusCode != status {
			t.Errorf("status %d: got %+v", status, de)
		}
		if calls.Load() != 1 {
			t.Errorf("status %d: graph call count: got %d, want 1", status, calls.Load())
		}
	}
}

func TestGraphProvider_ServerErrorIsSingleAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeGraphError(w, http.StatusServiceUnavailable, "ServiceUnavailable", "Try again")
	})

	_, err := p.Send(context.Background(), testMessage)
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if provider.IsPermanent(err) {
		t.Error("503 should be transient")
	}
	if calls.Load() != 1 {
		t.Errorf("graph call count: got %d, want 1", calls.Load())
	}
}

func TestGraphProvider_RefreshesTokenOn401(t *testing.T) {
	t.Parallel()

	var graphCalls atomic.Int32
	p, tokenCalls := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if graphCalls.Add(1) == 1 {
			writeGraphError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "Token expired")
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-2" {
			t.Errorf("Authorization after refresh: got %q, want %q", got, "Bearer token-2")
		}
		w.WriteHeader(http.StatusAccepted)
	})

	msg := &email.Email{To: []string{"user@example.com"}, TextBody: "Body", MessageID: "<m@example.com>"}
	id, err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("expected success after token refresh, got: %v", err)
	}
	if id != "<m@example.com>" {
		t.Errorf("id: got %q, want the Message-ID fallback", id)
	}
	if graphCalls.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCalls.Load())
	}
	if tokenCalls.Load() != 2 {
		t.Errorf("token call count: got %d, want 2", tokenCalls.Load())
	}
}

func TestGraphProvider_Repeated401IsTransient(t *testing.T) {
	t.Parallel()

	var graphCalls atomic.Int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		graphCalls.Add(1)
		writeGraphError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "Nope")
	})

	_, err := p.Send(context.Background(), testMessage)
	if err == nil || provider.IsPermanent(err) {
		t.Fatalf("got %v, want transient error", err)
	}
	if graphCalls.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCalls.Load())
	}
}

func TestGraphProvider_RateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		writeGraphError(w, http.StatusTooManyRequests, "TooManyRequests", "Rate limited")
	})

	_, err := p.Send(context.Background(), testMessage)

	var de *provider.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want *provider.DeliveryError", err)
	}
	if de.Permanent {
		t.Error("429 should be transient")
	}
	if de.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter: got %v, want 17s", de.RetryAfter)
	}
}

func TestGraphProvider_ContextCancellation(t *testing.T) {
	t.Parallel()

	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Send(ctx, testMessage)
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
	if provider.IsPermanent(err) {
		t.Error("cancellation should be transient")
	}
}

func TestClassifyResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{400, true},
		{401, false},
		{403, true},
		{429, false},
		{500, false},
		{502, false},
		{503, false},
	}

	now := time.Now()
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		de := classifyResponse(resp, []byte(`{"error":{"code":"X","message":"test message"}}`), now)
		if de.Permanent != tt.permanent {
			t.Errorf("status %d: permanent got %v, want %v", tt.status, de.Permanent, tt.permanent)
		}
		if want := fmt.Sprintf("Graph API error (HTTP %d): X: test message", tt.status); de.Err.Error() != want {
			t.Errorf("status %d: message got %q", tt.status, de.Err.Error())
		}
	}
}
