// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/provider"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format. It is meant
// for development setups.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message. The returned id is the message's Message-ID
// when it has one, otherwise a generated id.
func (p *Provider) Send(_ context.Context, msg *email.Email) (string, error) {
	id := msg.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Message-ID: %s\n", id)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(msg.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			desc := fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content)))
			if att.Inline {
				desc += " inline"
			}
			attachments = append(attachments, desc)
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return "", provider.Transient(p.Name(), 0, fmt.Errorf("write message: %w", err))
	}
	return id, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
