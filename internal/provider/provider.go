// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailpipe/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider makes a single delivery attempt; retries and backoff are
// driven by the queue.
type Provider interface {
	// Send delivers an email message through this provider and returns the
	// provider's message id.
	Send(ctx context.Context, msg *email.Email) (string, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// DeliveryError describes a failed delivery attempt.
type DeliveryError struct {
	Provider   string
	StatusCode int
	Permanent  bool

	// RetryAfter is the delay the provider asked for, zero if none.
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed (%s, status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Provider, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a delivery error that must not be retried.
func Permanent(provider string, status int, err error) *DeliveryError {
	return &DeliveryError{Provider: provider, StatusCode: status, Permanent: true, Err: err}
}

// Transient wraps err as a retryable delivery error.
func Transient(provider string, status int, err error) *DeliveryError {
	return &DeliveryError{Provider: provider, StatusCode: status, Err: err}
}

// FromStatus classifies an HTTP status: 408, 429 and 5xx are transient,
// any other 4xx is permanent.
func FromStatus(provider string, status int, err error) *DeliveryError {
	if IsRetryableStatus(status) {
		return Transient(provider, status, err)
	}
	return Permanent(provider, status, err)
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	case status >= 400:
		return false
	default:
		return true
	}
}

// IsPermanent reports whether err carries a permanent DeliveryError.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// RetryAfter returns the provider-requested delay carried by err.
func RetryAfter(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header value given in seconds or as
// an HTTP date. Invalid or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
