package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/mailpipe/internal/address"
	"github.com/shineum/mailpipe/internal/breaker"
	"github.com/shineum/mailpipe/internal/parser"
	"github.com/shineum/mailpipe/internal/provider"
	"github.com/shineum/mailpipe/internal/queue"
	"github.com/shineum/mailpipe/internal/quota"
	"github.com/shineum/mailpipe/internal/ratelimit"
)

// RelayDeniedError rejects a recipient the submission may not relay to.
type RelayDeniedError struct {
	Recipient string
}

func (e *RelayDeniedError) Error() string {
	return fmt.Sprintf("relay denied for %s", e.Recipient)
}

// MessageTooLargeError rejects a message above the size cap.
type MessageTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("message size %d exceeds limit %d", e.Size, e.Limit)
}

// IsPermanent reports whether err must not be retried as is: malformed
// MIME, bad addresses, relay denial, oversized messages, quota exhaustion
// and permanent delivery errors.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var (
		malformed *parser.MalformedMimeError
		invalid   *address.InvalidAddressError
		relay     *RelayDeniedError
		tooLarge  *MessageTooLargeError
		overQuota *quota.ExceededError
	)
	switch {
	case errors.As(err, &malformed),
		errors.As(err, &invalid),
		errors.As(err, &relay),
		errors.As(err, &tooLarge),
		errors.As(err, &overQuota):
		return true
	}
	return provider.IsPermanent(err)
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var (
		limited *ratelimit.ExceededError
		open    *breaker.OpenError
		full    *queue.FullError
		de      *provider.DeliveryError
	)
	switch {
	case errors.As(err, &limited), errors.As(err, &open), errors.As(err, &full):
		return true
	case errors.As(err, &de):
		return !de.Permanent
	}
	return false
}

// IsBreakerFailure is the breaker failure filter for delivery calls.
// Permanent rejections prove the provider is reachable and do not count.
func IsBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !provider.IsPermanent(err)
}

// submissionResult names err for the submissions metric.
func submissionResult(err error) string {
	var (
		malformed *parser.MalformedMimeError
		invalid   *address.InvalidAddressError
		relay     *RelayDeniedError
		tooLarge  *MessageTooLargeError
		overQuota *quota.ExceededError
		limited   *ratelimit.ExceededError
	)
	switch {
	case err == nil:
		return "queued"
	case errors.As(err, &invalid):
		return "invalid_address"
	case errors.As(err, &relay):
		return "relay_denied"
	case errors.As(err, &tooLarge):
		return "too_large"
	case errors.As(err, &malformed):
		return "malformed"
	case errors.As(err, &overQuota):
		return "quota"
	case errors.As(err, &limited):
		return "rate_limited"
	default:
		return "error"
	}
}
