package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority levels for items. Higher values are dequeued first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "low", "normal", "high" or "urgent". Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the lifecycle state of an item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// ParseStatus parses a status name. Empty means any status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Item is one unit of queued work.
type Item struct {
	ID          string    `json:"id"`
	Payload     []byte    `json:"payload"`
	Priority    Priority  `json:"priority"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	AvailableAt time.Time `json:"available_at"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	LastError   string    `json:"last_error,omitempty"`
}

var (
	// ErrNotFound is returned for unknown item ids.
	ErrNotFound = errors.New("queue item not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// item's current status.
	ErrInvalidState = errors.New("invalid queue item state")
)

// FullError is returned by Enqueue when the queue holds MaxSize live items.
type FullError struct {
	MaxSize int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("queue full: %d items", e.MaxSize)
}

// NextAvailableAt returns when an item that has failed retryCount times
// becomes eligible again. Retries beyond the table reuse its last delay, and
// no delay exceeds maxDelay when maxDelay is positive.
func NextAvailableAt(now time.Time, retryCount int, delays []time.Duration, maxDelay time.Duration) time.Time {
	if len(delays) == 0 || retryCount <= 0 {
		return now
	}
	i := min(retryCount, len(delays)) - 1
	d := delays[i]
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return now.Add(d)
}

// validateDelays checks that delays are non-negative, non-decreasing and
// within maxDelay.
func validateDelays(delays []time.Duration, maxDelay time.Duration) error {
	for i, d := range delays {
		if d < 0 {
			return fmt.Errorf("retry delay %d is negative", i)
		}
		if i > 0 && d < delays[i-1] {
			return fmt.Errorf("retry delays must be non-decreasing: %s after %s", d, delays[i-1])
		}
		if maxDelay > 0 && d > maxDelay {
			return fmt.Errorf("retry delay %s exceeds maximum %s", d, maxDelay)
		}
	}
	return nil
}
