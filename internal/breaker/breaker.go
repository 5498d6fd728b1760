// Package breaker implements a circuit breaker for calls to delivery
// providers.
//
// A closed breaker passes calls through and counts consecutive failures.
// At FailureThreshold it opens and rejects calls with *OpenError until
// Timeout has elapsed, then lets trial calls through in half-open. Any
// half-open failure reopens it; SuccessThreshold consecutive successes close
// it. Outcomes of calls started under an earlier state are ignored.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/mailpipe/internal/metrics"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults applied to zero Settings fields.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 60 * time.Second
	DefaultResetTimeout     = 2 * time.Minute
)

// Settings configures a Breaker.
type Settings struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long the breaker stays open before allowing trials.
	Timeout time.Duration
	// ResetTimeout clears closed-state failures after this long without a
	// new failure.
	ResetTimeout time.Duration

	// IsFailure decides whether an error counts against the breaker. The
	// default counts every non-nil error except context cancellation.
	IsFailure func(error) bool
	Clock     func() time.Time

	// OnStateChange runs with the breaker locked and must not call back
	// into it.
	OnStateChange func(name string, from, to State)
}

// Counts is a snapshot of the rolling counters.
type Counts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailure          time.Time
}

// OpenError is returned without calling the operation while the breaker
// is open. It is transient.
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open until %s", e.Name, e.RetryAt.UTC().Format(time.RFC3339))
}

// Breaker is safe for concurrent use.
type Breaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	changedAt  time.Time
	counts     Counts
}

// New creates a closed breaker.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.IsFailure == nil {
		s.IsFailure = defaultIsFailure
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}

	b := &Breaker{settings: s, changedAt: s.Clock()}
	metrics.SetBreakerState(s.Name, float64(StateClosed))
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.settings.Name }

// Execute runs fn unless the breaker is open. The error from fn is
// returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.after(gen, err)
	return err
}

// State returns the current state, applying a due open -> half-open move.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.settings.Clock())
	return b.state
}

// Counts returns the current counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.settings.Clock())
	return b.counts
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, b.settings.Clock())
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Clock()
	b.refresh(now)
	if b.state == StateOpen {
		return 0, &OpenError{Name: b.settings.Name, RetryAt: b.changedAt.Add(b.settings.Timeout)}
	}
	return b.generation, nil
}

func (b *Breaker) after(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Clock()
	b.refresh(now)
	if gen != b.generation {
		return
	}

	if b.settings.IsFailure(err) {
		b.onFailure(now)
		return
	}
	b.onSuccess(now)
}

func (b *Breaker) onSuccess(now time.Time) {
	b.counts.ConsecutiveFailures = 0
	if b.state != StateHalfOpen {
		return
	}
	b.counts.ConsecutiveSuccesses++
	if b.counts.ConsecutiveSuccesses >= b.settings.SuccessThreshold {
		b.setState(StateClosed, now)
	}
}

func (b *Breaker) onFailure(now time.Time) {
	b.counts.ConsecutiveSuccesses = 0
	b.counts.LastFailure = now
	switch b.state {
	case StateHalfOpen:
		b.setState(StateOpen, now)
	case StateClosed:
		b.counts.ConsecutiveFailures++
		if b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
			b.setState(StateOpen, now)
		}
	}
}

// refresh applies time-based transitions. Callers hold mu.
func (b *Breaker) refresh(now time.Time) {
	switch b.state {
	case StateOpen:
		if now.Sub(b.changedAt) >= b.settings.Timeout {
			b.setState(StateHalfOpen, now)
		}
	case StateClosed:
		if b.counts.ConsecutiveFailures > 0 && now.Sub(b.counts.LastFailure) >= b.settings.ResetTimeout {
			b.counts.ConsecutiveFailures = 0
		}
	}
}

// setState starts a new generation. Callers hold mu.
func (b *Breaker) setState(to State, now time.Time) {
	from := b.state
	b.state = to
	b.generation++
	b.changedAt = now
	b.counts.ConsecutiveFailures = 0
	b.counts.ConsecutiveSuccesses = 0

	if from == to {
		return
	}
	metrics.SetBreakerState(b.settings.Name, float64(to))
	slog.Info("circuit breaker state changed",
		"name", b.settings.Name,
		"from", from.String(),
		"to", to.String(),
	)
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}
