// Package ratelimit implements sliding-window admission control keyed by
// sender, recipient or a global identifier.
//
// A Rule bounds up to four dimensions within its window: message count,
// recipient count, the size of a single message and the cumulative size. A
// zero bound is unbounded. Checks and consumption happen in one critical
// section per key inside the Store, so two callers can never both take the
// last unit of budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/shineum/mailpipe/internal/metrics"
)

// Scope selects which identifier a limiter keys on.
type Scope string

const (
	ScopeSender    Scope = "sender"
	ScopeRecipient Scope = "recipient"
	ScopeGlobal    Scope = "global"
)

// globalID is the identifier shared by every global-scope request.
const globalID = "*"

// Key identifies one set of counters.
type Key struct {
	Scope Scope
	ID    string
}

func (k Key) String() string {
	return string(k.Scope) + ":" + k.ID
}

// Reason names the dimension that caused a denial.
type Reason string

const (
	ReasonCount       Reason = "COUNT_EXCEEDED"
	ReasonRecipients  Reason = "RECIPIENTS_EXCEEDED"
	ReasonMessageSize Reason = "MESSAGE_SIZE_EXCEEDED"
	ReasonTotalSize   Reason = "TOTAL_SIZE_EXCEEDED"
)

// Rule bounds usage within Window. Precision splits the window into buckets
// that expire one at a time; zero precision uses a single fixed bucket.
type Rule struct {
	Window    time.Duration
	Precision time.Duration

	MaxCount       int64
	MaxRecipients  int64
	MaxMessageSize int64
	MaxTotalSize   int64
}

// bucketSize returns the width of one counter bucket.
func (r Rule) bucketSize() time.Duration {
	if r.Precision <= 0 || r.Precision >= r.Window {
		return r.Window
	}
	return r.Precision
}

// buckets returns how many buckets make up the window.
func (r Rule) buckets() int64 {
	size := r.bucketSize()
	return int64((r.Window + size - 1) / size)
}

// Validate checks that the rule has a positive window.
func (r Rule) Validate() error {
	if r.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", r.Window)
	}
	if r.MaxCount < 0 || r.MaxRecipients < 0 || r.MaxMessageSize < 0 || r.MaxTotalSize < 0 {
		return fmt.Errorf("rate limit bounds must not be negative")
	}
	return nil
}

// Increment is the usage a single request would consume.
type Increment struct {
	Count      int64
	Recipients int64
	Size       int64
}

// Decision is the outcome of a check. For denials Limit is the exceeded
// bound, Current the usage before this request, and ResetAt the earliest
// time budget becomes available again.
type Decision struct {
	Allowed bool
	Reason  Reason
	Limit   int64
	Current int64
	ResetAt time.Time
}

// Usage is the read-only view of one rule's counters.
type Usage struct {
	Rule       Rule
	Count      int64
	Recipients int64
	TotalSize  int64
	ResetAt    time.Time
}

// ExceededError reports a denial. It is transient: callers should retry
// after ResetAt.
type ExceededError struct {
	Key      Key
	Decision Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %s (limit %d, current %d, resets at %s)",
		e.Key, e.Decision.Reason, e.Decision.Limit, e.Decision.Current,
		e.Decision.ResetAt.UTC().Format(time.RFC3339))
}

// ResetAt returns when the denied budget frees up.
func (e *ExceededError) ResetAt() time.Time {
	return e.Decision.ResetAt
}

// Store keeps counters. Implementations must make CheckAndConsume atomic per
// key and must not mutate counters in Check or Usage.
type Store interface {
	CheckAndConsume(ctx context.Context, key string, rules []Rule, inc Increment, now time.Time) (Decision, error)
	Check(ctx context.Context, key string, rules []Rule, inc Increment, now time.Time) (Decision, error)
	Usage(ctx context.Context, key string, rules []Rule, now time.Time) ([]Usage, error)
	Reset(ctx context.Context, key string) error
}

// evaluate applies rule to the current totals. Dimensions are checked in
// the order count, recipients, message size, total size.
func evaluate(rule Rule, cur Usage, inc Increment) (Decision, bool) {
	switch {
	case rule.MaxCount > 0 && cur.Count+inc.Count > rule.MaxCount:
		return Decision{Reason: ReasonCount, Limit: rule.MaxCount, Current: cur.Count, ResetAt: cur.ResetAt}, false
	case rule.MaxRecipients > 0 && cur.Recipients+inc.Recipients > rule.MaxRecipients:
		return Decision{Reason: ReasonRecipients, Limit: rule.MaxRecipients, Current: cur.Recipients, ResetAt: cur.ResetAt}, false
	case rule.MaxMessageSize > 0 && inc.Size > rule.MaxMessageSize:
		return Decision{Reason: ReasonMessageSize, Limit: rule.MaxMessageSize, Current: inc.Size, ResetAt: cur.ResetAt}, false
	case rule.MaxTotalSize > 0 && cur.TotalSize+inc.Size > rule.MaxTotalSize:
		return Decision{Reason: ReasonTotalSize, Limit: rule.MaxTotalSize, Current: cur.TotalSize, ResetAt: cur.ResetAt}, false
	}
	return Decision{Allowed: true, ResetAt: cur.ResetAt}, true
}

// Limiter applies a fixed rule set to keys of one scope.
type Limiter struct {
	scope Scope
	rules []Rule
	store Store
	now   func() time.Time

	// fixedID replaces every identifier for the global scope.
	fixedID string
	// ignoreRecipients drops the recipients dimension.
	ignoreRecipients bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a generic limiter for scope.
func New(scope Scope, store Store, rules []Rule, opts ...Option) (*Limiter, error) {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	l := &Limiter{
		scope: scope,
		rules: append([]Rule(nil), rules...),
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewSenderLimiter keys on the sender address and bounds recipients per sender.
func NewSenderLimiter(store Store, rules []Rule, opts ...Option) (*Limiter, error) {
	return New(ScopeSender, store, rules, opts...)
}

// NewRecipientLimiter keys on the recipient address. The recipients
// dimension does not apply and is dropped from the rules.
func NewRecipientLimiter(store Store, rules []Rule, opts ...Option) (*Limiter, error) {
	stripped := make([]Rule, len(rules))
	for i, r := range rules {
		r.MaxRecipients = 0
		stripped[i] = r
	}
	l, err := New(ScopeRecipient, store, stripped, opts...)
	if err != nil {
		return nil, err
	}
	l.ignoreRecipients = true
	return l, nil
}

// NewGlobalLimiter sums usage across all senders under one constant key.
func NewGlobalLimiter(store Store, rules []Rule, opts ...Option) (*Limiter, error) {
	l, err := New(ScopeGlobal, store, rules, opts...)
	if err != nil {
		return nil, err
	}
	l.fixedID = globalID
	return l, nil
}

// Scope returns the scope the limiter keys on.
func (l *Limiter) Scope() Scope { return l.scope }

func (l *Limiter) key(id string) Key {
	if l.fixedID != "" {
		id = l.fixedID
	}
	return Key{Scope: l.scope, ID: id}
}

func (l *Limiter) increment(inc Increment) Increment {
	if l.ignoreRecipients {
		inc.Recipients = 0
	}
	return inc
}

// CheckAndConsume atomically checks every rule and, when all allow,
// consumes inc. A denial returns *ExceededError and consumes nothing.
func (l *Limiter) CheckAndConsume(ctx context.Context, id string, inc Increment) (Decision, error) {
	if len(l.rules) == 0 {
		return Decision{Allowed: true}, nil
	}
	key := l.key(id)
	d, err := l.store.CheckAndConsume(ctx, key.String(), l.rules, l.increment(inc), l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("failed to consume rate limit for %s: %w", key, err)
	}
	return l.result(key, d)
}

// Check reports whether inc would be allowed without consuming anything.
func (l *Limiter) Check(ctx context.Context, id string, inc Increment) (Decision, error) {
	if len(l.rules) == 0 {
		return Decision{Allowed: true}, nil
	}
	key := l.key(id)
	d, err := l.store.Check(ctx, key.String(), l.rules, l.increment(inc), l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check rate limit for %s: %w", key, err)
	}
	return l.result(key, d)
}

func (l *Limiter) result(key Key, d Decision) (Decision, error) {
	if d.Allowed {
		return d, nil
	}
	metrics.IncRateLimitDenied(string(l.scope), string(d.Reason))
	return d, &ExceededError{Key: key, Decision: d}
}

// Usage returns the current usage per rule without mutating counters.
func (l *Limiter) Usage(ctx context.Context, id string) ([]Usage, error) {
	key := l.key(id)
	u, err := l.store.Usage(ctx, key.String(), l.rules, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit usage for %s: %w", key, err)
	}
	return u, nil
}

// Reset clears all counters for id.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	key := l.key(id)
	if err := l.store.Reset(ctx, key.String()); err != nil {
		return fmt.Errorf("failed to reset rate limit for %s: %w", key, err)
	}
	return nil
}
