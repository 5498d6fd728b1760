// Package quota tracks per-root byte and message counts against limits with
// atomic check-and-reserve semantics.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shineum/mailpipe/internal/metrics"
)

// Unlimited marks a limit that never rejects. Zero is a real limit.
const Unlimited int64 = -1

// DefaultWarnThreshold is the usage percentage at which ShouldWarn fires.
const DefaultWarnThreshold = 80.0

// Kind names the exceeded dimension.
type Kind string

const (
	KindBytes Kind = "bytes"
	KindCount Kind = "count"
)

// Root identifies an accounting unit.
type Root struct {
	User   string `json:"user"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// String returns the storage key of the root.
func (r Root) String() string {
	s := r.User
	if r.Domain != "" {
		s += "@" + r.Domain
	}
	if r.Path != "" {
		s += "/" + r.Path
	}
	return s
}

// Limits bounds a root. Either field may be Unlimited.
type Limits struct {
	MaxBytes int64 `json:"max_bytes"`
	MaxCount int64 `json:"max_count"`
}

// UnlimitedLimits never rejects.
var UnlimitedLimits = Limits{MaxBytes: Unlimited, MaxCount: Unlimited}

// Usage is the amount consumed by a root.
type Usage struct {
	Bytes int64 `json:"bytes"`
	Count int64 `json:"count"`
}

// ExceededError reports a reservation that does not fit. Nothing was applied.
type ExceededError struct {
	Root  Root
	Kind  Kind
	Used  int64
	Limit int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %s used %d of %d", e.Root, e.Kind, e.Used, e.Limit)
}

// Store persists usage across restarts.
type Store interface {
	SaveUsage(ctx context.Context, root Root, usage Usage) error
	LoadUsage(ctx context.Context) (map[Root]Usage, error)
}

type account struct {
	mu     sync.Mutex
	usage  Usage
	limits Limits
}

// Tracker accounts usage per root. Each root has its own critical section.
type Tracker struct {
	mu       sync.Mutex
	accounts map[Root]*account
	defaults Limits
	store    Store
}

// NewTracker creates a tracker. Roots without explicit limits use defaults.
// store may be nil.
func NewTracker(defaults Limits, store Store) *Tracker {
	return &Tracker{
		accounts: make(map[Root]*account),
		defaults: defaults,
		store:    store,
	}
}

func (t *Tracker) account(root Root) *account {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.accounts[root]
	if !ok {
		a = &account{limits: t.defaults}
		t.accounts[root] = a
	}
	return a
}

// CheckAndReserve adds deltaBytes and deltaCount to root if both fit under
// its limits. On rejection usage is left unchanged.
func (t *Tracker) CheckAndReserve(ctx context.Context, root Root, deltaBytes, deltaCount int64) error {
	if deltaBytes < 0 || deltaCount < 0 {
		return fmt.Errorf("quota reservation must not be negative")
	}

	a := t.account(root)
	a.mu.Lock()
	if lim := a.limits.MaxBytes; lim != Unlimited && a.usage.Bytes+deltaBytes > lim {
		used := a.usage.Bytes
		a.mu.Unlock()
		metrics.IncQuotaRejected(string(KindBytes))
		return &ExceededError{Root: root, Kind: KindBytes, Used: used, Limit: lim}
	}
	if lim := a.limits.MaxCount; lim != Unlimited && a.usage.Count+deltaCount > lim {
		used := a.usage.Count
		a.mu.Unlock()
		metrics.IncQuotaRejected(string(KindCount))
		return &ExceededError{Root: root, Kind: KindCount, Used: used, Limit: lim}
	}
	a.usage.Bytes += deltaBytes
	a.usage.Count += deltaCount
	t.persist(ctx, root, a.usage)
	a.mu.Unlock()
	return nil
}

// Release returns bytes and count to root. Usage never drops below zero.
func (t *Tracker) Release(ctx context.Context, root Root, bytes, count int64) {
	a := t.account(root)
	a.mu.Lock()
	a.usage.Bytes = max(a.usage.Bytes-bytes, 0)
	a.usage.Count = max(a.usage.Count-count, 0)
	t.persist(ctx, root, a.usage)
	a.mu.Unlock()
}

// SetLimits overrides the limits of root.
func (t *Tracker) SetLimits(root Root, limits Limits) {
	a := t.account(root)
	a.mu.Lock()
	a.limits = limits
	a.mu.Unlock()
}

// Usage returns the current usage and limits of root.
func (t *Tracker) Usage(root Root) (Usage, Limits) {
	a := t.account(root)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage, a.limits
}

// Restore loads persisted usage, replacing in-memory values.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	loaded, err := t.store.LoadUsage(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore quota usage: %w", err)
	}
	for root, usage := range loaded {
		a := t.account(root)
		a.mu.Lock()
		a.usage = Usage{Bytes: max(usage.Bytes, 0), Count: max(usage.Count, 0)}
		a.mu.Unlock()
	}
	slog.Info("quota usage restored", "roots", len(loaded))
	return nil
}

// persist runs under the account lock so writes for one root stay ordered.
// Failures are logged; the in-memory value stays authoritative.
func (t *Tracker) persist(ctx context.Context, root Root, usage Usage) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveUsage(ctx, root, usage); err != nil {
		slog.Error("failed to persist quota usage", "root", root.String(), "error", err)
	}
}

// Percentage returns used as a percentage of limit. Unlimited and zero
// limits report 0 and 100 (when anything is used) respectively.
func Percentage(used, limit int64) float64 {
	switch {
	case limit == Unlimited:
		return 0
	case limit == 0:
		if used > 0 {
			return 100
		}
		return 0
	}
	return float64(used) / float64(limit) * 100
}

// ShouldWarn reports whether usage reached threshold percent of limit. A
// non-positive threshold means DefaultWarnThreshold.
func ShouldWarn(used, limit int64, threshold float64) bool {
	if limit == Unlimited {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultWarnThreshold
	}
	return Percentage(used, limit) >= threshold
}
