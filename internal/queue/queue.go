// Package queue implements a priority-ordered retry queue.
//
// Items move pending -> processing on Dequeue, then either leave the queue
// (Complete), return as retrying with a later AvailableAt (Fail, Defer), or
// stop as failed once their retry budget is spent. Failed items are kept
// for operator inspection. Dequeue never blocks; callers poll.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default retry settings.
var (
	DefaultRetryDelays = []time.Duration{
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		30 * time.Minute,
		time.Hour,
	}
	DefaultMaxDelay = 4 * time.Hour
)

const DefaultMaxRetries = 5

// Store persists items across restarts.
type Store interface {
	SaveItem(ctx context.Context, item Item) error
	DeleteItem(ctx context.Context, id string) error
	LoadItems(ctx context.Context) ([]Item, error)
}

// Options configures a Queue.
type Options struct {
	// MaxSize bounds live (non-failed) items. Zero is unbounded.
	MaxSize           int
	DefaultMaxRetries int
	RetryDelays       []time.Duration
	MaxDelay          time.Duration
	Clock             func() time.Time
	Store             Store
}

// EnqueueOptions are per-item settings. A zero ScheduledAt means now and a
// zero MaxRetries means the queue default.
type EnqueueOptions struct {
	Priority    Priority
	ScheduledAt time.Time
	MaxRetries  int
}

// Stats counts items per status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Failed     int `json:"failed"`
}

// Live returns the number of items that still count against MaxSize.
func (s Stats) Live() int {
	return s.Pending + s.Processing + s.Retrying
}

type record struct {
	item Item
	gen  uint64
	seq  uint64
}

// Queue is safe for concurrent use by any number of workers.
type Queue struct {
	mu      sync.Mutex
	records map[string]*record
	waiting waitHeap
	ready   readyHeap
	seq     uint64
	live    int

	maxSize    int
	maxRetries int
	delays     []time.Duration
	maxDelay   time.Duration
	now        func() time.Time
	store      Store
}

// New creates a queue.
func New(opts Options) (*Queue, error) {
	delays := opts.RetryDelays
	if delays == nil {
		delays = DefaultRetryDelays
	}
	maxDelay := opts.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}
	if err := validateDelays(delays, maxDelay); err != nil {
		return nil, err
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("queue max size must not be negative")
	}

	q := &Queue{
		records:    make(map[string]*record),
		maxSize:    opts.MaxSize,
		maxRetries: opts.DefaultMaxRetries,
		delays:     slices.Clone(delays),
		maxDelay:   maxDelay,
		now:        opts.Clock,
		store:      opts.Store,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q, nil
}

// Enqueue adds payload and returns its id.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && q.live >= q.maxSize {
		return "", &FullError{MaxSize: q.maxSize}
	}

	now := q.now()
	availableAt := opts.ScheduledAt
	if availableAt.IsZero() || availableAt.Before(now) {
		availableAt = now
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	item := Item{
		ID:          uuid.NewString(),
		Payload:     slices.Clone(payload),
		Priority:    opts.Priority,
		Status:      StatusPending,
		CreatedAt:   now,
		AvailableAt: availableAt,
		MaxRetries:  maxRetries,
	}
	if q.store != nil {
		if err := q.store.SaveItem(ctx, item); err != nil {
			return "", fmt.Errorf("failed to persist queue item: %w", err)
		}
	}

	q.seq++
	r := &record{item: item, seq: q.seq}
	q.records[item.ID] = r
	q.live++
	q.schedule(r)

	return item.ID, nil
}

// Dequeue returns the highest-priority eligible item and marks it
// processing, or nil when nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote(q.now())

	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(entry)
		r, ok := q.records[e.id]
		if !ok || r.gen != e.gen {
			continue
		}
		r.gen++
		r.item.Status = StatusProcessing
		q.persist(ctx, r.item)

		item := r.item
		return &item, nil
	}
	return nil, nil
}

// Complete removes a processing item.
func (q *Queue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.processing(id)
	if err != nil {
		return err
	}
	q.delete(ctx, r)
	return nil
}

// Fail records a failed attempt. The item is rescheduled per the retry
// table, or marked failed once RetryCount reaches MaxRetries. It returns
// the resulting status.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (Status, error) {
	return q.FailNotBefore(ctx, id, cause, time.Time{})
}

// FailNotBefore is Fail with a lower bound on the next attempt, for
// collaborators that name their own retry time.
func (q *Queue) FailNotBefore(ctx context.Context, id string, cause error, notBefore time.Time) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.processing(id)
	if err != nil {
		return "", err
	}

	now := q.now()
	r.item.RetryCount++
	r.item.LastError = errString(cause)
	if r.item.RetryCount >= r.item.MaxRetries {
		q.markFailed(ctx, r)
		return StatusFailed, nil
	}

	r.item.Status = StatusRetrying
	next := NextAvailableAt(now, r.item.RetryCount, q.delays, q.maxDelay)
	if notBefore.After(next) {
		next = notBefore
	}
	r.item.AvailableAt = next
	q.persist(ctx, r.item)
	q.schedule(r)
	return StatusRetrying, nil
}

// FailPermanent marks a processing item failed without further retries.
func (q *Queue) FailPermanent(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.processing(id)
	if err != nil {
		return err
	}
	r.item.LastError = errString(cause)
	q.markFailed(ctx, r)
	return nil
}

// Defer reschedules a processing item for until without consuming a retry.
func (q *Queue) Defer(ctx context.Context, id string, until time.Time, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.processing(id)
	if err != nil {
		return err
	}

	now := q.now()
	if until.Before(now) {
		until = now
	}
	r.item.Status = StatusRetrying
	r.item.AvailableAt = until
	if cause != nil {
		r.item.LastError = cause.Error()
	}
	q.persist(ctx, r.item)
	q.schedule(r)
	return nil
}

// Requeue resets a failed or stuck processing item to pending with a fresh
// retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok {
		return fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}
	switch r.item.Status {
	case StatusFailed:
		if q.maxSize > 0 && q.live >= q.maxSize {
			return &FullError{MaxSize: q.maxSize}
		}
		q.live++
	case StatusProcessing:
	default:
		return fmt.Errorf("requeue %s in status %s: %w", id, r.item.Status, ErrInvalidState)
	}

	r.gen++
	r.item.Status = StatusPending
	r.item.RetryCount = 0
	r.item.AvailableAt = q.now()
	q.persist(ctx, r.item)
	q.schedule(r)
	return nil
}

// Remove deletes an item that is not being processed.
func (q *Queue) Remove(ctx context.Context, id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok {
		return Item{}, fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	if r.item.Status == StatusProcessing {
		return Item{}, fmt.Errorf("remove %s while processing: %w", id, ErrInvalidState)
	}
	item := r.item
	q.delete(ctx, r)
	return item, nil
}

// Get returns a copy of an item.
func (q *Queue) Get(id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok {
		return Item{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return r.item, nil
}

// List returns items in the given status, oldest first. An empty status
// lists everything.
func (q *Queue) List(status Status) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Item
	for _, r := range q.records {
		if status == "" || r.item.Status == status {
			out = append(out, r.item)
		}
	}
	slices.SortFunc(out, func(a, b Item) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Stats counts items per status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, r := range q.records {
		switch r.item.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusRetrying:
			s.Retrying++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Restore loads persisted items. Processing items are left as they are;
// Requeue recovers them.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	items, err := q.store.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}
	slices.SortFunc(items, func(a, b Item) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	stuck := 0
	for _, item := range items {
		if _, exists := q.records[item.ID]; exists {
			continue
		}
		q.seq++
		r := &record{item: item, seq: q.seq}
		q.records[item.ID] = r

		switch item.Status {
		case StatusPending, StatusRetrying:
			q.live++
			q.schedule(r)
		case StatusProcessing:
			q.live++
			stuck++
		}
	}

	if stuck > 0 {
		slog.Warn("restored queue items left in processing", "count", stuck)
	}
	slog.Info("queue restored", "items", len(items))
	return nil
}

// schedule pushes a fresh heap entry for r.
func (q *Queue) schedule(r *record) {
	r.gen++
	heap.Push(&q.waiting, entry{
		id:          r.item.ID,
		gen:         r.gen,
		priority:    r.item.Priority,
		availableAt: r.item.AvailableAt,
		seq:         r.seq,
	})
}

// promote moves due entries from the waiting heap to the ready heap.
// Retrying items become pending again.
func (q *Queue) promote(now time.Time) {
	for q.waiting.Len() > 0 && !q.waiting[0].availableAt.After(now) {
		e := heap.Pop(&q.waiting).(entry)
		r, ok := q.records[e.id]
		if !ok || r.gen != e.gen {
			continue
		}
		if r.item.Status == StatusRetrying {
			r.item.Status = StatusPending
		}
		heap.Push(&q.ready, e)
	}
}

func (q *Queue) processing(id string) (*record, error) {
	r, ok := q.records[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if r.item.Status != StatusProcessing {
		return nil, fmt.Errorf("item %s in status %s: %w", id, r.item.Status, ErrInvalidState)
	}
	return r, nil
}

func (q *Queue) markFailed(ctx context.Context, r *record) {
	r.gen++
	r.item.Status = StatusFailed
	q.live--
	q.persist(ctx, r.item)
	slog.Warn("queue item failed permanently",
		"id", r.item.ID,
		"retry_count", r.item.RetryCount,
		"error", r.item.LastError,
	)
}

func (q *Queue) delete(ctx context.Context, r *record) {
	if r.item.Status != StatusFailed {
		q.live--
	}
	delete(q.records, r.item.ID)
	if q.store != nil {
		if err := q.store.DeleteItem(ctx, r.item.ID); err != nil {
			slog.Error("failed to delete persisted queue item", "id", r.item.ID, "error", err)
		}
	}
}

func (q *Queue) persist(ctx context.Context, item Item) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveItem(ctx, item); err != nil {
		slog.Error("failed to persist queue item", "id", item.ID, "status", item.Status, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
