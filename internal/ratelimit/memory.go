package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Counters live in fixed-width
// buckets per distinct (window, bucket size) pair so rules that share a
// window share counters.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type windowID struct {
	window time.Duration
	bucket time.Duration
}

type counters struct {
	count      int64
	recipients int64
	size       int64
}

type memEntry struct {
	mu sync.Mutex
	// removed is set by Sweep; a caller holding a stale pointer retries.
	removed bool
	windows map[windowID]map[int64]*counters
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// lock returns the entry for key, creating it, with its mutex held.
func (s *MemoryStore) lock(key string) *memEntry {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			e = &memEntry{windows: make(map[windowID]map[int64]*counters)}
			s.entries[key] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// peek returns the entry for key with its mutex held, or nil.
func (s *MemoryStore) peek(key string) *memEntry {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	return e
}

// CheckAndConsume implements Store.
func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, rules []Rule, inc Increment, now time.Time) (Decision, error) {
	e := s.lock(key)
	defer e.mu.Unlock()

	d, idx := e.check(rules, inc, now, true)
	if !d.Allowed {
		return d, nil
	}
	// Rules sharing a window share counters and are charged once.
	charged := make(map[windowID]bool, len(rules))
	for i, rule := range rules {
		id := windowID{rule.Window, rule.bucketSize()}
		if charged[id] {
			continue
		}
		charged[id] = true
		e.consume(id, idx[i], inc)
	}
	return d, nil
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key string, rules []Rule, inc Increment, now time.Time) (Decision, error) {
	e := s.peek(key)
	if e == nil {
		e = &memEntry{}
	} else {
		defer e.mu.Unlock()
	}
	d, _ := e.check(rules, inc, now, false)
	return d, nil
}

// Usage implements Store.
func (s *MemoryStore) Usage(_ context.Context, key string, rules []Rule, now time.Time) ([]Usage, error) {
	e := s.peek(key)
	if e == nil {
		e = &memEntry{}
	} else {
		defer e.mu.Unlock()
	}
	out := make([]Usage, 0, len(rules))
	for _, rule := range rules {
		u, _ := e.usage(rule, now, false)
		out = append(out, u)
	}
	return out, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	return nil
}

// Sweep drops expired buckets and removes keys with no live counters. It
// returns the number of keys removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		for id, buckets := range e.windows {
			oldest := now.UnixNano()/int64(id.bucket) - int64((id.window+id.bucket-1)/id.bucket) + 1
			for b := range buckets {
				if b < oldest {
					delete(buckets, b)
				}
			}
			if len(buckets) == 0 {
				delete(e.windows, id)
			}
		}
		if len(e.windows) == 0 {
			e.removed = true
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// check evaluates every rule in order and returns the first denial. idx
// holds the current bucket index per rule for a subsequent consume.
func (e *memEntry) check(rules []Rule, inc Increment, now time.Time, prune bool) (Decision, []int64) {
	idx := make([]int64, len(rules))
	var allowed Decision
	for i, rule := range rules {
		u, b := e.usage(rule, now, prune)
		idx[i] = b
		d, ok := evaluate(rule, u, inc)
		if !ok {
			return d, nil
		}
		if i == 0 {
			allowed = d
		}
	}
	allowed.Allowed = true
	return allowed, idx
}

// usage sums the live buckets of rule's window. The returned index is the
// bucket that now falls in.
func (e *memEntry) usage(rule Rule, now time.Time, prune bool) (Usage, int64) {
	size := int64(rule.bucketSize())
	n := rule.buckets()
	idx := now.UnixNano() / size
	oldest := idx - n + 1

	u := Usage{Rule: rule}
	var first int64
	found := false
	for b, c := range e.windows[windowID{rule.Window, time.Duration(size)}] {
		if b < oldest {
			if prune {
				delete(e.windows[windowID{rule.Window, time.Duration(size)}], b)
			}
			continue
		}
		u.Count += c.count
		u.Recipients += c.recipients
		u.TotalSize += c.size
		if !found || b < first {
			first, found = b, true
		}
	}

	if found {
		u.ResetAt = time.Unix(0, (first+n)*size)
	} else {
		u.ResetAt = time.Unix(0, (idx+1)*size)
	}
	return u, idx
}

func (e *memEntry) consume(id windowID, idx int64, inc Increment) {
	buckets, ok := e.windows[id]
	if !ok {
		buckets = make(map[int64]*counters)
		e.windows[id] = buckets
	}
	c, ok := buckets[idx]
	if !ok {
		c = &counters{}
		buckets[idx] = c
	}
	c.count += inc.Count
	c.recipients += inc.Recipients
	c.size += inc.Size
}
