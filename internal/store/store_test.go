package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shineum/mailpipe/internal/queue"
	"github.com/shineum/mailpipe/internal/quota"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "mailpipe.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestQueueItems(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	item := queue.Item{
		ID:          "a1",
		Payload:     []byte(`{"x":1}`),
		Priority:    queue.PriorityHigh,
		Status:      queue.StatusRetrying,
		CreatedAt:   now,
		AvailableAt: now.Add(time.Minute),
		RetryCount:  1,
		MaxRetries:  5,
		LastError:   "timeout",
	}
	if err := s.SaveItem(ctx, item); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}
	if err := s.SaveItem(ctx, queue.Item{ID: "b2", Status: queue.StatusPending, CreatedAt: now}); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}

	items, err := s.LoadItems(ctx)
	if err != nil {
		t.Fatalf("LoadItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	got := items[0]
	if got.ID != "a1" || got.Status != queue.StatusRetrying || got.Priority != queue.PriorityHigh {
		t.Errorf("got %+v", got)
	}
	if string(got.Payload) != `{"x":1}` {
		t.Errorf("Payload: got %q, want %q", got.Payload, `{"x":1}`)
	}
	if !got.AvailableAt.Equal(item.AvailableAt) {
		t.Errorf("AvailableAt: got %v, want %v", got.AvailableAt, item.AvailableAt)
	}

	if err := s.DeleteItem(ctx, "a1"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if err := s.DeleteItem(ctx, "missing"); err != nil {
		t.Errorf("DeleteItem unknown id: %v", err)
	}
	items, _ = s.LoadItems(ctx)
	if len(items) != 1 || items[0].ID != "b2" {
		t.Errorf("after delete: got %+v", items)
	}
}

func TestQuotaUsage(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	ctx := context.Background()

	alice := quota.Root{User: "alice", Domain: "example.com"}
	bob := quota.Root{User: "bob", Domain: "example.org", Path: "outbound"}

	if err := s.SaveUsage(ctx, alice, quota.Usage{Bytes: 1024, Count: 2}); err != nil {
		t.Fatalf("SaveUsage: %v", err)
	}
	if err := s.SaveUsage(ctx, bob, quota.Usage{Bytes: 10, Count: 1}); err != nil {
		t.Fatalf("SaveUsage: %v", err)
	}
	if err := s.SaveUsage(ctx, bob, quota.Usage{}); err != nil {
		t.Fatalf("SaveUsage zero: %v", err)
	}

	usage, err := s.LoadUsage(ctx)
	if err != nil {
		t.Fatalf("LoadUsage: %v", err)
	}
	if len(usage) != 1 {
		t.Fatalf("got %d roots, want 1", len(usage))
	}
	if got := usage[alice]; got != (quota.Usage{Bytes: 1024, Count: 2}) {
		t.Errorf("alice: got %+v", got)
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mailpipe.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveItem(ctx, queue.Item{ID: "keep", Status: queue.StatusFailed}); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	items, err := s.LoadItems(ctx)
	if err != nil {
		t.Fatalf("LoadItems: %v", err)
	}
	if len(items) != 1 || items[0].Status != queue.StatusFailed {
		t.Errorf("got %+v", items)
	}
}

func TestQueueRestoreFromStore(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	ctx := context.Background()

	q, err := queue.New(queue.Options{Store: s})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	id, err := q.Enqueue(ctx, []byte("hello"), queue.EnqueueOptions{Priority: queue.PriorityUrgent})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	restored, err := queue.New(queue.Options{Store: s})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	item, err := restored.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if item == nil || item.ID != id {
		t.Fatalf("got %+v, want item %s", item, id)
	}
	if string(item.Payload) != "hello" {
		t.Errorf("Payload: got %q, want %q", item.Payload, "hello")
	}
}
