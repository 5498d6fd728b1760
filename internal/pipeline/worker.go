package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailpipe/internal/breaker"
	"github.com/shineum/mailpipe/internal/metrics"
	"github.com/shineum/mailpipe/internal/provider"
	"github.com/shineum/mailpipe/internal/queue"
)

// ProcessNext delivers one eligible item. It reports whether an item was
// taken; false means the queue had nothing ready.
func (p *Pipeline) ProcessNext(ctx context.Context) (bool, error) {
	item, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if item == nil {
		return false, nil
	}

	// Bookkeeping must land even when ctx is cancelled mid-delivery.
	bctx := context.WithoutCancel(ctx)

	job, err := Decode(item.Payload)
	if err != nil {
		slog.Error("dropping undecodable queue item", "id", item.ID, "error", err)
		return true, p.queue.FailPermanent(bctx, item.ID, err)
	}

	if p.pacer != nil {
		if err := p.pacer.Wait(ctx); err != nil {
			return true, p.queue.Defer(bctx, item.ID, p.now(), err)
		}
	}

	name := p.provider.Name()
	start := time.Now()
	var providerID string
	sendErr := p.breakers.Execute(ctx, name, func(ctx context.Context) error {
		id, err := p.provider.Send(ctx, job.Email)
		providerID = id
		return err
	})
	metrics.ObserveDelivery(name, time.Since(start).Seconds())

	return true, p.settle(ctx, bctx, item, job, providerID, sendErr)
}

// settle records the outcome of one delivery attempt.
func (p *Pipeline) settle(ctx, bctx context.Context, item *queue.Item, job *Job, providerID string, sendErr error) error {
	name := p.provider.Name()
	log := slog.With("id", item.ID, "provider", name, "attempt", item.RetryCount+1)

	var open *breaker.OpenError
	switch {
	case sendErr == nil:
		if err := p.queue.Complete(bctx, item.ID); err != nil {
			return err
		}
		p.releaseQuota(bctx, job)
		metrics.IncDelivery(name, "success")
		log.Info("message delivered", "provider_message_id", providerID, "recipients", len(job.Envelope.To))
		return nil

	case errors.As(sendErr, &open):
		metrics.IncDelivery(name, "deferred")
		log.Info("circuit open, deferring", "until", open.RetryAt)
		return p.queue.Defer(bctx, item.ID, open.RetryAt, sendErr)

	case ctx.Err() != nil:
		// Shutdown interrupted the attempt; it does not count as a retry.
		metrics.IncDelivery(name, "deferred")
		return p.queue.Defer(bctx, item.ID, p.now(), sendErr)

	case provider.IsPermanent(sendErr):
		metrics.IncDelivery(name, "failed")
		log.Warn("delivery failed permanently", "error", sendErr)
		return p.queue.FailPermanent(bctx, item.ID, sendErr)
	}

	var notBefore time.Time
	if after := provider.RetryAfter(sendErr); after > 0 {
		notBefore = p.now().Add(after)
		log.Info("provider asked to retry later", "retry_after", after)
	}

	status, err := p.queue.FailNotBefore(bctx, item.ID, sendErr, notBefore)
	if err != nil {
		return err
	}
	if status == queue.StatusFailed {
		metrics.IncDelivery(name, "failed")
		log.Warn("delivery failed, retries exhausted", "error", sendErr)
		return nil
	}
	metrics.IncDelivery(name, "retry")
	log.Info("delivery failed, will retry", "error", sendErr)
	return nil
}

func (p *Pipeline) releaseQuota(ctx context.Context, job *Job) {
	if p.quota != nil {
		p.quota.Release(ctx, job.QuotaRoot, job.Size, 1)
	}
}

// Run drains the queue with workers goroutines until ctx is cancelled, and
// runs periodic maintenance alongside them.
func (p *Pipeline) Run(ctx context.Context, workers int, poll time.Duration) error {
	if workers <= 0 {
		workers = 1
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}

	slog.Info("delivery workers starting",
		"workers", workers,
		"provider", p.provider.Name(),
		"poll_interval", poll,
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			p.work(ctx, i, poll)
			return nil
		})
	}
	g.Go(func() error {
		p.maintain(ctx)
		return nil
	})

	err := g.Wait()
	slog.Info("delivery workers stopped")
	return err
}

func (p *Pipeline) work(ctx context.Context, worker int, poll time.Duration) {
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		processed, err := p.ProcessNext(ctx)
		if err != nil {
			slog.Error("delivery worker error", "worker", worker, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		if processed {
			continue
		}

		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (p *Pipeline) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.maintenance)
	defer ticker.Stop()

	p.Maintain()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Maintain()
		}
	}
}

// Maintain sweeps idle rate limit state and publishes queue depth.
func (p *Pipeline) Maintain() {
	if p.sweeper != nil {
		if n := p.sweeper.Sweep(p.now()); n > 0 {
			slog.Debug("swept idle rate limit keys", "count", n)
		}
	}

	stats := p.queue.Stats()
	metrics.SetQueueDepth(string(queue.StatusPending), stats.Pending)
	metrics.SetQueueDepth(string(queue.StatusProcessing), stats.Processing)
	metrics.SetQueueDepth(string(queue.StatusRetrying), stats.Retrying)
	metrics.SetQueueDepth(string(queue.StatusFailed), stats.Failed)
}

// Retry gives a failed item a fresh retry budget.
func (p *Pipeline) Retry(ctx context.Context, id string) error {
	if err := p.queue.Requeue(ctx, id); err != nil {
		return err
	}
	slog.Info("queue item requeued", "id", id)
	return nil
}

// Purge removes a failed item and releases its quota.
func (p *Pipeline) Purge(ctx context.Context, id string) error {
	item, err := p.queue.Get(id)
	if err != nil {
		return err
	}
	if item.Status != queue.StatusFailed {
		return fmt.Errorf("purge %s in status %s: %w", id, item.Status, queue.ErrInvalidState)
	}
	if _, err := p.queue.Remove(ctx, id); err != nil {
		return err
	}

	job, err := Decode(item.Payload)
	if err != nil {
		slog.Warn("purged item has no readable job, quota not released", "id", id, "error", err)
		return nil
	}
	p.releaseQuota(ctx, job)
	slog.Info("queue item purged", "id", id, "size", job.Size)
	return nil
}
