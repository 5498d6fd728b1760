package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/shineum/mailpipe/internal/address"
	"github.com/shineum/mailpipe/internal/breaker"
	"github.com/shineum/mailpipe/internal/config"
	"github.com/shineum/mailpipe/internal/pipeline"
	"github.com/shineum/mailpipe/internal/provider"
	"github.com/shineum/mailpipe/internal/queue"
	"github.com/shineum/mailpipe/internal/quota"
	"github.com/shineum/mailpipe/internal/ratelimit"
	"github.com/shineum/mailpipe/internal/store"
)

// redisPingTimeout bounds the startup connectivity check.
const redisPingTimeout = 5 * time.Second

// state is the queue and quota accounting, restored from storage when a
// path is configured.
type state struct {
	store *store.Store
	queue *queue.Queue
	quota *quota.Tracker
}

func (s *state) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func openState(ctx context.Context, cfg *config.Config) (*state, error) {
	st := &state{}

	var (
		queueStore queue.Store
		quotaStore quota.Store
	)
	if cfg.Storage.Path != "" {
		db, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		st.store = db
		queueStore, quotaStore = db, db
	}

	q, err := queue.New(queue.Options{
		MaxSize:           cfg.Queue.MaxSize,
		DefaultMaxRetries: cfg.Queue.MaxRetries,
		RetryDelays:       cfg.Queue.RetryDelays,
		MaxDelay:          cfg.Queue.MaxDelay,
		Store:             queueStore,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := q.Restore(ctx); err != nil {
		st.Close()
		return nil, err
	}
	st.queue = q

	st.quota = quota.NewTracker(quota.Limits{
		MaxBytes: cfg.Quota.MaxBytes,
		MaxCount: cfg.Quota.MaxCount,
	}, quotaStore)
	if err := st.quota.Restore(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// limiters holds the rate limiters for each scope. A scope without rules
// has a nil limiter.
type limiters struct {
	sender    *ratelimit.Limiter
	recipient *ratelimit.Limiter
	global    *ratelimit.Limiter
	sweeper   pipeline.Sweeper
	closer    func() error
}

func buildLimiters(ctx context.Context, cfg *config.Config) (*limiters, error) {
	l := &limiters{closer: func() error { return nil }}

	var rs ratelimit.Store
	switch cfg.RateLimit.Backend {
	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := rc.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RateLimit.Redis.Addr, err)
		}
		rs = ratelimit.NewRedisStore(rc, cfg.RateLimit.Redis.Prefix)
		l.closer = rc.Close
		slog.Info("using redis rate limit store", "addr", cfg.RateLimit.Redis.Addr)
	default:
		mem := ratelimit.NewMemoryStore()
		rs = mem
		l.sweeper = mem
	}

	var err error
	if r := rules(cfg.RateLimit.Sender); len(r) > 0 {
		if l.sender, err = ratelimit.NewSenderLimiter(rs, r); err != nil {
			return nil, fmt.Errorf("sender rate limit: %w", err)
		}
	}
	if r := rules(cfg.RateLimit.Recipient); len(r) > 0 {
		if l.recipient, err = ratelimit.NewRecipientLimiter(rs, r); err != nil {
			return nil, fmt.Errorf("recipient rate limit: %w", err)
		}
	}
	if r := rules(cfg.RateLimit.Global); len(r) > 0 {
		if l.global, err = ratelimit.NewGlobalLimiter(rs, r); err != nil {
			return nil, fmt.Errorf("global rate limit: %w", err)
		}
	}
	return l, nil
}

func rules(in []config.RuleConfig) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(in))
	for _, rc := range in {
		out = append(out, ratelimit.Rule{
			Window:         rc.Window,
			Precision:      rc.Precision,
			MaxCount:       rc.MaxCount,
			MaxRecipients:  rc.MaxRecipients,
			MaxMessageSize: rc.MaxMessageSize,
			MaxTotalSize:   rc.MaxTotalSize,
		})
	}
	return out
}

// newPipeline wires the pipeline over restored state. l may be nil, which
// disables rate limiting.
func newPipeline(cfg *config.Config, st *state, prov provider.Provider, l *limiters) (*pipeline.Pipeline, error) {
	breakers := breaker.NewGroup(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		IsFailure:        pipeline.IsBreakerFailure,
	})

	opts := pipeline.Options{
		Queue:               st.queue,
		Provider:            prov,
		Breakers:            breakers,
		Quota:               st.quota,
		QuotaWarnThreshold:  float64(cfg.Quota.WarnThreshold),
		Relay:               address.RelayConfig{Enabled: cfg.Relay.Enabled, LocalDomains: cfg.Relay.LocalDomains},
		MaxMessageSize:      cfg.SMTP.MaxMessageSize,
		MaintenanceInterval: cfg.Queue.MaintenanceInterval,
	}
	if l != nil {
		opts.SenderLimiter = l.sender
		opts.RecipientLimiter = l.recipient
		opts.GlobalLimiter = l.global
		opts.Sweeper = l.sweeper
	}
	if cfg.Throttle.Rate > 0 {
		opts.Pacer = rate.NewLimiter(rate.Limit(cfg.Throttle.Rate), cfg.Throttle.Burst)
	}
	return pipeline.New(opts)
}

// recoverStuck returns items left in processing by a previous run to the
// pending state.
func recoverStuck(ctx context.Context, q *queue.Queue) error {
	var errs []error
	stuck := q.List(queue.StatusProcessing)
	for _, item := range stuck {
		if err := q.Requeue(ctx, item.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(stuck) > 0 {
		slog.Info("recovered queue items left in processing", "count", len(stuck))
	}
	return errors.Join(errs...)
}
