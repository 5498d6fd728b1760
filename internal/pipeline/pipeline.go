// Package pipeline composes the send path: submissions are validated,
// charged against quota and rate limits, then queued; workers drain the
// queue through a breaker-protected provider.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/shineum/mailpipe/internal/address"
	"github.com/shineum/mailpipe/internal/breaker"
	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/metrics"
	"github.com/shineum/mailpipe/internal/parser"
	"github.com/shineum/mailpipe/internal/provider"
	"github.com/shineum/mailpipe/internal/queue"
	"github.com/shineum/mailpipe/internal/quota"
	"github.com/shineum/mailpipe/internal/ratelimit"
)

const (
	defaultPollInterval        = time.Second
	defaultMaintenanceInterval = 30 * time.Second
)

// nullSenderKey identifies the null reverse-path in rate limit and quota keys.
const nullSenderKey = "<>"

// Sweeper drops idle rate limit state.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Options wires the pipeline. Queue, Provider and Breakers are required;
// a nil quota tracker or limiter disables that check.
type Options struct {
	Queue    *queue.Queue
	Provider provider.Provider
	Breakers *breaker.Group

	Quota *quota.Tracker
	// QuotaWarnThreshold is the usage percentage that logs a warning.
	// Zero means quota.DefaultWarnThreshold.
	QuotaWarnThreshold float64

	SenderLimiter    *ratelimit.Limiter
	RecipientLimiter *ratelimit.Limiter
	GlobalLimiter    *ratelimit.Limiter

	Relay address.RelayConfig

	// MaxMessageSize caps raw submissions in bytes. Zero is unbounded.
	MaxMessageSize int64

	// Pacer spaces provider calls across all workers. Nil is unpaced.
	Pacer *rate.Limiter

	// Sweeper runs on every maintenance tick.
	Sweeper             Sweeper
	MaintenanceInterval time.Duration

	Clock func() time.Time
}

// SubmitOptions are per-submission settings.
type SubmitOptions struct {
	Priority    queue.Priority
	ScheduledAt time.Time
	MaxRetries  int

	// Authenticated submissions may relay to any valid address.
	Authenticated bool

	// User overrides the quota root, which defaults to the envelope sender.
	User string
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	queue    *queue.Queue
	provider provider.Provider
	breakers *breaker.Group

	quota     *quota.Tracker
	quotaWarn float64
	sender    *ratelimit.Limiter
	recipient *ratelimit.Limiter
	global    *ratelimit.Limiter

	relay          address.RelayConfig
	maxMessageSize int64
	pacer          *rate.Limiter
	sweeper        Sweeper
	maintenance    time.Duration
	now            func() time.Time
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Queue == nil {
		return nil, errors.New("pipeline requires a queue")
	}
	if opts.Provider == nil {
		return nil, errors.New("pipeline requires a provider")
	}
	if opts.Breakers == nil {
		return nil, errors.New("pipeline requires a breaker group")
	}

	p := &Pipeline{
		queue:          opts.Queue,
		provider:       opts.Provider,
		breakers:       opts.Breakers,
		quota:          opts.Quota,
		quotaWarn:      opts.QuotaWarnThreshold,
		sender:         opts.SenderLimiter,
		recipient:      opts.RecipientLimiter,
		global:         opts.GlobalLimiter,
		relay:          opts.Relay,
		maxMessageSize: opts.MaxMessageSize,
		pacer:          opts.Pacer,
		sweeper:        opts.Sweeper,
		maintenance:    opts.MaintenanceInterval,
		now:            opts.Clock,
	}
	if p.maintenance <= 0 {
		p.maintenance = defaultMaintenanceInterval
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Submit validates raw against env and queues it for delivery. Rejections
// are typed errors; nothing is queued unless every check passes.
func (p *Pipeline) Submit(ctx context.Context, raw []byte, env email.Envelope, opts SubmitOptions) (string, error) {
	id, err := p.submit(ctx, raw, env, opts)
	metrics.IncSubmission(submissionResult(err))
	if err != nil {
		slog.Info("submission rejected",
			"from", env.From,
			"recipients", len(env.To),
			"size", len(raw),
			"error", err,
		)
		return "", err
	}
	return id, nil
}

func (p *Pipeline) submit(ctx context.Context, raw []byte, env email.Envelope, opts SubmitOptions) (string, error) {
	sender, err := p.checkSender(env.From)
	if err != nil {
		return "", err
	}
	recipients, err := p.checkRecipients(env.To, opts.Authenticated)
	if err != nil {
		return "", err
	}

	size := int64(len(raw))
	if p.maxMessageSize > 0 && size > p.maxMessageSize {
		return "", &MessageTooLargeError{Size: size, Limit: p.maxMessageSize}
	}

	// Rejected here so a malformed message never reaches the queue.
	if _, err := parser.Parse(raw); err != nil {
		return "", err
	}
	env = email.Envelope{From: sender.String(), To: recipients}

	root := quotaRoot(sender, opts.User)
	if p.quota != nil {
		if err := p.quota.CheckAndReserve(ctx, root, size, 1); err != nil {
			return "", err
		}
		p.warnQuota(root)
	}
	release := func() {
		if p.quota != nil {
			p.quota.Release(context.WithoutCancel(ctx), root, size, 1)
		}
	}

	if err := p.consumeRateLimits(ctx, senderKey(sender), recipients, size); err != nil {
		release()
		return "", err
	}

	job := &Job{
		Envelope:    env,
		Raw:         raw,
		Size:        size,
		QuotaRoot:   root,
		SubmittedAt: p.now(),
	}
	payload, err := job.Encode()
	if err != nil {
		release()
		return "", err
	}

	id, err := p.queue.Enqueue(ctx, payload, queue.EnqueueOptions{
		Priority:    opts.Priority,
		ScheduledAt: opts.ScheduledAt,
		MaxRetries:  opts.MaxRetries,
	})
	if err != nil {
		release()
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	slog.Info("message queued",
		"id", id,
		"from", env.From,
		"recipients", len(recipients),
		"size", size,
		"priority", opts.Priority.String(),
	)
	return id, nil
}

func (p *Pipeline) warnQuota(root quota.Root) {
	usage, limits := p.quota.Usage(root)
	if quota.ShouldWarn(usage.Bytes, limits.MaxBytes, p.quotaWarn) ||
		quota.ShouldWarn(usage.Count, limits.MaxCount, p.quotaWarn) {
		slog.Warn("quota nearly exhausted",
			"root", root.String(),
			"bytes", usage.Bytes,
			"max_bytes", limits.MaxBytes,
			"count", usage.Count,
			"max_count", limits.MaxCount,
		)
	}
}

// checkSender parses the reverse-path. Empty and "<>" are the null sender.
func (p *Pipeline) checkSender(from string) (address.Address, error) {
	if strings.TrimSpace(from) == "" {
		return address.Address{}, nil
	}
	return address.Parse(from)
}

// checkRecipients validates and de-duplicates forward-paths and applies the
// relay policy.
func (p *Pipeline) checkRecipients(to []string, authenticated bool) ([]string, error) {
	if len(to) == 0 {
		return nil, &address.InvalidAddressError{Reason: "no recipients"}
	}

	seen := make(map[string]bool, len(to))
	out := make([]string, 0, len(to))
	for _, rcpt := range to {
		if err := p.CheckRecipient(rcpt, authenticated); err != nil {
			return nil, err
		}
		a, _ := address.Parse(rcpt)
		canonical := a.String()
		key := strings.ToLower(canonical)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, canonical)
	}
	return out, nil
}

// CheckRecipient validates one forward-path against the relay policy.
// Local domains are always accepted; other domains need an authenticated
// submission or relay enabled.
func (p *Pipeline) CheckRecipient(rcpt string, authenticated bool) error {
	a, err := address.Parse(rcpt)
	if err != nil {
		return err
	}
	if a.IsNull() {
		return &address.InvalidAddressError{Input: rcpt, Reason: "null recipient"}
	}
	if authenticated {
		return nil
	}
	switch address.Classify(rcpt, p.relay.LocalDomains) {
	case address.Local:
		return nil
	case address.Remote:
		if address.CanRelay(rcpt, p.relay) {
			return nil
		}
	}
	return &RelayDeniedError{Recipient: a.String()}
}

// consumeRateLimits checks every scope first so a denial in one scope does
// not charge the others, then consumes.
func (p *Pipeline) consumeRateLimits(ctx context.Context, sender string, recipients []string, size int64) error {
	type charge struct {
		limiter *ratelimit.Limiter
		id      string
		inc     ratelimit.Increment
	}
	n := int64(len(recipients))
	var charges []charge
	if p.sender != nil {
		charges = append(charges, charge{p.sender, sender, ratelimit.Increment{Count: 1, Recipients: n, Size: size}})
	}
	if p.recipient != nil {
		for _, rcpt := range recipients {
			charges = append(charges, charge{p.recipient, strings.ToLower(rcpt), ratelimit.Increment{Count: 1, Size: size}})
		}
	}
	if p.global != nil {
		charges = append(charges, charge{p.global, "", ratelimit.Increment{Count: 1, Recipients: n, Size: size}})
	}

	for _, c := range charges {
		if _, err := c.limiter.Check(ctx, c.id, c.inc); err != nil {
			return err
		}
	}
	// Each consume is atomic per key, but not across scopes: a concurrent
	// submission that wins the race after the checks leaves the scopes
	// consumed so far charged for this rejected message.
	for _, c := range charges {
		if _, err := c.limiter.CheckAndConsume(ctx, c.id, c.inc); err != nil {
			return err
		}
	}
	return nil
}

func senderKey(sender address.Address) string {
	if sender.IsNull() {
		return nullSenderKey
	}
	return strings.ToLower(sender.String())
}

func quotaRoot(sender address.Address, user string) quota.Root {
	if user != "" {
		return quota.Root{User: user}
	}
	if sender.IsNull() {
		return quota.Root{User: nullSenderKey}
	}
	return quota.Root{
		User:   strings.ToLower(sender.Local),
		Domain: strings.ToLower(sender.Domain),
	}
}
