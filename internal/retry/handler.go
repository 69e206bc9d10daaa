package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/phase"
)

// Action is what the caller should do next.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
	ActionAbort    Action = "abort"
)

// Decision is the outcome of Decide.
type Decision struct {
	Action  Action        `json:"action"`
	Delay   time.Duration `json:"delay"`
	Kind    Kind          `json:"kind"`
	Attempt int           `json:"attempt"`
	Reason  string        `json:"reason"`
	// Feedback asks the caller to pass accumulated errors to the next attempt.
	Feedback bool `json:"feedback,omitempty"`
}

// Failure describes why an attempt did not succeed.
type Failure struct {
	Kind     Kind
	Messages []string
	Err      error
}

// FailureFromError builds a Failure whose kind comes from err.
func FailureFromError(err error) Failure {
	return Failure{Kind: KindOf(err), Messages: []string{err.Error()}, Err: err}
}

// Policy bounds retries.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter randomizes each delay by up to this fraction either way.
	Jitter float64
}

// DefaultPolicy returns three retries starting at 2s, capped at 60s, with
// 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     0.2,
	}
}

// ApplyDefaults fills unset fields from DefaultPolicy. A negative
// MaxRetries means no retries.
func (p *Policy) ApplyDefaults() {
	d := DefaultPolicy()
	if p.MaxRetries == 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
}

// WithOverrides returns p with the phase's retry overrides applied.
func (p Policy) WithOverrides(o phase.RetryOverrides) Policy {
	if o.MaxRetries != nil {
		p.MaxRetries = *o.MaxRetries
		if p.MaxRetries == 0 {
			p.MaxRetries = -1
		}
	}
	if d, err := time.ParseDuration(o.BaseDelay); err == nil && d > 0 {
		p.BaseDelay = d
	}
	if d, err := time.ParseDuration(o.MaxDelay); err == nil && d > 0 {
		p.MaxDelay = d
	}
	p.ApplyDefaults()
	return p
}

// NewBackOff returns the exponential schedule for p: BaseDelay doubling
// per retry up to MaxDelay, randomized by Jitter. It never stops on its
// own; MaxRetries bounds the retries.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Handler turns failures into decisions.
type Handler struct {
	policy     Policy
	log        *zap.Logger
	newBackOff func(Policy) backoff.BackOff
}

// NewHandler creates a Handler for policy.
func NewHandler(policy Policy, log *zap.Logger) *Handler {
	policy.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{policy: policy, log: log.Named("retry"), newBackOff: Policy.NewBackOff}
}

// SetBackOff replaces the schedule factory.
func (h *Handler) SetBackOff(fn func(Policy) backoff.BackOff) { h.newBackOff = fn }

// Policy returns the handler's policy.
func (h *Handler) Policy() Policy { return h.policy }

// ForPhase returns a handler using def's retry overrides.
func (h *Handler) ForPhase(def *phase.Definition) *Handler {
	cp := *h
	cp.policy = h.policy.WithOverrides(def.Retry)
	return &cp
}

// Decide returns what to do after attempt (1-based) failed. Transient and
// verification failures are retried while attempt <= MaxRetries; permanent
// and environment failures, and exhausted retries, escalate; conflicts
// abort.
func (h *Handler) Decide(attempt int, f Failure) Decision {
	kind := f.Kind
	if kind == "" {
		kind = ClassifyAll(f.Messages, Permanent)
	}
	d := Decision{Kind: kind, Attempt: attempt}

	switch kind {
	case Transient, Verification:
		if attempt <= h.policy.MaxRetries {
			d.Action = ActionRetry
			d.Delay = h.delay(attempt)
			d.Feedback = kind == Verification
			d.Reason = fmt.Sprintf("%s failure, retry %d of %d", kind, attempt, h.policy.MaxRetries)
		} else {
			d.Action = ActionEscalate
			d.Reason = fmt.Sprintf("retries exhausted after %d attempts", attempt)
		}
	case Conflict:
		d.Action = ActionAbort
		d.Reason = "conflict failures are never retried"
	default:
		d.Action = ActionEscalate
		d.Reason = fmt.Sprintf("%s failure is not retryable", kind)
	}

	h.log.Info("retry decision",
		zap.Int("attempt", attempt),
		zap.String("kind", string(kind)),
		zap.String("action", string(d.Action)),
		zap.Duration("delay", d.Delay),
		zap.String("reason", d.Reason))
	return d
}

// delay returns the wait before retry n (1-based), never above MaxDelay.
func (h *Handler) delay(n int) time.Duration {
	b := h.newBackOff(h.policy)
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return h.policy.MaxDelay
	}
	return min(d, h.policy.MaxDelay)
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
