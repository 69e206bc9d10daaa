package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uke16/Helix-sub001/internal/phase"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want Kind
	}{
		{"Error: rate limit exceeded", Transient},
		{"HTTP 429 Too Many Requests", Transient},
		{"agent timeout after 5m0s", Transient},
		{"request timed out", Transient},
		{"context deadline exceeded", Transient},
		{"dial tcp: connection refused", Transient},
		{"read: connection reset by peer", Transient},
		{"temporary failure in name resolution", Transient},
		{"upstream returned 503", Transient},
		{"model overloaded, try later", Transient},
		{"SyntaxError: invalid syntax", Permanent},
		{"schema validation failed: missing field", Permanent},
		{"AssertionError: expected 1", Permanent},
		{"parse error at line 3", Permanent},
		{"timeout while parsing: parse error", Transient},
		{"something odd happened", Verification},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.text, Verification), tt.text)
	}
}

func TestClassifyAll(t *testing.T) {
	assert.Equal(t, Permanent, ClassifyAll([]string{"odd", "syntax error"}, Verification))
	assert.Equal(t, Transient, ClassifyAll([]string{"syntax error", "HTTP 429"}, Verification))
	assert.Equal(t, Verification, ClassifyAll([]string{"odd"}, Verification))
	assert.Equal(t, Verification, ClassifyAll(nil, Verification))
}

type conflictErr struct{}

func (conflictErr) Error() string { return "lock held" }
func (conflictErr) Kind() Kind    { return Conflict }

func TestKindOf(t *testing.T) {
	assert.Equal(t, Conflict, KindOf(fmt.Errorf("deploy: %w", conflictErr{})))
	assert.Equal(t, Environment, KindOf(Wrap(Environment, errors.New("restart failed"))))
	assert.Equal(t, Transient, KindOf(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	assert.Equal(t, Transient, KindOf(errors.New("HTTP 502 bad gateway")))
	assert.Equal(t, Permanent, KindOf(errors.New("unknown")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Nil(t, Wrap(Transient, nil))
}

func newTestHandler(t *testing.T) (*Handler, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewHandler(Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, zap.New(core))
	return h, logs
}

func TestDecideTransientBackoff(t *testing.T) {
	h, logs := newTestHandler(t)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range want {
		d := h.Decide(i+1, Failure{Kind: Transient, Messages: []string{"429"}})
		assert.Equal(t, ActionRetry, d.Action)
		assert.Equal(t, delay, d.Delay, "attempt %d", i+1)
		assert.False(t, d.Feedback)
	}

	d := h.Decide(4, Failure{Kind: Transient})
	assert.Equal(t, ActionEscalate, d.Action)
	assert.Contains(t, d.Reason, "exhausted")

	require.Equal(t, 4, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "retry decision", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, int64(1), fields["attempt"])
	assert.Equal(t, "transient", fields["kind"])
	assert.Equal(t, time.Second, fields["delay"])
}

func TestDecideDelayCappedWithJitter(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.2}, zap.NewNop())

	for i := 0; i < 50; i++ {
		d := h.Decide(1, Failure{Kind: Transient})
		assert.GreaterOrEqual(t, d.Delay, 800*time.Millisecond)
		assert.LessOrEqual(t, d.Delay, 1200*time.Millisecond)

		d = h.Decide(5, Failure{Kind: Transient})
		assert.GreaterOrEqual(t, d.Delay, 4*time.Second, "16s is capped at 5s before jitter")
		assert.LessOrEqual(t, d.Delay, 5*time.Second)
	}
}

func TestDecideUsesInjectedBackOff(t *testing.T) {
	h, _ := newTestHandler(t)
	h.SetBackOff(func(Policy) backoff.BackOff {
		return backoff.NewConstantBackOff(3 * time.Second)
	})
	assert.Equal(t, 3*time.Second, h.Decide(2, Failure{Kind: Transient}).Delay)

	h.SetBackOff(func(Policy) backoff.BackOff { return &backoff.StopBackOff{} })
	assert.Equal(t, 5*time.Second, h.Decide(1, Failure{Kind: Transient}).Delay)
}

func TestDecideKinds(t *testing.T) {
	h, _ := newTestHandler(t)

	d := h.Decide(1, Failure{Kind: Verification, Messages: []string{"no file matches"}})
	assert.Equal(t, ActionRetry, d.Action)
	assert.True(t, d.Feedback)

	d = h.Decide(1, Failure{Kind: Permanent})
	assert.Equal(t, ActionEscalate, d.Action)
	assert.Zero(t, d.Delay)

	d = h.Decide(1, Failure{Kind: Environment})
	assert.Equal(t, ActionEscalate, d.Action)

	d = h.Decide(1, Failure{Kind: Conflict})
	assert.Equal(t, ActionAbort, d.Action)

	// Unkinded failures are classified from their messages.
	d = h.Decide(1, Failure{Messages: []string{"SyntaxError: bad"}})
	assert.Equal(t, Permanent, d.Kind)
	assert.Equal(t, ActionEscalate, d.Action)

	d = h.Decide(1, FailureFromError(errors.New("connection reset by peer")))
	assert.Equal(t, Transient, d.Kind)
}

func TestForPhaseOverrides(t *testing.T) {
	h, _ := newTestHandler(t)
	one := 1
	ph := h.ForPhase(&phase.Definition{Retry: phase.RetryOverrides{MaxRetries: &one, BaseDelay: "100ms"}})

	assert.Equal(t, 1, ph.Policy().MaxRetries)
	assert.Equal(t, 100*time.Millisecond, ph.Policy().BaseDelay)
	assert.Equal(t, 5*time.Second, ph.Policy().MaxDelay)
	assert.Equal(t, ActionEscalate, ph.Decide(2, Failure{Kind: Transient}).Action)

	// The parent handler is unchanged.
	assert.Equal(t, 3, h.Policy().MaxRetries)

	zero := 0
	none := h.ForPhase(&phase.Definition{Retry: phase.RetryOverrides{MaxRetries: &zero}})
	assert.Equal(t, 0, none.Policy().MaxRetries)
	assert.Equal(t, ActionEscalate, none.Decide(1, Failure{Kind: Transient}).Action)
}

func TestDefaultPolicy(t *testing.T) {
	var p Policy
	p.ApplyDefaults()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Zero(t, p.Jitter, "zero jitter is a valid setting")
}

func TestWait(t *testing.T) {
	require.NoError(t, Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, Wait(ctx, 0), context.Canceled)
}
