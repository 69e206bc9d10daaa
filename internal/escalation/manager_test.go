package escalation

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/uke16/Helix-sub001/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTarget struct {
	mu      sync.Mutex
	results []AttemptResult
	err     error
	adjs    []Adjustment
	paused  []string
}

func (f *fakeTarget) Retry(_ context.Context, adj Adjustment) (AttemptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjs = append(f.adjs, adj)
	if f.err != nil {
		return AttemptResult{}, f.err
	}
	if len(f.adjs) > len(f.results) {
		return AttemptResult{Errors: []string{"still failing"}}, nil
	}
	return f.results[len(f.adjs)-1], nil
}

func (f *fakeTarget) Pause(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, reason)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newManager(t *testing.T, cfg Config) (*Manager, *recordingNotifier) {
	t.Helper()
	log := zaptest.NewLogger(t)
	n := &recordingNotifier{}
	return NewManager(cfg, NewSignalBox(t.TempDir(), log), n, log), n
}

func TestTier1RecoversWithStrategiesInOrder(t *testing.T) {
	m, n := newManager(t, Config{FallbackProfile: "careful"})
	target := &fakeTarget{results: []AttemptResult{
		{Errors: []string{"missing output report.md"}},
		{Passed: true},
	}}

	out, err := m.Escalate(context.Background(), Case{
		Project: "demo", Phase: "build",
		Errors: []string{"tests_pass: 1 regression"},
		Target: target,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecovered, out)

	require.Len(t, target.adjs, 2)
	assert.Equal(t, StrategyAlternateProfile, target.adjs[0].Strategy)
	assert.Equal(t, "careful", target.adjs[0].Profile)
	assert.Empty(t, target.adjs[0].Feedback)

	assert.Equal(t, StrategyInjectFeedback, target.adjs[1].Strategy)
	assert.Equal(t, []string{"tests_pass: 1 regression", "missing output report.md"}, target.adjs[1].Feedback)

	assert.Empty(t, target.paused)
	assert.Empty(t, n.types())
}

func TestAlternateProfileWithoutFallbackInjectsFeedback(t *testing.T) {
	m, _ := newManager(t, Config{Tier1Attempts: 1})
	target := &fakeTarget{results: []AttemptResult{{Passed: true}}}

	out, err := m.Escalate(context.Background(), Case{Project: "demo", Phase: "build", Errors: []string{"e1"}, Target: target})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecovered, out)
	require.Len(t, target.adjs, 1)
	assert.Equal(t, StrategyInjectFeedback, target.adjs[0].Strategy)
	assert.Equal(t, []string{"e1"}, target.adjs[0].Feedback)
}

func TestTier1TargetFault(t *testing.T) {
	m, _ := newManager(t, Config{})
	target := &fakeTarget{err: errors.New("spawn agent: no such file")}

	out, err := m.Escalate(context.Background(), Case{Project: "demo", Phase: "build", Target: target})
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorContains(t, err, "spawn agent")
}

func escalateAsync(m *Manager, c Case) (<-chan Outcome, <-chan error) {
	outs := make(chan Outcome, 1)
	errs := make(chan error, 1)
	go func() {
		out, err := m.Escalate(context.Background(), c)
		outs <- out
		errs <- err
	}()
	return outs, errs
}

func TestTier2InProcessResume(t *testing.T) {
	m, n := newManager(t, Config{Tier1Attempts: -1, HumanTimeout: time.Minute})
	target := &fakeTarget{}

	outs, errs := escalateAsync(m, Case{Project: "demo", Phase: "build", Reason: "retries exhausted after 4 attempts", Target: target})
	require.Eventually(t, func() bool { return m.Signals().Waiting("demo", "build") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Resume("demo", "build", ActionSkip))
	assert.Equal(t, OutcomeSkipped, <-outs)
	require.NoError(t, <-errs)

	assert.Equal(t, []string{"retries exhausted after 4 attempts"}, target.paused)
	assert.Empty(t, target.adjs)
	assert.Equal(t, []string{notify.PhasePaused, notify.PhaseResumed}, n.types())
}

func TestTier2FileSignal(t *testing.T) {
	m, _ := newManager(t, Config{Tier1Attempts: -1, HumanTimeout: time.Minute})

	outs, errs := escalateAsync(m, Case{Project: "demo", Phase: "build", Target: &fakeTarget{}})
	require.Eventually(t, func() bool { return m.Signals().Waiting("demo", "build") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Signals().Send("demo", "build", ActionAbort))
	select {
	case out := <-outs:
		assert.Equal(t, OutcomeAborted, out)
		require.NoError(t, <-errs)
	case <-time.After(10 * time.Second):
		t.Fatal("file signal not delivered")
	}

	_, err := os.Stat(m.Signals().Path("demo", "build"))
	assert.True(t, os.IsNotExist(err), "consumed signal is removed")
}

func TestTier2SignalWrittenBeforePause(t *testing.T) {
	m, _ := newManager(t, Config{Tier1Attempts: -1, HumanTimeout: time.Minute})
	require.NoError(t, m.Signals().Send("demo", "build", ActionRetry))

	out, err := m.Escalate(context.Background(), Case{Project: "demo", Phase: "build", Target: &fakeTarget{}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResumed, out)
}

func TestTier2HumanTimeout(t *testing.T) {
	m, n := newManager(t, Config{Tier1Attempts: -1, HumanTimeout: 50 * time.Millisecond})

	out, err := m.Escalate(context.Background(), Case{Project: "demo", Phase: "build", Target: &fakeTarget{}})
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, ErrHumanTimeout)
	assert.Equal(t, []string{notify.PhasePaused}, n.types())
}

func TestTier2ContextCancelled(t *testing.T) {
	m, _ := newManager(t, Config{Tier1Attempts: -1, HumanTimeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := m.Escalate(ctx, Case{Project: "demo", Phase: "build", Target: &fakeTarget{}})
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, m.Signals().Waiting("demo", "build"))
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"", ActionRetry, false},
		{"retry\n", ActionRetry, false},
		{" SKIP ", ActionSkip, false},
		{"abort", ActionAbort, false},
		{"later", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, 2, c.Tier1Attempts)
	assert.Equal(t, 24*time.Hour, c.HumanTimeout)
	require.NoError(t, c.ValidateStrategies())

	c.Strategies = []Strategy{"reboot"}
	assert.ErrorContains(t, c.ValidateStrategies(), "reboot")
}
