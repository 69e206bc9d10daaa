package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/notify"
)

// Strategy is one autonomous recovery technique.
type Strategy string

const (
	// StrategyAlternateProfile re-invokes the agent with the fallback profile.
	StrategyAlternateProfile Strategy = "alternate_profile"
	// StrategyInjectFeedback hands accumulated errors to the next invocation.
	StrategyInjectFeedback Strategy = "inject_feedback"
)

// Outcome is how an escalation ended.
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered" // a tier 1 attempt passed
	OutcomeResumed   Outcome = "resumed"   // operator asked for another run
	OutcomeSkipped   Outcome = "skipped"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// Config controls escalation.
type Config struct {
	Tier1Attempts   int           `koanf:"tier1_attempts" yaml:"tier1_attempts" json:"tier1_attempts"`
	Strategies      []Strategy    `koanf:"strategies" yaml:"strategies" json:"strategies"`
	FallbackProfile string        `koanf:"fallback_profile" yaml:"fallback_profile" json:"fallback_profile"`
	HumanTimeout    time.Duration `koanf:"human_timeout" yaml:"human_timeout" json:"human_timeout"`
}

// DefaultConfig returns two tier 1 attempts and a 24h human timeout.
func DefaultConfig() Config {
	return Config{
		Tier1Attempts: 2,
		Strategies:    []Strategy{StrategyAlternateProfile, StrategyInjectFeedback},
		HumanTimeout:  24 * time.Hour,
	}
}

// ApplyDefaults fills unset fields. A negative Tier1Attempts disables tier 1.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Tier1Attempts == 0 {
		c.Tier1Attempts = d.Tier1Attempts
	}
	if c.Tier1Attempts < 0 {
		c.Tier1Attempts = 0
	}
	if len(c.Strategies) == 0 {
		c.Strategies = d.Strategies
	}
	if c.HumanTimeout <= 0 {
		c.HumanTimeout = d.HumanTimeout
	}
}

// ValidateStrategies reports unknown strategy names.
func (c Config) ValidateStrategies() error {
	for _, s := range c.Strategies {
		switch s {
		case StrategyAlternateProfile, StrategyInjectFeedback:
		default:
			return fmt.Errorf("unknown escalation strategy %q", s)
		}
	}
	return nil
}

// Adjustment describes how a tier 1 attempt differs from a normal retry.
type Adjustment struct {
	Strategy Strategy
	Attempt  int
	// Profile overrides the agent profile when non-empty.
	Profile string
	// Feedback is written to the phase feedback file when non-empty.
	Feedback []string
}

// AttemptResult is the outcome of one tier 1 attempt.
type AttemptResult struct {
	Passed bool
	Errors []string
}

// Target is the phase being escalated.
type Target interface {
	// Retry runs the phase once more with adj applied. The error return is
	// reserved for faults that prevent the attempt from running.
	Retry(ctx context.Context, adj Adjustment) (AttemptResult, error)
	// Pause records that the phase is waiting for a human.
	Pause(ctx context.Context, reason string) error
}

// Case is one escalation request.
type Case struct {
	Project string
	Phase   string
	Reason  string
	Errors  []string
	Target  Target
}

// Manager runs the two escalation tiers.
type Manager struct {
	cfg      Config
	signals  *SignalBox
	notifier notify.Notifier
	log      *zap.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, signals *SignalBox, n notify.Notifier, log *zap.Logger) *Manager {
	cfg.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Manager{cfg: cfg, signals: signals, notifier: n, log: log.Named("escalation")}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Signals returns the manager's signal box.
func (m *Manager) Signals() *SignalBox { return m.signals }

// Resume releases a phase paused in this process.
func (m *Manager) Resume(project, phaseID string, action Action) error {
	return m.signals.Resume(project, phaseID, action)
}

// Escalate runs tier 1 and, when that does not recover the phase, pauses for
// a human. The error is non-nil when the context ends, the target faults or
// the human timeout elapses; the outcome is then OutcomeFailed.
func (m *Manager) Escalate(ctx context.Context, c Case) (Outcome, error) {
	log := m.log.With(zap.String("project", c.Project), zap.String("phase", c.Phase))
	feedback := append([]string(nil), c.Errors...)

	for i := 1; i <= m.cfg.Tier1Attempts; i++ {
		adj := m.adjustment(i, feedback)
		log.Info("tier 1 recovery attempt",
			zap.Int("attempt", i),
			zap.String("strategy", string(adj.Strategy)),
			zap.String("profile", adj.Profile))

		res, err := c.Target.Retry(ctx, adj)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("tier 1 attempt %d: %w", i, err)
		}
		if res.Passed {
			log.Info("tier 1 recovered phase", zap.Int("attempt", i))
			return OutcomeRecovered, nil
		}
		feedback = appendUnique(feedback, res.Errors...)
	}

	reason := c.Reason
	if reason == "" {
		reason = "retries exhausted"
	}
	if err := c.Target.Pause(ctx, reason); err != nil {
		return OutcomeFailed, fmt.Errorf("pause phase: %w", err)
	}

	signalPath := m.signals.Path(c.Project, c.Phase)
	m.emit(ctx, notify.Event{
		Type:    notify.PhasePaused,
		Project: c.Project,
		Phase:   c.Phase,
		Message: "phase paused for human input",
		Data: map[string]string{
			"reason":  reason,
			"signal":  signalPath,
			"timeout": m.cfg.HumanTimeout.String(),
			"errors":  strings.Join(lastN(feedback, 5), "; "),
		},
	})
	log.Warn("waiting for resume signal",
		zap.String("signal", signalPath),
		zap.Duration("timeout", m.cfg.HumanTimeout))

	action, err := m.signals.Wait(ctx, c.Project, c.Phase, m.cfg.HumanTimeout)
	if err != nil {
		if errors.Is(err, ErrHumanTimeout) {
			log.Error("no resume signal before timeout", zap.Duration("timeout", m.cfg.HumanTimeout))
		}
		return OutcomeFailed, err
	}

	m.emit(ctx, notify.Event{
		Type:    notify.PhaseResumed,
		Project: c.Project,
		Phase:   c.Phase,
		Message: "phase resumed by operator",
		Data:    map[string]string{"action": string(action)},
	})
	log.Info("resume signal received", zap.String("action", string(action)))

	switch action {
	case ActionSkip:
		return OutcomeSkipped, nil
	case ActionAbort:
		return OutcomeAborted, nil
	default:
		return OutcomeResumed, nil
	}
}

func (m *Manager) adjustment(attempt int, feedback []string) Adjustment {
	s := m.cfg.Strategies[(attempt-1)%len(m.cfg.Strategies)]
	if s == StrategyAlternateProfile && m.cfg.FallbackProfile == "" {
		s = StrategyInjectFeedback
	}
	adj := Adjustment{Strategy: s, Attempt: attempt}
	switch s {
	case StrategyAlternateProfile:
		adj.Profile = m.cfg.FallbackProfile
	case StrategyInjectFeedback:
		adj.Feedback = append([]string(nil), feedback...)
	}
	return adj
}

func (m *Manager) emit(ctx context.Context, ev notify.Event) {
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.log.Warn("notification failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func appendUnique(dst []string, src ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}

func lastN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
