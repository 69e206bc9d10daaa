package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/agent"
	"github.com/uke16/Helix-sub001/internal/escalation"
	"github.com/uke16/Helix-sub001/internal/events"
	"github.com/uke16/Helix-sub001/internal/gates"
	"github.com/uke16/Helix-sub001/internal/notify"
	"github.com/uke16/Helix-sub001/internal/phase"
	"github.com/uke16/Helix-sub001/internal/retry"
	"github.com/uke16/Helix-sub001/internal/status"
)

const gatesReport = "gates.json"

type attemptOpts struct {
	profile  string
	feedback []string
}

type attemptOutcome struct {
	passed  bool
	failure retry.Failure
}

func failed(kind retry.Kind, msgs ...string) attemptOutcome {
	return attemptOutcome{failure: retry.Failure{Kind: kind, Messages: msgs}}
}

// runPhase executes def until it completes, is skipped or fails the
// project. The error is non-nil only when ctx ends or status cannot be
// persisted.
func (o *Orchestrator) runPhase(ctx context.Context, r *runState, def *phase.Definition, completed map[string]string) error {
	h := o.retry.ForPhase(def)
	opts := attemptOpts{profile: o.profileFor(def)}
	cycle := 0
	for {
		cycle++
		out, err := o.attempt(ctx, r, def, completed, opts)
		if err != nil {
			return err
		}
		if out.passed {
			return o.completePhase(ctx, r, def)
		}

		dec := h.Decide(cycle, out.failure)
		switch dec.Action {
		case retry.ActionRetry:
			o.metrics.Retry(string(dec.Kind))
			o.event(ctx, r, def.ID, events.PhaseRetry, cycle, dec.Reason)
			opts.feedback = nil
			if dec.Feedback {
				opts.feedback = out.failure.Messages
			}
			if err := retry.Wait(ctx, dec.Delay); err != nil {
				return err
			}
			continue
		case retry.ActionAbort:
			return o.failPhase(ctx, r, def, dec.Kind, summarize(out.failure.Messages))
		}

		o.event(ctx, r, def.ID, events.PhaseEscalated, cycle, dec.Reason)
		outcome, err := o.escalation.Escalate(ctx, escalation.Case{
			Project: r.id,
			Phase:   def.ID,
			Reason:  dec.Reason,
			Errors:  out.failure.Messages,
			Target:  &phaseTarget{o: o, r: r, def: def, completed: completed},
		})
		o.metrics.Escalation(string(outcome))

		switch outcome {
		case escalation.OutcomeRecovered:
			return o.completePhase(ctx, r, def)
		case escalation.OutcomeResumed:
			cycle = 0
			opts.feedback = out.failure.Messages
			continue
		case escalation.OutcomeSkipped:
			return o.skipPhase(ctx, r, def)
		case escalation.OutcomeAborted:
			return o.failPhase(ctx, r, def, dec.Kind, "aborted by operator: "+summarize(out.failure.Messages))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := summarize(out.failure.Messages)
		if err != nil {
			msg = fmt.Sprintf("escalation failed: %v (%s)", err, msg)
		}
		return o.failPhase(ctx, r, def, dec.Kind, msg)
	}
}

// attempt runs one execution of def: inputs, agent, gates. Failed
// attempts leave the phase in the failed state.
func (o *Orchestrator) attempt(ctx context.Context, r *runState, def *phase.Definition, completed map[string]string, opts attemptOpts) (attemptOutcome, error) {
	var n int
	err := o.update(r, func(ps *status.ProjectStatus) error {
		rec := ps.Phase(def.ID)
		if err := status.Transition(def.ID, rec, status.PhaseRunning); err != nil {
			return err
		}
		rec.Attempts++
		rec.Profile = opts.profile
		rec.LastError = ""
		n = rec.Attempts
		if ps.Status != status.ProjectFailed {
			ps.Status = status.ProjectRunning
		}
		return nil
	})
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("start phase %s: %w", def.ID, err)
	}
	o.event(ctx, r, def.ID, events.PhaseStarted, n, opts.profile)

	start := time.Now()
	out, err := o.execute(ctx, r, def, completed, n, opts)
	if err != nil {
		return out, err
	}
	if out.passed {
		o.metrics.PhaseRun(def.ID, "passed", time.Since(start))
		return out, nil
	}

	o.metrics.PhaseRun(def.ID, "failed", time.Since(start))
	msg := summarize(out.failure.Messages)
	err = o.update(r, func(ps *status.ProjectStatus) error {
		rec := ps.Phase(def.ID)
		if err := status.Transition(def.ID, rec, status.PhaseFailed); err != nil {
			return err
		}
		rec.LastError = msg
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("record failed attempt: %w", err)
	}
	o.event(ctx, r, def.ID, events.PhaseFailed, n, msg)
	o.log.Warn("phase attempt failed",
		zap.String("project", r.id),
		zap.String("phase", def.ID),
		zap.Int("attempt", n),
		zap.String("kind", string(out.failure.Kind)),
		zap.String("error", msg))
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *runState, def *phase.Definition, completed map[string]string, n int, opts attemptOpts) (attemptOutcome, error) {
	if err := r.ws.Ensure(def.ID); err != nil {
		return failed(retry.Environment, err.Error()), nil
	}
	outDir := r.ws.OutputDir(def.ID)
	// Outputs of earlier attempts are discarded.
	if err := os.RemoveAll(outDir); err != nil {
		return failed(retry.Environment, err.Error()), nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return failed(retry.Environment, err.Error()), nil
	}

	if _, err := o.dataflow.PrepareInputs(ctx, def, r.ws.InputDir(def.ID), completed); err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{}, ctx.Err()
		}
		return failed(retry.Permanent, err.Error()), nil
	}

	workDir := r.snapshot().WorkDir
	if def.Type != phase.TypeChecksOnly {
		out, err := o.invoke(ctx, r, def, n, opts, workDir)
		if err != nil || !out.passed {
			return out, err
		}
	}

	report, err := o.gates.Run(ctx, def, outDir, gates.RunContext{Attempt: n, WorkDir: workDir, Baseline: r.baseline})
	if err != nil {
		return attemptOutcome{}, err
	}
	if err := o.tracker.SaveAttemptReport(r.id, def.ID, n, gatesReport, report); err != nil {
		o.log.Warn("save gate report", zap.String("phase", def.ID), zap.Error(err))
	}
	o.recordGates(ctx, r, report)
	if report.Passed {
		return attemptOutcome{passed: true}, nil
	}
	return failed(retry.Verification, report.Errors()...), nil
}

func (o *Orchestrator) invoke(ctx context.Context, r *runState, def *phase.Definition, n int, opts attemptOpts, workDir string) (attemptOutcome, error) {
	feedbackFile := r.ws.FeedbackFile(def.ID)
	if len(opts.feedback) > 0 {
		if err := writeFeedback(feedbackFile, def.ID, n, opts.feedback); err != nil {
			return failed(retry.Environment, err.Error()), nil
		}
	} else {
		_ = os.Remove(feedbackFile)
		feedbackFile = ""
	}

	res, err := o.agent.Invoke(ctx, agent.Request{
		PhaseID:      def.ID,
		Attempt:      n,
		WorkDir:      workDir,
		InputDir:     r.ws.InputDir(def.ID),
		OutputDir:    r.ws.OutputDir(def.ID),
		Instructions: o.instructionsPath(r, def),
		Profile:      opts.profile,
		FeedbackFile: feedbackFile,
		Timeout:      def.TimeoutOr(o.cfg.AgentTimeout),
		OnStart: func(pid int) {
			err := o.update(r, func(ps *status.ProjectStatus) error {
				ps.Phase(def.ID).PID = pid
				return nil
			})
			if err != nil {
				o.log.Warn("record agent pid", zap.Int("pid", pid), zap.Error(err))
			}
		},
	})
	if err != nil {
		return attemptOutcome{failure: retry.FailureFromError(err)}, nil
	}

	switch {
	case res.Cancelled:
		if ctx.Err() != nil {
			return attemptOutcome{}, ctx.Err()
		}
		return attemptOutcome{}, context.Canceled
	case res.TimedOut:
		return failed(retry.Transient, res.Summary()), nil
	case !res.Success:
		msgs := []string{res.Summary()}
		if tail := lastLines(res.Stderr, 5); tail != "" {
			msgs = append(msgs, tail)
		}
		return failed(retry.ClassifyAll(msgs, retry.Permanent), msgs...), nil
	}
	return attemptOutcome{passed: true}, nil
}

func (o *Orchestrator) recordGates(ctx context.Context, r *runState, report *gates.Report) {
	runs := make([]events.GateRun, 0, len(report.Results))
	for _, res := range report.Results {
		o.metrics.GateResult(string(res.Kind), res.Passed)
		summary := ""
		if res.Tests != nil {
			o.metrics.AddRegressions(len(res.Tests.Regressions))
			summary = res.Tests.Summary()
		}
		runs = append(runs, events.GateRun{
			Project:   r.id,
			Phase:     report.Phase,
			Attempt:   report.Attempt,
			Gate:      res.Gate,
			Kind:      string(res.Kind),
			Passed:    res.Passed,
			AutoFixed: res.AutoFixed,
			Duration:  res.Duration,
			Summary:   summary,
			Errors:    res.Errors,
		})
	}
	if len(runs) == 0 {
		return
	}
	if err := o.recorder.LogGateRuns(context.WithoutCancel(ctx), runs); err != nil {
		o.log.Warn("log gate runs", zap.Error(err))
	}
}

func (o *Orchestrator) completePhase(ctx context.Context, r *runState, def *phase.Definition) error {
	var n int
	err := o.update(r, func(ps *status.ProjectStatus) error {
		rec := ps.Phase(def.ID)
		n = rec.Attempts
		return status.Transition(def.ID, rec, status.PhaseCompleted)
	})
	if err != nil {
		return fmt.Errorf("complete phase %s: %w", def.ID, err)
	}
	o.event(ctx, r, def.ID, events.PhaseCompleted, n, "")
	o.log.Info("phase completed", zap.String("project", r.id), zap.String("phase", def.ID), zap.Int("attempts", n))
	return nil
}

func (o *Orchestrator) skipPhase(ctx context.Context, r *runState, def *phase.Definition) error {
	err := o.update(r, func(ps *status.ProjectStatus) error {
		return status.Transition(def.ID, ps.Phase(def.ID), status.PhaseSkipped)
	})
	if err != nil {
		return fmt.Errorf("skip phase %s: %w", def.ID, err)
	}
	o.event(ctx, r, def.ID, events.PhaseSkipped, 0, "skipped by operator")
	o.log.Warn("phase skipped by operator", zap.String("project", r.id), zap.String("phase", def.ID))
	return nil
}

// failPhase settles a phase as failed and fails the project with msg as
// its cause.
func (o *Orchestrator) failPhase(ctx context.Context, r *runState, def *phase.Definition, kind retry.Kind, msg string) error {
	err := o.update(r, func(ps *status.ProjectStatus) error {
		rec := ps.Phase(def.ID)
		if rec.Status == status.PhasePausedForHuman {
			if err := status.Transition(def.ID, rec, status.PhaseFailed); err != nil {
				return err
			}
		}
		rec.LastError = msg
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail phase %s: %w", def.ID, err)
	}
	o.notify(ctx, notify.Event{Type: notify.PhaseFailed, Project: r.id, Phase: def.ID, Message: msg})
	_, err = o.failProject(ctx, r, def.ID, kind, msg)
	return err
}

func (o *Orchestrator) profileFor(def *phase.Definition) string {
	if def.Profile != "" {
		return def.Profile
	}
	return o.cfg.Profile
}

// instructionsPath resolves the instruction file relative to the phase file.
func (o *Orchestrator) instructionsPath(r *runState, def *phase.Definition) string {
	if def.Instructions == "" || filepath.IsAbs(def.Instructions) {
		return def.Instructions
	}
	return filepath.Join(filepath.Dir(r.snapshot().PhasesFile), def.Instructions)
}

// phaseTarget adapts a running phase for the escalation manager.
type phaseTarget struct {
	o         *Orchestrator
	r         *runState
	def       *phase.Definition
	completed map[string]string
}

func (t *phaseTarget) Retry(ctx context.Context, adj escalation.Adjustment) (escalation.AttemptResult, error) {
	profile := adj.Profile
	if profile == "" {
		profile = t.o.profileFor(t.def)
	}
	out, err := t.o.attempt(ctx, t.r, t.def, t.completed, attemptOpts{profile: profile, feedback: adj.Feedback})
	if err != nil {
		return escalation.AttemptResult{}, err
	}
	return escalation.AttemptResult{Passed: out.passed, Errors: out.failure.Messages}, nil
}

func (t *phaseTarget) Pause(ctx context.Context, reason string) error {
	var n int
	err := t.o.update(t.r, func(ps *status.ProjectStatus) error {
		rec := ps.Phase(t.def.ID)
		n = rec.Attempts
		if err := status.Transition(t.def.ID, rec, status.PhasePausedForHuman); err != nil {
			return err
		}
		ps.Status = status.ProjectPaused
		return nil
	})
	if err != nil {
		return err
	}
	t.o.event(ctx, t.r, t.def.ID, events.PhasePaused, n, reason)
	return nil
}

func writeFeedback(path, phaseID string, attempt int, msgs []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Feedback for %s\n\nAttempt %d must fix the following problems from the previous attempt:\n\n", phaseID, attempt)
	for _, m := range msgs {
		fmt.Fprintf(&b, "- %s\n", strings.ReplaceAll(m, "\n", "\n  "))
	}
	if err := status.WriteAtomic(path, []byte(b.String())); err != nil {
		return fmt.Errorf("write feedback: %w", err)
	}
	return nil
}

func summarize(msgs []string) string {
	if len(msgs) == 0 {
		return "unknown failure"
	}
	if len(msgs) > 3 {
		return strings.Join(msgs[:3], "; ") + fmt.Sprintf(" (+%d more)", len(msgs)-3)
	}
	return strings.Join(msgs, "; ")
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
