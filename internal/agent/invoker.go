package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Environment variables handed to the agent process.
const (
	EnvPhaseID      = "HELIX_PHASE_ID"
	EnvInputDir     = "HELIX_INPUT_DIR"
	EnvOutputDir    = "HELIX_OUTPUT_DIR"
	EnvInstructions = "HELIX_INSTRUCTIONS"
	EnvProfile      = "HELIX_PROFILE"
	EnvFeedbackFile = "HELIX_FEEDBACK_FILE"
	EnvAttempt      = "HELIX_ATTEMPT"
)

const tailSize = 8000

// Config describes how to launch the agent.
type Config struct {
	Command        string
	Args           []string
	Env            []string
	DefaultTimeout time.Duration
	KillGrace      time.Duration
}

// Request is one agent invocation.
type Request struct {
	PhaseID      string
	Attempt      int
	WorkDir      string
	InputDir     string
	OutputDir    string
	Instructions string
	Profile      string
	FeedbackFile string
	Timeout      time.Duration

	// OnStart is called with the PID once the process is running.
	OnStart func(pid int)
}

// Result is the outcome of one invocation.
type Result struct {
	PhaseID   string        `json:"phase_id"`
	Attempt   int           `json:"attempt"`
	Success   bool          `json:"success"`
	OutputDir string        `json:"output_dir"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
}

// Summary returns a one-line description of a failed result.
func (r *Result) Summary() string {
	switch {
	case r.Success:
		return "agent succeeded"
	case r.TimedOut:
		return fmt.Sprintf("agent timeout after %s", r.Duration.Round(time.Millisecond))
	case r.Cancelled:
		return "agent cancelled"
	default:
		return fmt.Sprintf("agent exited with code %d", r.ExitCode)
	}
}

// Invoker runs the agent as a child process in its own process group.
type Invoker struct {
	cfg Config
	log *zap.Logger
}

// New creates an Invoker.
func New(cfg Config, log *zap.Logger) *Invoker {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Invoker{cfg: cfg, log: log.Named("agent")}
}

// Invoke runs the agent and waits for it to exit. On timeout or context
// cancellation the process group gets SIGTERM, then SIGKILL after the
// grace period. The error is non-nil only when the process could not be
// started.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if inv.cfg.Command == "" {
		return nil, errors.New("agent command not configured")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir output dir: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = inv.cfg.DefaultTimeout
	}

	cmd := exec.Command(inv.cfg.Command, inv.cfg.Args...)
	cmd.Dir = req.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = req.OutputDir
	}
	cmd.Env = append(os.Environ(), inv.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvPhaseID+"="+req.PhaseID,
		EnvInputDir+"="+req.InputDir,
		EnvOutputDir+"="+req.OutputDir,
		EnvInstructions+"="+req.Instructions,
		EnvProfile+"="+req.Profile,
		EnvFeedbackFile+"="+req.FeedbackFile,
		EnvAttempt+"="+strconv.Itoa(req.Attempt),
	)
	stdout := newTail(tailSize)
	stderr := newTail(tailSize)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * inv.cfg.KillGrace

	log := inv.log.With(zap.String("phase", req.PhaseID), zap.Int("attempt", req.Attempt))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	pid := cmd.Process.Pid
	log.Info("agent started", zap.Int("pid", pid), zap.String("profile", req.Profile))
	if req.OnStart != nil {
		req.OnStart(pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	res := &Result{
		PhaseID:   req.PhaseID,
		Attempt:   req.Attempt,
		OutputDir: req.OutputDir,
		StartedAt: start.UTC(),
	}

	var waitErr error
	select {
	case waitErr = <-done:
	case <-deadline:
		res.TimedOut = true
		log.Warn("agent timed out", zap.Duration("timeout", timeout))
		waitErr = inv.terminate(cmd, done, log)
	case <-ctx.Done():
		res.Cancelled = true
		log.Warn("agent cancelled", zap.Error(ctx.Err()))
		waitErr = inv.terminate(cmd, done, log)
	}

	res.Duration = time.Since(start)
	res.ExitCode = exitCode(waitErr)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Success = res.ExitCode == 0 && !res.TimedOut && !res.Cancelled

	log.Info("agent finished",
		zap.Bool("success", res.Success),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// terminate asks the process group to stop and escalates to SIGKILL when
// the grace period runs out.
func (inv *Invoker) terminate(cmd *exec.Cmd, done <-chan error, log *zap.Logger) error {
	if err := signalGroup(cmd, sigTerm); err != nil {
		log.Debug("sigterm failed", zap.Error(err))
	}
	grace := time.NewTimer(inv.cfg.KillGrace)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
		log.Warn("agent ignored SIGTERM, killing process group", zap.Duration("grace", inv.cfg.KillGrace))
		if err := signalGroup(cmd, sigKill); err != nil {
			log.Debug("sigkill failed", zap.Error(err))
		}
		return <-done
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}
