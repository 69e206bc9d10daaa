package gates

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/phase"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Config holds project-wide gate settings.
type Config struct {
	TestCommand    string
	TestParser     string
	PermanentSkips []string
	// SyntaxCommands maps a file extension to a command template; {file}
	// is replaced with the quoted file path.
	SyntaxCommands map[string]string
	ReviewCommand  string
	DefaultTimeout time.Duration
}

// RunContext carries per-attempt inputs to a gate run.
type RunContext struct {
	Attempt  int
	WorkDir  string
	Baseline *Baseline
}

// Runner evaluates the gates of a phase.
type Runner struct {
	cmd      CommandRunner
	cfg      Config
	parsers  map[string]TestParser
	reviewer Reviewer
	log      *zap.Logger
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner, cfg Config, log *zap.Logger) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.TestParser == "" {
		cfg.TestParser = "generic"
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		cmd:     cmd,
		cfg:     cfg,
		parsers: DefaultParsers(),
		log:     log.Named("gates"),
	}
	if cfg.ReviewCommand != "" {
		r.reviewer = &CommandReviewer{Cmd: cmd, Command: cfg.ReviewCommand}
	}
	return r
}

// SetReviewer installs the collaborator used by review_approved gates.
func (r *Runner) SetReviewer(rv Reviewer) { r.reviewer = rv }

// Config returns the runner's gate settings.
func (r *Runner) Config() Config { return r.cfg }

func (r *Runner) env() Env {
	return Env{Cmd: r.cmd, Config: r.cfg, Reviewer: r.reviewer, Parsers: r.parsers}
}

// Run evaluates every gate declared by def against outputDir. All gates
// run even when an earlier one fails so the report is complete. The error
// is non-nil only when ctx is done.
func (r *Runner) Run(ctx context.Context, def *phase.Definition, outputDir string, rc RunContext) (*Report, error) {
	start := time.Now()
	report := &Report{
		Phase:     def.ID,
		Attempt:   rc.Attempt,
		Passed:    true,
		StartedAt: start.UTC(),
	}
	in := Input{Phase: def, OutputDir: outputDir, WorkDir: rc.WorkDir, Baseline: rc.Baseline}
	if in.WorkDir == "" {
		in.WorkDir = outputDir
	}

	for _, gc := range def.Gates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := r.runGate(ctx, gc, in)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Results = append(report.Results, res)
		if !res.Passed {
			report.Passed = false
		}
		r.log.Info("gate evaluated",
			zap.String("phase", def.ID),
			zap.Int("attempt", rc.Attempt),
			zap.String("gate", res.Gate),
			zap.Bool("passed", res.Passed),
			zap.Int("errors", len(res.Errors)),
			zap.Bool("auto_fixed", res.AutoFixed))
	}

	report.Duration = time.Since(start)
	return report, nil
}

// runGate checks one gate. When it fails and auto-fix is configured the
// fix command runs once and the gate is checked again.
func (r *Runner) runGate(ctx context.Context, gc phase.GateConfig, in Input) *Result {
	g, err := New(gc, r.env())
	if err != nil {
		return &Result{Gate: gc.DisplayName(), Kind: gc.Kind, Errors: []string{err.Error()}}
	}

	res := r.checkOnce(ctx, g, in)
	if res.Passed || !gc.AutoFix || gc.FixCommand == "" {
		return res
	}

	fixCtx, cancel := context.WithTimeout(ctx, gc.TimeoutOr(r.cfg.DefaultTimeout))
	// Fix commands often exit non-zero even when they fixed something.
	_, _, _, _ = r.cmd.Run(fixCtx, in.WorkDir, gc.FixCommand)
	cancel()

	recheck := r.checkOnce(ctx, g, in)
	recheck.AutoFixed = true
	return recheck
}

func (r *Runner) checkOnce(ctx context.Context, g Gate, in Input) *Result {
	start := time.Now()
	res, err := g.Check(ctx, in)
	if err != nil {
		res = &Result{Errors: []string{fmt.Sprintf("gate error: %v", err)}}
	}
	res.Gate = g.Name()
	res.Kind = g.Kind()
	res.Duration = time.Since(start)
	if len(res.Errors) > 0 {
		res.Passed = false
	}
	return res
}

// CaptureBaseline runs the project test command in workDir and records
// which tests fail before any phase has run.
func (r *Runner) CaptureBaseline(ctx context.Context, workDir string) (*Baseline, error) {
	if r.cfg.TestCommand == "" {
		return nil, errors.New("no test command configured")
	}
	parser, ok := r.parsers[r.cfg.TestParser]
	if !ok {
		return nil, fmt.Errorf("unknown test parser %q", r.cfg.TestParser)
	}

	tctx, cancel := context.WithTimeout(ctx, r.cfg.DefaultTimeout)
	defer cancel()
	stdout, stderr, exitCode, err := r.cmd.Run(tctx, workDir, r.cfg.TestCommand)
	if err != nil {
		return nil, fmt.Errorf("run baseline tests: %w", err)
	}
	if tctx.Err() != nil {
		return nil, fmt.Errorf("baseline tests: %w", tctx.Err())
	}
	run := settle(parser.Parse(stdout, stderr, exitCode), exitCode)

	b := &Baseline{
		Failing:        removeSkipped(run.Failing, r.cfg.PermanentSkips),
		Known:          removeSkipped(run.Known(), r.cfg.PermanentSkips),
		Command:        r.cfg.TestCommand,
		PermanentSkips: append([]string(nil), r.cfg.PermanentSkips...),
		CapturedAt:     time.Now().UTC(),
	}
	if commit, err := HeadCommit(workDir); err == nil {
		b.Commit = commit
	} else {
		r.log.Debug("baseline without commit reference", zap.Error(err))
	}

	r.log.Info("baseline captured",
		zap.String("commit", b.Commit),
		zap.Int("known", len(b.Known)),
		zap.Int("failing", len(b.Failing)))
	return b, nil
}
