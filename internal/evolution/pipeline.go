package evolution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/dataflow"
	"github.com/uke16/Helix-sub001/internal/events"
	"github.com/uke16/Helix-sub001/internal/gates"
	"github.com/uke16/Helix-sub001/internal/metrics"
	"github.com/uke16/Helix-sub001/internal/notify"
)

const defaultValidateTimeout = 30 * time.Minute

// Config configures the pipeline.
type Config struct {
	StateDir     string                 `koanf:"state_dir" yaml:"state_dir" json:"state_dir"`
	Environments map[string]Environment `koanf:"environments" yaml:"environments" json:"environments"`
}

// Deps are the pipeline's collaborators. Only Cmd is required.
type Deps struct {
	Cmd      gates.CommandRunner
	Docker   ContainerRestarter
	Recorder events.Recorder
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Log      *zap.Logger
}

type services struct {
	test ServiceController
	prod ServiceController
}

// Pipeline moves evolution projects through deploy, validate and
// integrate.
type Pipeline struct {
	cfg      Config
	store    *Store
	locker   *Locker
	cmd      gates.CommandRunner
	services map[string]services
	recorder events.Recorder
	metrics  *metrics.Metrics
	notifier notify.Notifier
	log      *zap.Logger

	mu       sync.Mutex
	projects map[string]*sync.Mutex
}

// New creates a Pipeline, building a service controller for each
// environment.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("evolution state dir not configured")
	}
	if deps.Cmd == nil {
		deps.Cmd = &gates.ExecRunner{}
	}
	if deps.Recorder == nil {
		deps.Recorder = events.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	log := deps.Log.Named("evolution")

	p := &Pipeline{
		cfg:      cfg,
		store:    NewStore(filepath.Join(cfg.StateDir, "projects")),
		locker:   NewLocker(filepath.Join(cfg.StateDir, "locks"), log),
		cmd:      deps.Cmd,
		services: make(map[string]services),
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		notifier: deps.Notifier,
		log:      log,
		projects: make(map[string]*sync.Mutex),
	}
	for name, env := range cfg.Environments {
		test, err := NewService(env.TestService, env.TestDir, deps.Cmd, deps.Docker)
		if err != nil {
			return nil, fmt.Errorf("environment %s test service: %w", name, err)
		}
		prod, err := NewService(env.ProdService, env.ProdDir, deps.Cmd, deps.Docker)
		if err != nil {
			return nil, fmt.Errorf("environment %s prod service: %w", name, err)
		}
		p.services[name] = services{test: test, prod: prod}
	}
	return p, nil
}

// Locker returns the environment locker.
func (p *Pipeline) Locker() *Locker { return p.locker }

// SetServices replaces the service controllers of an environment.
func (p *Pipeline) SetServices(env string, test, prod ServiceController) {
	p.services[env] = services{test: test, prod: prod}
}

func (p *Pipeline) environment(name string) (Environment, error) {
	env, ok := p.cfg.Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("unknown environment %q", name)
	}
	return env, nil
}

func (p *Pipeline) lockProject(name string) func() {
	p.mu.Lock()
	m, ok := p.projects[name]
	if !ok {
		m = &sync.Mutex{}
		p.projects[name] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (p *Pipeline) snapshotDir(env, project string) string {
	return filepath.Join(p.cfg.StateDir, "snapshots", env, project)
}

// CreateRequest describes a new project.
type CreateRequest struct {
	Name      string
	Env       string
	SourceDir string
	Include   []string
}

// Create registers a PENDING project.
func (p *Pipeline) Create(ctx context.Context, req CreateRequest) (*Project, error) {
	if _, err := p.environment(req.Env); err != nil {
		return nil, err
	}
	for _, pat := range req.Include {
		if _, err := dataflow.Match(pat, ""); err != nil {
			return nil, err
		}
	}
	src, err := filepath.Abs(req.SourceDir)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("source dir %s is not a directory", req.SourceDir)
	}

	proj := &Project{
		Name:      req.Name,
		Status:    StatusPending,
		Env:       req.Env,
		SourceDir: src,
		Include:   append([]string(nil), req.Include...),
	}
	if err := p.store.Create(proj); err != nil {
		return nil, err
	}
	p.record(ctx, proj, "", StatusPending, "created")
	return proj, nil
}

// Get returns a project.
func (p *Pipeline) Get(name string) (*Project, error) {
	return p.store.Get(name)
}

// List returns all projects sorted by name.
func (p *Pipeline) List() ([]*Project, error) {
	return p.store.List()
}

// Develop moves a PENDING project to DEVELOPING.
func (p *Pipeline) Develop(ctx context.Context, name string) (*Project, error) {
	defer p.lockProject(name)()
	proj, err := p.store.Get(name)
	if err != nil {
		return nil, err
	}
	switch proj.Status {
	case StatusPending:
	case StatusDeveloping:
		return proj, nil
	default:
		return nil, &PreconditionError{Op: "develop", Project: name, Status: proj.Status, Want: []Status{StatusPending}}
	}
	return proj, p.advance(ctx, proj, StatusDeveloping, "development started")
}

// MarkReady freezes the project's file set and moves it to READY. Files
// are split into new and modified by whether they exist in production.
func (p *Pipeline) MarkReady(ctx context.Context, name string) (*Project, error) {
	defer p.lockProject(name)()
	proj, err := p.store.Get(name)
	if err != nil {
		return nil, err
	}
	switch proj.Status {
	case StatusDeveloping:
	case StatusReady:
		return proj, nil
	default:
		return nil, &PreconditionError{Op: "ready", Project: name, Status: proj.Status, Want: []Status{StatusDeveloping}}
	}
	env, err := p.environment(proj.Env)
	if err != nil {
		return nil, err
	}

	files, err := p.collectFiles(proj)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("project %s selects no files from %s", name, proj.SourceDir)
	}
	proj.NewFiles, proj.ModifiedFiles = nil, nil
	for _, f := range files {
		if fileExists(filepath.Join(env.ProdDir, filepath.FromSlash(f))) {
			proj.ModifiedFiles = append(proj.ModifiedFiles, ModifiedFile{Path: f})
		} else {
			proj.NewFiles = append(proj.NewFiles, f)
		}
	}
	return proj, p.advance(ctx, proj, StatusReady, fmt.Sprintf("%d new, %d modified files", len(proj.NewFiles), len(proj.ModifiedFiles)))
}

func (p *Pipeline) collectFiles(proj *Project) ([]string, error) {
	patterns := proj.Include
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}
	seen := make(map[string]bool)
	var out []string
	for _, pat := range patterns {
		matches, err := dataflow.Glob(proj.SourceDir, pat)
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", pat, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Deploy locks the project's test environment, resets it from production,
// copies the project's files over it and restarts the test service.
// Deploying an already deployed, validated or integrated project is a
// no-op. A busy environment yields *DeployConflictError; a failed step
// restores the environment, releases the lock and yields *EnvironmentError.
func (p *Pipeline) Deploy(ctx context.Context, name string) (*Project, error) {
	defer p.lockProject(name)()
	proj, err := p.store.Get(name)
	if err != nil {
		return nil, err
	}
	switch proj.Status {
	case StatusDeployed, StatusValidated, StatusIntegrated:
		return proj, nil
	case StatusReady:
	default:
		return nil, &PreconditionError{Op: "deploy", Project: name, Status: proj.Status, Want: []Status{StatusReady}}
	}
	env, err := p.environment(proj.Env)
	if err != nil {
		return nil, err
	}
	if err := p.checkOccupants(proj); err != nil {
		return nil, err
	}

	lock, err := p.locker.Acquire(proj.Env, name)
	if err != nil {
		return nil, err
	}

	snapshot := p.snapshotDir(proj.Env, name)
	snapshotTaken := false
	fail := func(op string, cause error) (*Project, error) {
		if snapshotTaken {
			if err := replaceTree(snapshot, env.TestDir); err != nil {
				p.log.Error("restore test environment", zap.String("env", proj.Env), zap.Error(err))
			}
		}
		if err := p.locker.Release(proj.Env, name); err != nil {
			p.log.Error("release environment", zap.String("env", proj.Env), zap.Error(err))
		}
		proj.LastError = fmt.Sprintf("%s: %v", op, cause)
		if err := p.store.Save(proj); err != nil {
			p.log.Error("save project", zap.String("project", name), zap.Error(err))
		}
		p.log.Warn("deploy failed", zap.String("project", name), zap.String("step", op), zap.Error(cause))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("deploy %s: %w", name, ctxErr)
		}
		return nil, &EnvironmentError{Op: op, Env: proj.Env, Err: cause}
	}

	if err := ctx.Err(); err != nil {
		return fail("deploy", err)
	}
	if err := replaceTree(env.TestDir, snapshot); err != nil {
		return fail("snapshot test environment", err)
	}
	snapshotTaken = true
	if err := ctx.Err(); err != nil {
		return fail("deploy", err)
	}
	if err := replaceTree(env.ProdDir, env.TestDir); err != nil {
		return fail("reset test environment from production", err)
	}
	if err := copyFiles(proj.SourceDir, env.TestDir, proj.Files()); err != nil {
		return fail("copy project files", err)
	}
	if err := ctx.Err(); err != nil {
		return fail("deploy", err)
	}
	if err := p.services[proj.Env].test.Restart(ctx); err != nil {
		return fail("restart test service", err)
	}

	history := len(proj.History)
	proj.LockToken = lock.Token
	proj.LastError = ""
	proj.Validation = nil
	if err := p.advance(ctx, proj, StatusDeployed, "deployed to "+proj.Env); err != nil {
		proj.Status = StatusReady
		proj.History = proj.History[:history]
		proj.LockToken = ""
		return fail("record deploy", err)
	}
	return proj, nil
}

func (p *Pipeline) checkOccupants(proj *Project) error {
	all, err := p.store.List()
	if err != nil {
		return err
	}
	for _, other := range all {
		if other.Name != proj.Name && other.Env == proj.Env && other.Status.HoldsEnvironment() {
			return &DeployConflictError{Env: proj.Env, Project: proj.Name, Holder: other.Name}
		}
	}
	return nil
}

// Validate runs the environment's syntax, unit and e2e commands in the
// test environment. It requires DEPLOYED and changes nothing otherwise.
// A passing run moves the project to VALIDATED, a failing one to FAILED;
// either way the report is stored on the project.
func (p *Pipeline) Validate(ctx context.Context, name string) (*Project, error) {
	defer p.lockProject(name)()
	proj, err := p.store.Get(name)
	if err != nil {
		return nil, err
	}
	switch proj.Status {
	case StatusValidated, StatusIntegrated:
		return proj, nil
	case StatusDeployed:
	default:
		return nil, &PreconditionError{Op: "validate", Project: name, Status: proj.Status, Want: []Status{StatusDeployed}}
	}
	env, err := p.environment(proj.Env)
	if err != nil {
		return nil, err
	}

	report := p.runValidation(ctx, env)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}
	proj.Validation = report
	if report.Passed {
		proj.LastError = ""
		return proj, p.advance(ctx, proj, StatusValidated, "validation passed")
	}
	failed := report.Failed()
	proj.LastError = fmt.Sprintf("%s failed (exit code %d)", failed.Name, failed.ExitCode)
	return proj, p.advance(ctx, proj, StatusFailed, proj.LastError)
}

func (p *Pipeline) runValidation(ctx context.Context, env Environment) *ValidationReport {
	timeout := env.Timeout
	if timeout <= 0 {
		timeout = defaultValidateTimeout
	}
	report := &ValidationReport{Passed: true, StartedAt: time.Now().UTC()}
	steps := []struct{ name, command string }{
		{"syntax", env.Validate.Syntax},
		{"unit", env.Validate.Unit},
		{"e2e", env.Validate.E2E},
	}
	for _, s := range steps {
		step := StepResult{Name: s.name, Command: s.command}
		switch {
		case s.command == "":
			step.Skipped, step.Passed = true, true
		case !report.Passed:
			step.Skipped = true
		default:
			start := time.Now()
			sctx, cancel := context.WithTimeout(ctx, timeout)
			stdout, stderr, exitCode, err := p.cmd.Run(sctx, env.TestDir, s.command)
			timedOut := sctx.Err() != nil
			cancel()
			step.Duration = time.Since(start)
			step.ExitCode = exitCode
			step.Output = tail(strings.TrimSpace(stdout+"\n"+stderr), 4000)
			switch {
			case err != nil:
				step.Output = err.Error()
			case timedOut:
				step.Output = fmt.Sprintf("timed out after %s\n%s", timeout, step.Output)
			default:
				step.Passed = exitCode == 0
			}
			if !step.Passed {
				report.Passed = false
			}
			p.log.Info("validation step",
				zap.String("step", s.name),
				zap.Bool("passed", step.Passed),
				zap.Int("exit_code", exitCode),
				zap.Duration("duration", step.Duration))
		}
		report.Steps = append(report.Steps, step)
	}
	report.FinishedAt = time.Now().UTC()
	return report
}

// Integrate copies a VALIDATED project into production and restarts the
// production service. Production originals are saved on the project first
// so a failure can restore them. Integrating an INTEGRATED project returns
// it unchanged.
func (p *Pipeline) Integrate(ctx context.Context, name string) (*Project, error) {
	defer p.lockProject(name)()
	proj, err := p.store.Get(name)
	if err != nil {
		return nil, err
	}
	switch proj.Status {
	case StatusIntegrated:
		return proj, nil
	case StatusValidated:
	default:
		return nil, &PreconditionError{Op: "integrate", Project: name, Status: proj.Status, Want: []Status{StatusValidated}}
	}
	env, err := p.environment(proj.Env)
	if err != nil {
		return nil, err
	}

	if err := backupOriginals(proj, env.ProdDir); err != nil {
		return nil, &EnvironmentError{Op: "back up production files", Env: proj.Env, Err: err}
	}
	proj.ProdTouched = true
	if err := p.store.Save(proj); err != nil {
		return nil, err
	}

	var step string
	err = copyFiles(proj.SourceDir, env.ProdDir, proj.Files())
	if err != nil {
		step = "copy files to production"
	} else if err = p.services[proj.Env].prod.Restart(ctx); err != nil {
		step = "restart production service"
	}
	if err != nil {
		if rerr := restoreOriginals(proj, env.ProdDir); rerr != nil {
			p.log.Error("restore production files", zap.String("project", name), zap.Error(rerr))
		} else {
			proj.ProdTouched = false
		}
		proj.LastError = fmt.Sprintf("%s: %v", step, err)
		if aerr := p.advance(ctx, proj, StatusFailed, proj.LastError); aerr != nil {
			p.log.Error("record failed integration", zap.Error(aerr))
		}
		return proj, &EnvironmentError{Op: step, Env: proj.Env, Err: err}
	}

	proj.LockToken = ""
	proj.LastError = ""
	if err := p.advance(ctx, proj, StatusIntegrated, "integrated into production"); err != nil {
		return nil, err
	}
	if err := p.locker.Release(proj.Env, name); err != nil {
		p.log.Error("release environment", zap.String("env", proj.Env), zap.Error(err))
	}
	_ = os.RemoveAll(p.snapshotDir(proj.Env, name))
	return proj, nil
}

// backupOriginals captures the production content of every file the
// project overwrites. Files that appeared in production since the project
// became READY are backed up too.
func backupOriginals(proj *Project, prodDir string) error {
	var stillNew []string
	for _, f := range proj.NewFiles {
		if fileExists(filepath.Join(prodDir, filepath.FromSlash(f))) {
			proj.ModifiedFiles = append(proj.ModifiedFiles, ModifiedFile{Path: f})
		} else {
			stillNew = append(stillNew, f)
		}
	}
	proj.NewFiles = stillNew

	for i := range proj.ModifiedFiles {
		mf := &proj.ModifiedFiles[i]
		if mf.BackedUp {
			continue
		}
		data, err := os.ReadFile(filepath.Join(prodDir, filepath.FromSlash(mf.Path)))
		if err != nil {
			return fmt.Errorf("read %s: %w", mf.Path, err)
		}
		mf.OriginalContent = data
		mf.BackedUp = true
	}
	return nil
}

// restoreOriginals puts backed-up production files back and removes files
// the project added.
func restoreOriginals(proj *Project, prodDir string) error {
	var errs []error
	for _, mf := range proj.ModifiedFiles {
		if !mf.BackedUp {
			continue
		}
		path := filepath.Join(prodDir, filepath.FromSlash(mf.Path))
		if err := os.WriteFile(path, mf.OriginalContent, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", mf.Path, err))
		}
	}
	for _, f := range proj.NewFiles {
		if err := os.Remove(filepath.Join(prodDir, filepath.FromSlash(f))); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// Rollback restores the test environment of a FAILED project, restores
// production if integration had touched it, releases the environment and
// returns the project to READY. When another project has deployed to the
// environment since this one released it, only production is restored. A rollback interrupted by an environment
// error can be retried from ROLLBACK. Rolling back a READY or INTEGRATED
// project is a no-op.
func (p *Pipeline) Rollback(ctx context.Context, name string) (*Project, error) {
	defer p.lockProject(name)()
	proj, err := p.store.Get(name)
	if err != nil {
		return nil, err
	}
	switch proj.Status {
	case StatusReady, StatusIntegrated, StatusPending, StatusDeveloping:
		return proj, nil
	case StatusFailed:
		if err := p.advance(ctx, proj, StatusRollback, "rollback started"); err != nil {
			return nil, err
		}
	case StatusRollback:
	default:
		return nil, &PreconditionError{Op: "rollback", Project: name, Status: proj.Status, Want: []Status{StatusFailed}}
	}
	env, err := p.environment(proj.Env)
	if err != nil {
		return nil, err
	}
	svc := p.services[proj.Env]

	fail := func(op string, cause error) (*Project, error) {
		proj.LastError = fmt.Sprintf("%s: %v", op, cause)
		if err := p.store.Save(proj); err != nil {
			p.log.Error("save project", zap.String("project", name), zap.Error(err))
		}
		return proj, &EnvironmentError{Op: op, Env: proj.Env, Err: cause}
	}

	// After Release another project may have deployed; its test
	// environment must not be touched.
	ownsEnv := true
	if _, err := p.locker.Acquire(proj.Env, name); err != nil {
		var conflict *DeployConflictError
		if !errors.As(err, &conflict) {
			return fail("lock environment", err)
		}
		ownsEnv = false
		p.log.Warn("test environment held by another project, leaving it untouched",
			zap.String("project", name),
			zap.String("env", proj.Env),
			zap.String("holder", conflict.Holder))
	}

	snapshot := p.snapshotDir(proj.Env, name)
	if ownsEnv {
		source := snapshot
		if _, err := os.Stat(snapshot); err != nil {
			source = env.ProdDir
		}
		if err := replaceTree(source, env.TestDir); err != nil {
			return fail("restore test environment", err)
		}
	}
	if proj.ProdTouched {
		if err := restoreOriginals(proj, env.ProdDir); err != nil {
			return fail("restore production files", err)
		}
		if err := svc.prod.Restart(ctx); err != nil {
			return fail("restart production service", err)
		}
		proj.ProdTouched = false
	}
	if ownsEnv {
		if err := svc.test.Restart(ctx); err != nil {
			return fail("restart test service", err)
		}
		if err := p.locker.Release(proj.Env, name); err != nil {
			return fail("release environment", err)
		}
	}
	_ = os.RemoveAll(snapshot)
	proj.LockToken = ""
	proj.LastError = ""
	if err := p.advance(ctx, proj, StatusReady, "rolled back"); err != nil {
		return nil, err
	}
	return proj, nil
}

// Release drops the project's environment lock. A project still holding
// its environment (DEPLOYED or VALIDATED) is marked FAILED first so that
// Rollback can restore the test environment.
func (p *Pipeline) Release(ctx context.Context, name string) (*Project, error) {
	defer p.lockProject(name)()
	proj, err := p.store.Get(name)
	if err != nil {
		return nil, err
	}
	if proj.Status.HoldsEnvironment() {
		proj.LastError = "environment released"
		if err := p.advance(ctx, proj, StatusFailed, "released"); err != nil {
			return nil, err
		}
	}
	if err := p.locker.Release(proj.Env, name); err != nil {
		return nil, err
	}
	if proj.LockToken != "" {
		proj.LockToken = ""
		if err := p.store.Save(proj); err != nil {
			return nil, err
		}
	}
	return proj, nil
}

// advance transitions proj, saves it and records the change.
func (p *Pipeline) advance(ctx context.Context, proj *Project, to Status, reason string) error {
	from := proj.Status
	if err := proj.transition(to, reason); err != nil {
		return err
	}
	if err := p.store.Save(proj); err != nil {
		return fmt.Errorf("save project %s: %w", proj.Name, err)
	}
	p.record(ctx, proj, from, to, reason)
	return nil
}

func (p *Pipeline) record(ctx context.Context, proj *Project, from, to Status, reason string) {
	p.log.Info("evolution transition",
		zap.String("project", proj.Name),
		zap.String("env", proj.Env),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	p.metrics.EvolutionTransition(string(to))

	// Events are recorded even after the caller's context ends.
	rctx := context.WithoutCancel(ctx)
	if err := p.recorder.LogEvolutionEvent(rctx, events.EvolutionEvent{
		Project: proj.Name, Env: proj.Env, From: string(from), To: string(to), Detail: reason,
	}); err != nil {
		p.log.Warn("log evolution event", zap.Error(err))
	}
	if err := p.notifier.Notify(rctx, notify.Event{
		Type:    notify.EvolutionChanged,
		Project: proj.Name,
		Message: fmt.Sprintf("%s -> %s", from, to),
		Data:    map[string]string{"env": proj.Env, "from": string(from), "to": string(to), "reason": reason},
	}); err != nil {
		p.log.Warn("evolution notification", zap.Error(err))
	}
}

// tail returns at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
