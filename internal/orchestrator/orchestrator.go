package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/uke16/Helix-sub001/internal/agent"
	"github.com/uke16/Helix-sub001/internal/dataflow"
	"github.com/uke16/Helix-sub001/internal/escalation"
	"github.com/uke16/Helix-sub001/internal/events"
	"github.com/uke16/Helix-sub001/internal/gates"
	"github.com/uke16/Helix-sub001/internal/metrics"
	"github.com/uke16/Helix-sub001/internal/notify"
	"github.com/uke16/Helix-sub001/internal/phase"
	"github.com/uke16/Helix-sub001/internal/retry"
	"github.com/uke16/Helix-sub001/internal/status"
)

const baselineArtifact = "baseline.json"

// Agent runs one phase attempt.
type Agent interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// GateRunner evaluates phase gates and captures the test baseline.
type GateRunner interface {
	Run(ctx context.Context, def *phase.Definition, outputDir string, rc gates.RunContext) (*gates.Report, error)
	CaptureBaseline(ctx context.Context, workDir string) (*gates.Baseline, error)
}

// Config holds run-wide settings.
type Config struct {
	MaxParallel  int
	Profile      string
	AgentTimeout time.Duration
	MetricsFile  string
}

// Deps are the orchestrator's collaborators. Tracker, Agent, Gates and
// Escalation are required.
type Deps struct {
	Tracker    *status.Tracker
	Agent      Agent
	Gates      GateRunner
	Dataflow   *dataflow.Manager
	Retry      *retry.Handler
	Escalation *escalation.Manager
	Recorder   events.Recorder
	Metrics    *metrics.Metrics
	Notifier   notify.Notifier
	Log        *zap.Logger
}

// Orchestrator drives a project's phase graph to completion.
type Orchestrator struct {
	cfg        Config
	tracker    *status.Tracker
	agent      Agent
	gates      GateRunner
	dataflow   *dataflow.Manager
	retry      *retry.Handler
	escalation *escalation.Manager
	recorder   events.Recorder
	metrics    *metrics.Metrics
	notifier   notify.Notifier
	log        *zap.Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Dataflow == nil {
		deps.Dataflow = dataflow.NewManager(deps.Log)
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewHandler(retry.DefaultPolicy(), deps.Log)
	}
	if deps.Recorder == nil {
		deps.Recorder = events.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Orchestrator{
		cfg:        cfg,
		tracker:    deps.Tracker,
		agent:      deps.Agent,
		gates:      deps.Gates,
		dataflow:   deps.Dataflow,
		retry:      deps.Retry,
		escalation: deps.Escalation,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		notifier:   deps.Notifier,
		log:        deps.Log.Named("orchestrator"),
	}
}

// StartRequest describes a new project run.
type StartRequest struct {
	Project    string
	PhasesFile string
	WorkDir    string
}

// Start creates a project from a phase file and runs it. The returned
// status is the state after the run ended; a cancelled run returns the
// context error along with the resumable status.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*status.ProjectStatus, error) {
	phasesFile, err := filepath.Abs(req.PhasesFile)
	if err != nil {
		return nil, err
	}
	graph, err := phase.Load(phasesFile)
	if err != nil {
		return nil, fmt.Errorf("load phases: %w", err)
	}
	workDir, err := filepath.Abs(req.WorkDir)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(workDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("workdir %s is not a directory", req.WorkDir)
	}

	p := &status.ProjectStatus{
		ID:         req.Project,
		Status:     status.ProjectPending,
		WorkDir:    workDir,
		PhasesFile: phasesFile,
		PhaseOrder: graph.Order(),
	}
	for _, id := range graph.Order() {
		p.Phase(id)
	}
	if err := o.tracker.Create(p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	o.log.Info("project created",
		zap.String("project", p.ID),
		zap.Int("phases", graph.Len()),
		zap.String("workdir", workDir))
	return o.run(ctx, p, graph)
}

// Resume continues a project. Completed and skipped phases are never run
// again; interrupted, failed and paused phases run from a fresh attempt.
// Resuming a completed project is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, project string) (*status.ProjectStatus, error) {
	p, err := o.tracker.Load(project)
	if err != nil {
		return nil, err
	}
	if p.Status == status.ProjectCompleted {
		return p, nil
	}
	if p.Status == status.ProjectRunning && p.OwnerPID != os.Getpid() && status.ProcessAlive(p.OwnerPID) {
		return nil, retry.Wrap(retry.Conflict, fmt.Errorf("project %s is being run by pid %d", project, p.OwnerPID))
	}
	graph, err := phase.Load(p.PhasesFile)
	if err != nil {
		return nil, fmt.Errorf("load phases: %w", err)
	}
	for _, id := range graph.Order() {
		p.Phase(id)
	}
	return o.run(ctx, p, graph)
}

// Status returns the persisted status of a project.
func (o *Orchestrator) Status(project string) (*status.ProjectStatus, error) {
	return o.tracker.Load(project)
}

// StatusAll returns every project, most recently updated first.
func (o *Orchestrator) StatusAll() ([]*status.ProjectStatus, error) {
	return o.tracker.ListByUpdated()
}

// Signal releases a phase paused for a human in this process, or leaves a
// signal file for the process that owns the run.
func (o *Orchestrator) Signal(project, phaseID string, action escalation.Action) error {
	return o.escalation.Resume(project, phaseID, action)
}

// runState is one execution of a project.
type runState struct {
	id       string
	runID    string
	graph    *phase.Graph
	ws       dataflow.Workspace
	baseline *gates.Baseline

	mu     sync.Mutex
	status *status.ProjectStatus
}

func (r *runState) snapshot() *status.ProjectStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Clone()
}

// update applies fn to the persisted status. Mutations are serialised by
// the tracker and mirrored into the run's copy.
func (o *Orchestrator) update(r *runState, fn func(*status.ProjectStatus) error) error {
	p, err := o.tracker.Update(r.id, fn)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.status = p
	r.mu.Unlock()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, p *status.ProjectStatus, graph *phase.Graph) (*status.ProjectStatus, error) {
	r := &runState{
		id:    p.ID,
		runID: uuid.NewString(),
		graph: graph,
		ws:    dataflow.Workspace{Root: o.tracker.ProjectDir(p.ID)},
	}
	err := o.update(r, func(ps *status.ProjectStatus) error {
		for _, id := range graph.Order() {
			ps.Phase(id)
		}
		ps.Status = status.ProjectRunning
		ps.RunID = r.runID
		ps.OwnerPID = os.Getpid()
		ps.Error = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark project running: %w", err)
	}
	log := o.log.With(zap.String("project", r.id), zap.String("run_id", r.runID))
	log.Info("run started")

	defer o.writeMetrics()

	if graph.AffectsTests() {
		b, err := o.ensureBaseline(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return o.interrupt(r, ctx.Err())
			}
			return o.failProject(ctx, r, "", retry.Environment, fmt.Sprintf("capture baseline: %v", err))
		}
		r.baseline = b
	}

	for _, level := range graph.Levels() {
		done := r.snapshot()
		completed := make(map[string]string)
		var pending []string
		for _, id := range graph.Order() {
			if done.Done(id) {
				completed[id] = r.ws.OutputDir(id)
			}
		}
		for _, id := range level {
			if !done.Done(id) {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			continue
		}

		sem := semaphore.NewWeighted(int64(o.cfg.MaxParallel))
		var g errgroup.Group
		for _, id := range pending {
			def, _ := graph.Get(id)
			g.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				return o.runPhase(ctx, r, def, completed)
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return o.interrupt(r, ctx.Err())
			}
			return o.failProject(ctx, r, "", retry.KindOf(err), err.Error())
		}

		cur := r.snapshot()
		if cur.Status == status.ProjectFailed {
			log.Warn("run stopped after failed phase")
			return cur, nil
		}
		for _, id := range level {
			if !cur.Done(id) {
				return o.failProject(ctx, r, id, retry.Permanent, fmt.Sprintf("phase %s did not complete", id))
			}
		}
	}

	if err := o.update(r, func(ps *status.ProjectStatus) error {
		ps.Status = status.ProjectCompleted
		ps.OwnerPID = 0
		return nil
	}); err != nil {
		return nil, err
	}
	log.Info("run completed")
	o.notify(ctx, notify.Event{Type: notify.ProjectCompleted, Project: r.id, Message: "all phases completed"})
	return r.snapshot(), nil
}

// ensureBaseline captures the test baseline the first time a project runs
// and loads it on every later run.
func (o *Orchestrator) ensureBaseline(ctx context.Context, r *runState) (*gates.Baseline, error) {
	var b gates.Baseline
	if r.snapshot().Baseline {
		if err := o.tracker.ReadArtifact(r.id, baselineArtifact, &b); err != nil {
			return nil, fmt.Errorf("read baseline: %w", err)
		}
		return &b, nil
	}

	captured, err := o.gates.CaptureBaseline(ctx, r.snapshot().WorkDir)
	if err != nil {
		return nil, err
	}
	if err := o.tracker.WriteOnce(r.id, baselineArtifact, captured); err != nil {
		if !errors.Is(err, status.ErrArtifactExists) {
			return nil, err
		}
		// A previous run stored one before it could record the flag.
		if err := o.tracker.ReadArtifact(r.id, baselineArtifact, &b); err != nil {
			return nil, fmt.Errorf("read baseline: %w", err)
		}
		captured = &b
	}
	if err := o.update(r, func(ps *status.ProjectStatus) error {
		ps.Baseline = true
		return nil
	}); err != nil {
		return nil, err
	}
	return captured, nil
}

// failProject records the terminal cause and marks the project failed.
func (o *Orchestrator) failProject(ctx context.Context, r *runState, phaseID string, kind retry.Kind, msg string) (*status.ProjectStatus, error) {
	err := o.update(r, func(ps *status.ProjectStatus) error {
		ps.Error = &status.Failure{Phase: phaseID, Kind: string(kind), Message: msg, At: status.Now()}
		ps.Status = status.ProjectFailed
		ps.OwnerPID = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.log.Error("project failed",
		zap.String("project", r.id),
		zap.String("phase", phaseID),
		zap.String("kind", string(kind)),
		zap.String("error", msg))
	o.notify(ctx, notify.Event{
		Type:    notify.ProjectFailed,
		Project: r.id,
		Phase:   phaseID,
		Message: msg,
		Data:    map[string]string{"kind": string(kind)},
	})
	return r.snapshot(), nil
}

// interrupt leaves the project resumable after its context ended.
func (o *Orchestrator) interrupt(r *runState, cause error) (*status.ProjectStatus, error) {
	err := o.update(r, func(ps *status.ProjectStatus) error {
		for id, rec := range ps.Phases {
			if rec.Status == status.PhaseRunning {
				_ = status.Transition(id, rec, status.PhaseInterrupted)
			}
		}
		ps.Status = status.ProjectPending
		ps.OwnerPID = 0
		return nil
	})
	if err != nil {
		o.log.Error("record interruption", zap.String("project", r.id), zap.Error(err))
	}
	o.log.Warn("run interrupted", zap.String("project", r.id), zap.Error(cause))
	return r.snapshot(), cause
}

func (o *Orchestrator) notify(ctx context.Context, ev notify.Event) {
	if err := o.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		o.log.Warn("notification failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (o *Orchestrator) event(ctx context.Context, r *runState, phaseID, name string, attempt int, detail string) {
	err := o.recorder.LogPhaseEvent(context.WithoutCancel(ctx), events.PhaseEvent{
		Project: r.id,
		RunID:   r.runID,
		Phase:   phaseID,
		Event:   name,
		Attempt: attempt,
		Detail:  detail,
	})
	if err != nil {
		o.log.Warn("log phase event", zap.String("event", name), zap.Error(err))
	}
}

func (o *Orchestrator) writeMetrics() {
	if o.cfg.MetricsFile == "" || o.metrics == nil {
		return
	}
	if err := o.metrics.WriteToTextfile(o.cfg.MetricsFile); err != nil {
		o.log.Warn("write metrics", zap.String("path", o.cfg.MetricsFile), zap.Error(err))
	}
}
