package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/agent"
	"github.com/uke16/Helix-sub001/internal/config"
	"github.com/uke16/Helix-sub001/internal/escalation"
	"github.com/uke16/Helix-sub001/internal/events"
	"github.com/uke16/Helix-sub001/internal/evolution"
	"github.com/uke16/Helix-sub001/internal/gates"
	"github.com/uke16/Helix-sub001/internal/logging"
	"github.com/uke16/Helix-sub001/internal/metrics"
	"github.com/uke16/Helix-sub001/internal/notify"
	"github.com/uke16/Helix-sub001/internal/orchestrator"
	"github.com/uke16/Helix-sub001/internal/retry"
	"github.com/uke16/Helix-sub001/internal/status"
)

// app holds the collaborators shared by commands.
type app struct {
	cfg      *config.Config
	cfgPath  string
	log      *zap.Logger
	metrics  *metrics.Metrics
	recorder events.Recorder
	store    *events.Store
	notifier notify.Notifier
	closers  []func()
}

func loadConfig() (*config.Config, string, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		return cfg, configFile, err
	}
	return config.LoadDefault()
}

// newApp loads configuration and connects the optional event log and NATS
// notifier. Callers must Close the app.
func newApp(ctx context.Context) (*app, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		cfgPath:  path,
		log:      log,
		metrics:  metrics.New(),
		recorder: events.Nop{},
	}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	if cfg.Events.DSN != "" {
		store, err := events.Open(ctx, cfg.Events.DSN, log)
		if err != nil {
			log.Warn("event log unavailable, continuing without it", zap.Error(err))
		} else {
			a.store = store
			a.recorder = store
			a.closers = append(a.closers, store.Close)
		}
	}

	notifiers := notify.Multi{notify.NewLogNotifier(log)}
	if cfg.Notify.NATSURL != "" {
		nc, err := notify.Connect(cfg.Notify.NATSURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() })
		notifiers = append(notifiers, notify.NewNATSNotifier(nc, cfg.Notify.SubjectPrefix, log))
	}
	a.notifier = notifiers
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) tracker() *status.Tracker {
	return status.NewTracker(a.cfg.Orchestrator.StateDir, a.log)
}

func (a *app) orchestrator() *orchestrator.Orchestrator {
	cfg := a.cfg
	cmd := &gates.ExecRunner{}
	signals := escalation.NewSignalBox(cfg.Orchestrator.StateDir, a.log)
	return orchestrator.New(orchestrator.Config{
		MaxParallel:  cfg.Orchestrator.MaxParallel,
		Profile:      cfg.Agent.Profile,
		AgentTimeout: cfg.Agent.Timeout,
		MetricsFile:  cfg.Orchestrator.MetricsFile,
	}, orchestrator.Deps{
		Tracker:    a.tracker(),
		Agent:      agent.New(cfg.AgentConfig(), a.log),
		Gates:      gates.NewRunner(cmd, cfg.GatesConfig(), a.log),
		Retry:      retry.NewHandler(cfg.RetryPolicy(), a.log),
		Escalation: escalation.NewManager(cfg.EscalationConfig(), signals, a.notifier, a.log),
		Recorder:   a.recorder,
		Metrics:    a.metrics,
		Notifier:   a.notifier,
		Log:        a.log,
	})
}

// evolution builds the evolution pipeline. A docker client is created only
// when an environment restarts a container.
func (a *app) evolution() (*evolution.Pipeline, error) {
	deps := evolution.Deps{
		Cmd:      &gates.ExecRunner{},
		Recorder: a.recorder,
		Metrics:  a.metrics,
		Notifier: a.notifier,
		Log:      a.log,
	}
	if usesDocker(a.cfg.Evolution) {
		dc, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = dc.Close() })
		deps.Docker = dc
	}
	return evolution.New(a.cfg.Evolution, deps)
}

func usesDocker(cfg evolution.Config) bool {
	for _, env := range cfg.Environments {
		if env.TestService.Kind == evolution.ServiceDocker || env.ProdService.Kind == evolution.ServiceDocker {
			return true
		}
	}
	return false
}

// signalContext is cancelled on SIGINT or SIGTERM so runs stop their agents
// and leave a resumable status.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
