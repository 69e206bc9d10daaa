package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uke16/Helix-sub001/internal/escalation"
	"github.com/uke16/Helix-sub001/internal/orchestrator"
	"github.com/uke16/Helix-sub001/internal/status"
)

var runCmd = &cobra.Command{
	Use:   "run <project>",
	Short: "Create a project from a phase file and run it",
	Long: `Creates a project and runs every phase of the graph in dependency order.
Independent phases run concurrently up to orchestrator.max_parallel.

Interrupting the run (Ctrl-C) stops the agents and leaves the project
resumable with "helix resume".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phases, _ := cmd.Flags().GetString("phases")
		workDir, _ := cmd.Flags().GetString("workdir")

		return withRun(cmd, func(ctx context.Context, a *app, o *orchestrator.Orchestrator) (*status.ProjectStatus, error) {
			if workDir == "" {
				workDir = a.cfg.Orchestrator.WorkDir
			}
			if workDir == "" {
				workDir = "."
			}
			return o.Start(ctx, orchestrator.StartRequest{Project: args[0], PhasesFile: phases, WorkDir: workDir})
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <project>",
	Short: "Continue an interrupted, paused or failed project",
	Long: `Resumes a project. Completed and skipped phases are not run again;
interrupted, failed and paused phases start a fresh attempt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRun(cmd, func(ctx context.Context, _ *app, o *orchestrator.Orchestrator) (*status.ProjectStatus, error) {
			return o.Resume(ctx, args[0])
		})
	},
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Send signals to running projects",
}

var signalResumeCmd = &cobra.Command{
	Use:   "resume <project> <phase>",
	Short: "Release a phase paused for human input",
	Long: `Writes a resume signal for a phase that is paused for human input. The
process running the project picks it up within a moment.

Actions:
  retry  run the phase again with a fresh retry budget (default)
  skip   mark the phase skipped and continue with its dependents
  abort  fail the project`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("action")
		action, err := escalation.ParseAction(raw)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.tracker().Load(args[0])
		if err != nil {
			return err
		}
		rec, ok := p.Phases[args[1]]
		if !ok {
			return fmt.Errorf("project %s has no phase %q", args[0], args[1])
		}
		if rec.Status != status.PhasePausedForHuman {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: phase %s is %s, the signal will be used the next time it pauses\n", args[1], rec.Status)
		}
		if err := a.orchestrator().Signal(args[0], args[1], action); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s/%s\n", action, args[0], args[1])
		return nil
	},
}

type runFunc func(ctx context.Context, a *app, o *orchestrator.Orchestrator) (*status.ProjectStatus, error)

// withRun wires the app, serves metrics when asked and prints the final
// project status.
func withRun(cmd *cobra.Command, fn runFunc) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	p, err := fn(ctx, a, a.orchestrator())
	if p != nil {
		format, _ := cmd.Flags().GetString("format")
		if perr := printProject(cmd, p, format); perr != nil {
			return perr
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && p != nil {
			return fmt.Errorf("run interrupted; continue with: helix resume %s", p.ID)
		}
		return err
	}
	if p.Status == status.ProjectFailed {
		return fmt.Errorf("project %s failed", p.ID)
	}
	return nil
}

func init() {
	runCmd.Flags().String("phases", "phases.yaml", "phase definition file")
	runCmd.Flags().String("workdir", "", "repository the agent works in (default: orchestrator.workdir or .)")
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")
		c.Flags().String("format", "text", "Output format: text or json")
	}
	signalResumeCmd.Flags().String("action", "retry", "retry, skip or abort")
	signalCmd.AddCommand(signalResumeCmd)
}
