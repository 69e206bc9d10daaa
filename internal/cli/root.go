package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "helix",
	Short: "Drive code-generation agents through a phase graph",
	Long: `helix runs an external code-generation agent through a graph of phases
declared in a YAML file. Each phase is checked by quality gates; failures are
retried, escalated and finally paused for a human.

Evolution projects carry generated changes through a test environment into
production with validation, integration and rollback.

Run state is kept under orchestrator.state_dir (default ~/.helix/state).`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to helix.yaml (default: ./helix.yaml, ~/.helix/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(phasesCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(evolutionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
