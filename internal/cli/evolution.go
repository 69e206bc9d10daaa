package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/uke16/Helix-sub001/internal/evolution"
)

var evolutionCmd = &cobra.Command{
	Use:     "evolution",
	Aliases: []string{"evo"},
	Short:   "Move generated changes through test into production",
	Long: `Evolution projects copy a source tree into an environment's test
directory, validate it there and integrate it into the production directory.

  create -> develop -> ready -> deploy -> validate -> integrate

A failed project can be rolled back; release frees the environment without
touching production.`,
}

// evolutionStep matches the method expressions of the pipeline steps.
type evolutionStep func(p *evolution.Pipeline, ctx context.Context, name string) (*evolution.Project, error)

// evolutionCommand builds a subcommand that applies one pipeline step to a
// named project.
func evolutionCommand(use, short string, step evolutionStep) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			return withEvolution(ctx, cmd, func(p *evolution.Pipeline) error {
				proj, err := step(p, ctx, args[0])
				if proj != nil {
					if perr := printEvolution(cmd, proj); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if proj.Status == evolution.StatusFailed {
					return fmt.Errorf("project %s failed: %s", proj.Name, proj.LastError)
				}
				return nil
			})
		},
	}
	c.Flags().String("format", "text", "Output format: text or json")
	return c
}

var evolutionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a project for an environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _ := cmd.Flags().GetString("env")
		source, _ := cmd.Flags().GetString("source")
		include, _ := cmd.Flags().GetStringSlice("include")
		return withEvolution(cmd.Context(), cmd, func(p *evolution.Pipeline) error {
			proj, err := p.Create(cmd.Context(), evolution.CreateRequest{
				Name:      args[0],
				Env:       env,
				SourceDir: source,
				Include:   include,
			})
			if err != nil {
				return err
			}
			return printEvolution(cmd, proj)
		})
	},
}

var evolutionStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show one evolution project, or list all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEvolution(cmd.Context(), cmd, func(p *evolution.Pipeline) error {
			if len(args) == 1 {
				proj, err := p.Get(args[0])
				if err != nil {
					return err
				}
				return printEvolution(cmd, proj)
			}
			all, err := p.List()
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, all)
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No evolution projects.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tENV\tFILES\tUPDATED")
			for _, proj := range all {
				holder := ""
				if info, ok := p.Locker().Holder(proj.Env); ok && info.Owner == proj.Name {
					holder = " (holds env)"
				}
				fmt.Fprintf(w, "%s\t%s%s\t%s\t%d\t%s\n", proj.Name, proj.Status, holder, proj.Env,
					len(proj.Files()), proj.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		})
	},
}

func withEvolution(ctx context.Context, cmd *cobra.Command, fn func(*evolution.Pipeline) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	p, err := a.evolution()
	if err != nil {
		return err
	}
	return fn(p)
}

func printEvolution(cmd *cobra.Command, proj *evolution.Project) error {
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		return writeJSON(cmd, proj)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Project:  %s\n", proj.Name)
	fmt.Fprintf(out, "Status:   %s\n", proj.Status)
	fmt.Fprintf(out, "Env:      %s\n", proj.Env)
	fmt.Fprintf(out, "Source:   %s\n", proj.SourceDir)
	if len(proj.Include) > 0 {
		fmt.Fprintf(out, "Include:  %s\n", strings.Join(proj.Include, ", "))
	}
	fmt.Fprintf(out, "Files:    %d new, %d modified\n", len(proj.NewFiles), len(proj.ModifiedFiles))
	if proj.LastError != "" {
		fmt.Fprintf(out, "Error:    %s\n", proj.LastError)
	}
	if v := proj.Validation; v != nil {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tRESULT\tEXIT\tDURATION")
		for _, s := range v.Steps {
			result := "pass"
			switch {
			case s.Skipped:
				result = "skipped"
			case !s.Passed:
				result = "FAIL"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, result, s.ExitCode, s.Duration.Round(time.Millisecond))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(proj.History) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tFROM\tTO\tREASON")
		for _, t := range proj.History {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.At.Local().Format(time.DateTime), t.From, t.To, truncate(t.Reason, 60))
		}
		return w.Flush()
	}
	return nil
}

func init() {
	evolutionCreateCmd.Flags().String("env", "", "target environment (required)")
	evolutionCreateCmd.Flags().String("source", ".", "directory holding the generated files")
	evolutionCreateCmd.Flags().StringSlice("include", nil, "glob patterns selecting shipped files (default: all)")
	_ = evolutionCreateCmd.MarkFlagRequired("env")
	evolutionCreateCmd.Flags().String("format", "text", "Output format: text or json")
	evolutionStatusCmd.Flags().String("format", "text", "Output format: text or json")

	evolutionCmd.AddCommand(
		evolutionCreateCmd,
		evolutionCommand("develop", "Mark a project as being developed", (*evolution.Pipeline).Develop),
		evolutionCommand("ready", "Freeze the project's file list", (*evolution.Pipeline).MarkReady),
		evolutionCommand("deploy", "Lock the environment and copy files to its test directory", (*evolution.Pipeline).Deploy),
		evolutionCommand("validate", "Run the environment's validation commands", (*evolution.Pipeline).Validate),
		evolutionCommand("integrate", "Copy validated files into production", (*evolution.Pipeline).Integrate),
		evolutionCommand("rollback", "Restore production and reset the test directory", (*evolution.Pipeline).Rollback),
		evolutionCommand("release", "Give up the environment lock", (*evolution.Pipeline).Release),
		evolutionStatusCmd,
	)
}
