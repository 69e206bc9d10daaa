package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/uke16/Helix-sub001/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show the phase status of a project, or of all projects",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		format, _ := cmd.Flags().GetString("format")

		if len(args) == 1 {
			p, err := a.tracker().Load(args[0])
			if err != nil {
				return err
			}
			return printProject(cmd, p, format)
		}

		all, err := a.tracker().ListByUpdated()
		if err != nil {
			return err
		}
		return printProjects(cmd, all, format)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		all, err := a.tracker().ListByUpdated()
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		return printProjects(cmd, all, format)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <project>",
	Short: "Show the phase event log of a project",
	Long:  `Reads the phase events recorded in the PostgreSQL event log (events.dsn).`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.store == nil {
			return fmt.Errorf("event log not configured or unreachable (events.dsn)")
		}

		evs, err := a.store.PhaseEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, evs)
		}
		if len(evs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tPHASE\tEVENT\tATT\tDETAIL")
		for _, ev := range evs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				ev.CreatedAt.Local().Format(time.DateTime), ev.Phase, ev.Event, ev.Attempt, truncate(ev.Detail, 60))
		}
		return w.Flush()
	},
}

func printProject(cmd *cobra.Command, p *status.ProjectStatus, format string) error {
	if format == "json" {
		return writeJSON(cmd, p)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Project:  %s\n", p.ID)
	fmt.Fprintf(out, "Status:   %s\n", p.Status)
	fmt.Fprintf(out, "Workdir:  %s\n", p.WorkDir)
	fmt.Fprintf(out, "Updated:  %s\n", p.UpdatedAt.Local().Format(time.DateTime))
	if p.Error != nil {
		fmt.Fprintf(out, "Error:    [%s] %s: %s\n", p.Error.Kind, p.Error.Phase, p.Error.Message)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATUS\tATT\tPROFILE\tLAST ERROR")
	for _, id := range phaseIDs(p) {
		rec := p.Phases[id]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", id, rec.Status, rec.Attempts, rec.Profile, truncate(rec.LastError, 60))
	}
	return w.Flush()
}

func printProjects(cmd *cobra.Command, all []*status.ProjectStatus, format string) error {
	if format == "json" {
		return writeJSON(cmd, all)
	}
	if len(all) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No projects found.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tSTATUS\tPHASES\tUPDATED")
	for _, p := range all {
		counts := p.Counts()
		done := counts[status.PhaseCompleted] + counts[status.PhaseSkipped]
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", p.ID, p.Status, done, len(p.Phases), p.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// phaseIDs returns the phases in graph order, followed by any the status
// knows that the order does not list.
func phaseIDs(p *status.ProjectStatus) []string {
	ids := append([]string(nil), p.PhaseOrder...)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	var extra []string
	for id := range p.Phases {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(ids, extra...)
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, listCmd, historyCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
	}
}
