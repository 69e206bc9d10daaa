package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/uke16/Helix-sub001/internal/phase"
)

var phasesCmd = &cobra.Command{
	Use:   "phases",
	Short: "Inspect phase definition files",
}

var phasesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a phase file and print its execution plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := phase.Load(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d phases, %d levels\n\n", g.Len(), len(g.Levels()))
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LEVEL\tPHASE\tTYPE\tDEPENDS ON\tGATES")
		for i, level := range g.Levels() {
			for _, id := range level {
				def, _ := g.Get(id)
				kinds := make([]string, 0, len(def.Gates))
				for _, gc := range def.Gates {
					kinds = append(kinds, gc.DisplayName())
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i, id, def.Type, strings.Join(def.DependsOn, ","), strings.Join(kinds, ","))
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if g.AffectsTests() {
			fmt.Fprintln(out, "\nA test baseline is captured before the first phase runs.")
		}
		return nil
	},
}

func init() {
	phasesCmd.AddCommand(phasesValidateCmd)
}
