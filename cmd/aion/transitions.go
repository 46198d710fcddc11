package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/formatter"
	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/types"
)

var transitionsMermaid bool

var transitionsCmd = &cobra.Command{
	Use:   "transitions [persona]",
	Short: "Show the persona transition graph",
	Long: `List the legal handovers. With a persona, list only the personas it can
hand over to. Extra edges come from the transitions section of the config.

Examples:
  aion transitions
  aion transitions Developer
  aion transitions --mermaid`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTransitions,
}

func init() {
	rootCmd.AddCommand(transitionsCmd)
	transitionsCmd.Flags().BoolVar(&transitionsMermaid, "mermaid", false, "Print the graph as a mermaid state diagram")
}

func runTransitions(cmd *cobra.Command, args []string) error {
	return withProject(cmd, false, func(p *project.Project) error {
		g := p.Graph()
		w := cmd.OutOrStdout()

		if transitionsMermaid {
			fmt.Fprintln(w, g.Mermaid())
			return nil
		}

		if len(args) == 1 {
			from := types.ParsePersona(args[0])
			next := g.ValidTransitions(from)
			if ok, err := writeList(w, next); ok {
				return err
			}
			if len(next) == 0 {
				fmt.Fprintf(w, "%s has no outgoing transitions\n", from)
				return nil
			}
			for _, to := range next {
				fmt.Fprintln(w, to)
			}
			return nil
		}

		table := g.Table()
		if ok, err := writeStructured(w, table); ok {
			return err
		}
		tbl := formatter.NewTable(w, "FROM", "TO")
		for _, from := range g.Personas() {
			next := table[from]
			if len(next) == 0 {
				continue
			}
			names := make([]string, len(next))
			for i, n := range next {
				names[i] = string(n)
			}
			tbl.AddRow(from, strings.Join(names, ", "))
		}
		return tbl.Render()
	})
}
