package main

import (
	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/project"
)

var (
	renderFormat  string
	renderCommits bool
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the handover log or commit history",
	Long: `Render the handover protocol (current state, history, state flow
diagram, metrics) or, with --commits, the commit ledger as markdown or
HTML. The JSON documents in the state directory stay the source of truth.

Examples:
  aion render > HANDOVER.md
  aion render --commits --format html > commits.html`,
	Args: cobra.NoArgs,
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().StringVar(&renderFormat, "format", "markdown", "Output format (markdown, html)")
	renderCmd.Flags().BoolVar(&renderCommits, "commits", false, "Render the commit history instead of the handover log")
}

func runRender(cmd *cobra.Command, args []string) error {
	return withProject(cmd, false, func(p *project.Project) error {
		return p.Render(cmd.OutOrStdout(), project.RenderFormat(renderFormat), renderCommits)
	})
}
