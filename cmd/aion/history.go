package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/formatter"
	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/types"
)

var (
	historyLimit   int
	historyPersona string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List commits",
	Long: `List the most recent commits in ledger order, optionally only those of
one persona.

Examples:
  aion history
  aion history --limit 5 --persona Developer
  aion history -o jsonl`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum commits to show (0 = all)")
	historyCmd.Flags().StringVarP(&historyPersona, "persona", "p", "", "Only commits of this persona")
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withProject(cmd, false, func(p *project.Project) error {
		var commits []types.Commit
		if historyPersona != "" {
			commits = p.GetCommitsByPersona(types.ParsePersona(historyPersona), historyLimit)
		} else {
			commits = p.GetCommitHistory(historyLimit)
		}

		w := cmd.OutOrStdout()
		if ok, err := writeList(w, commits); ok {
			return err
		}
		if len(commits) == 0 {
			fmt.Fprintln(w, "No commits found")
			return nil
		}

		tbl := formatter.NewTable(w, "CREATED", "ID", "PERSONA", "STEP", "STATUS", "DIGEST", "DESCRIPTION")
		tbl.SetMaxWidth(6, 48)
		for _, c := range commits {
			tbl.AddRow(c.CreatedAt.Local().Format("2006-01-02 15:04:05"), c.ID, c.Persona, c.StepID, c.Status, c.ShortDigest(), c.Description)
		}
		return tbl.Render()
	})
}
