package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/project"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <commit-id>",
	Short: "Restore the pre-commit state of a commit",
	Long: `Restore every path a commit touched to its state before the commit and
mark the commit rolled back. Files the commit created are removed.

A commit can be rolled back once. Later commits touching the same paths
are not consulted: their changes to those paths are overwritten.

Examples:
  aion rollback Developer-impl-1-1718000000000000000`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withProject(cmd, true, func(p *project.Project) error {
		snap, err := p.Rollback(id)
		if err != nil {
			return err
		}

		result := struct {
			CommitID   string   `json:"commit_id" yaml:"commit_id"`
			SnapshotID string   `json:"snapshot_id" yaml:"snapshot_id"`
			Paths      []string `json:"paths" yaml:"paths"`
		}{id, snap.ID, snap.Paths()}

		w := cmd.OutOrStdout()
		if ok, err := writeStructured(w, result); ok {
			return err
		}
		fmt.Fprintf(w, "Rolled back %s (%d paths restored from %s)\n", id, len(result.Paths), snap.ID)
		for _, path := range result.Paths {
			fmt.Fprintf(w, "  %s\n", path)
		}
		return nil
	})
}
