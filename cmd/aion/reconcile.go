package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/formatter"
	"github.com/boshu2/aion/internal/project"
)

var reconcileRestore bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Find commits whose apply status is unknown",
	Long: `Compare every snapshot that no commit refers to with the current files.

  clean       files match the pre-image (nothing was applied, or a failed
              apply was undone)
  unknown     files differ and no commit records why: the process stopped
              between applying and recording
  restored    an unknown snapshot restored with --restore
  unreadable  the snapshot document could not be loaded

Paths changed by a commit recorded after the snapshot was taken belong to
that commit; they are listed as superseded and never restored. Ledger
digests are verified as well.

Examples:
  aion reconcile
  aion reconcile --restore`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVar(&reconcileRestore, "restore", false, "Restore unknown snapshots to their pre-image")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	return withProject(cmd, reconcileRestore, func(p *project.Project) error {
		report, err := p.Reconcile(reconcileRestore)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if ok, err := writeStructured(w, report); ok {
			return err
		}

		fmt.Fprintf(w, "Snapshots: %d, unreferenced: %d\n", report.Snapshots, len(report.Orphans))
		if report.Ledger.Pass {
			fmt.Fprintf(w, "Ledger:    %d commits verified\n", report.Ledger.RecordCount)
		} else {
			fmt.Fprintf(w, "Ledger:    verification failed at commit %d: %s\n", report.Ledger.FirstBrokenIndex, report.Ledger.Message)
		}
		if len(report.Orphans) == 0 {
			return nil
		}

		fmt.Fprintln(w)
		tbl := formatter.NewTable(w, "SNAPSHOT", "COMMIT", "STATUS", "DRIFTED", "ERROR")
		tbl.SetMaxWidth(3, 40).SetMaxWidth(4, 60)
		for _, o := range report.Orphans {
			tbl.AddRow(o.SnapshotID, o.CommitID, o.Status, strings.Join(o.Drifted, ", "), o.Error)
		}
		if err := tbl.Render(); err != nil {
			return err
		}
		if n := len(report.Unknown()); n > 0 && !reconcileRestore {
			fmt.Fprintf(w, "\n%d snapshot(s) with unknown apply status; run `aion reconcile --restore` to revert them\n", n)
		}
		return nil
	})
}
