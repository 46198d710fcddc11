package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/ledger"
	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/safety"
	"github.com/boshu2/aion/internal/types"
)

var (
	commitPersona     string
	commitStep        string
	commitDescription string
	commitChanges     string
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Apply a change set as a reversible micro-commit",
	Long: `Validate a change set, snapshot every path it touches, apply the
operations in order and record the commit in the ledger.

The change set is a JSON (comments allowed) or YAML document:

  {
    // text content
    "operations": [
      {"path": "src/app.go", "action": "update", "content": "package app\n"},
      {"path": "logo.png", "action": "create", "content_base64": "iVBORw0..."},
      {"path": "old.txt", "action": "delete"}
    ]
  }

Use --changes - to read it from stdin.

Examples:
  aion commit --persona Developer --step impl-1 --description "add handler" --changes ops.jsonc
  cat ops.yaml | aion commit --persona qa --step fix --changes -`,
	RunE: runCommit,
}

func init() {
	rootCmd.AddCommand(commitCmd)
	commitCmd.Flags().StringVar(&commitPersona, "persona", "", "Persona making the change (required)")
	commitCmd.Flags().StringVar(&commitStep, "step", "", "Workflow step id (required)")
	commitCmd.Flags().StringVarP(&commitDescription, "description", "m", "", "Commit description")
	commitCmd.Flags().StringVar(&commitChanges, "changes", "", "Change set file, or - for stdin (required)")
	_ = commitCmd.MarkFlagRequired("persona")
	_ = commitCmd.MarkFlagRequired("step")
	_ = commitCmd.MarkFlagRequired("changes")
}

func runCommit(cmd *cobra.Command, args []string) error {
	cs, err := readChangeSet(cmd, commitChanges)
	if err != nil {
		return err
	}

	return withProject(cmd, true, func(p *project.Project) error {
		commit, err := p.MicroCommit(types.ParsePersona(commitPersona), commitStep, commitDescription, cs)
		var pe *ledger.PersistenceError
		if errors.As(err, &pe) {
			p.Logger().Warn("ledger append failed, retrying once", "commit", pe.Commit.ID, "error", err)
			if rerr := p.Record(pe.Commit); rerr == nil {
				commit, err = pe.Commit, nil
			}
		}
		if err != nil {
			return explainCommitError(cmd.ErrOrStderr(), err)
		}

		w := cmd.OutOrStdout()
		if ok, err := writeStructured(w, commit); ok {
			return err
		}
		fmt.Fprintf(w, "Committed %s\n", commit.ID)
		fmt.Fprintf(w, "  persona:    %s\n", commit.Persona)
		fmt.Fprintf(w, "  operations: %d\n", len(commit.ChangeSet.Operations))
		fmt.Fprintf(w, "  digest:     %s\n", commit.ShortDigest())
		fmt.Fprintf(w, "  snapshot:   %s\n", commit.SnapshotRef)
		return nil
	})
}

func readChangeSet(cmd *cobra.Command, name string) (types.ChangeSet, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return types.ChangeSet{}, fmt.Errorf("read change set: %w", err)
	}
	return parseChangeSet(name, data)
}

// explainCommitError adds recovery hints for failures that left state
// behind.
func explainCommitError(w io.Writer, err error) error {
	var ce *safety.CommitError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Stage {
	case safety.StageApply:
		if ce.Compensated {
			fmt.Fprintln(w, "Apply failed; the pre-commit state was restored.")
		} else {
			fmt.Fprintf(w, "Apply failed and the restore was incomplete; run `aion reconcile --restore` (snapshot %s).\n", ce.SnapshotID)
		}
	case safety.StageRecord:
		var pe *ledger.PersistenceError
		if errors.As(err, &pe) {
			fmt.Fprintf(w, "Changes applied but commit %s was not recorded; run `aion reconcile` to inspect.\n", pe.Commit.ID)
		}
	}
	return err
}
