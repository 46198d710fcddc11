package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/formatter"
	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/state"
	"github.com/boshu2/aion/internal/types"
)

var (
	stateHistoryLimit int
	stateResetYes     bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the persona in control",
	Long: `Show the current persona, the last handover and the personas control
can pass to next.

Subcommands:
  history   List handovers
  reset     Archive the handover log and return control to Init`,
	Args: cobra.NoArgs,
	RunE: runState,
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List handovers",
	Args:  cobra.NoArgs,
	RunE:  runStateHistory,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Archive the handover log and return control to Init",
	Long: `Copy the handover document to handover-<unix>.json.bak in the state
directory, then start a fresh log with Init in control. The commit ledger
is not touched.

Requires --yes.`,
	Args: cobra.NoArgs,
	RunE: runStateReset,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateHistoryCmd)
	stateCmd.AddCommand(stateResetCmd)
	stateHistoryCmd.Flags().IntVarP(&stateHistoryLimit, "limit", "n", 20, "Maximum handovers to show (0 = all)")
	stateResetCmd.Flags().BoolVar(&stateResetYes, "yes", false, "Confirm the reset")
}

type stateReport struct {
	state.CurrentState `yaml:",inline"`
	Next               []types.Persona `json:"next" yaml:"next"`
}

func runState(cmd *cobra.Command, args []string) error {
	return withProject(cmd, false, func(p *project.Project) error {
		current := p.GetCurrentState()
		report := stateReport{CurrentState: current, Next: p.Graph().ValidTransitions(current.State)}

		w := cmd.OutOrStdout()
		if ok, err := writeStructured(w, report); ok {
			return err
		}
		fmt.Fprintln(w, stateBanner(w, report))
		return nil
	})
}

// stateBanner renders the current state as a bordered box.
func stateBanner(w io.Writer, report stateReport) string {
	r := lipgloss.NewRenderer(w)
	label := r.NewStyle().Faint(true)
	persona := r.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	box := r.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(0, 1)

	lines := []string{
		label.Render("Persona   ") + persona.Render(string(report.State)),
		label.Render("Handovers ") + fmt.Sprint(report.HandoverCount),
	}
	if h := report.LastHandover; h != nil {
		lines = append(lines, label.Render("Last      ")+fmt.Sprintf("%s -> %s at %s", h.From, h.To, h.Timestamp.Local().Format("2006-01-02 15:04:05")))
	}
	next := "none"
	if len(report.Next) > 0 {
		names := make([]string, len(report.Next))
		for i, n := range report.Next {
			names[i] = string(n)
		}
		next = strings.Join(names, ", ")
	}
	lines = append(lines, label.Render("Next      ")+next)
	return box.Render(strings.Join(lines, "\n"))
}

func runStateHistory(cmd *cobra.Command, args []string) error {
	return withProject(cmd, false, func(p *project.Project) error {
		handovers := p.GetHandoverHistory(stateHistoryLimit)

		w := cmd.OutOrStdout()
		if ok, err := writeList(w, handovers); ok {
			return err
		}
		if len(handovers) == 0 {
			fmt.Fprintln(w, "No handovers recorded")
			return nil
		}

		tbl := formatter.NewTable(w, "TIME", "FROM", "TO", "ARTIFACTS", "ID")
		tbl.SetMaxWidth(3, 40)
		for _, h := range handovers {
			tbl.AddRow(h.Timestamp.Local().Format("2006-01-02 15:04:05"), h.From, h.To, strings.Join(h.ArtifactTypes(), ", "), h.ID)
		}
		return tbl.Render()
	})
}

func runStateReset(cmd *cobra.Command, args []string) error {
	if !stateResetYes {
		return fmt.Errorf("state reset archives the handover log and returns control to Init; re-run with --yes to confirm")
	}
	return withProject(cmd, true, func(p *project.Project) error {
		archive, err := p.ResetState()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		result := struct {
			Archive string        `json:"archive" yaml:"archive"`
			State   types.Persona `json:"state" yaml:"state"`
		}{archive, p.GetCurrentState().State}
		if ok, err := writeStructured(w, result); ok {
			return err
		}
		fmt.Fprintf(w, "Handover log archived to %s\n", archive)
		fmt.Fprintf(w, "Current state: %s\n", result.State)
		return nil
	})
}
