package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/formatter"
	"github.com/boshu2/aion/internal/ledger"
	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/state"
	"github.com/boshu2/aion/internal/types"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Ledger and handover statistics",
	Long: `Show commit counts per persona and status, the rollback rate, and
handover counts per transition and artifact type.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

type statsReport struct {
	Commits   ledger.Statistics `json:"commits" yaml:"commits"`
	Handovers state.Statistics  `json:"handovers" yaml:"handovers"`
}

func runStats(cmd *cobra.Command, args []string) error {
	return withProject(cmd, false, func(p *project.Project) error {
		report := statsReport{Commits: p.GetStatistics(), Handovers: p.HandoverStatistics()}

		w := cmd.OutOrStdout()
		if ok, err := writeStructured(w, report); ok {
			return err
		}

		fmt.Fprintf(w, "Commits:        %d\n", report.Commits.TotalCommits)
		fmt.Fprintf(w, "Rollback rate:  %.1f%%\n", report.Commits.RollbackRatePercent)
		fmt.Fprintf(w, "Handovers:      %d\n", report.Handovers.TotalHandovers)
		fmt.Fprintf(w, "Current state:  %s\n", report.Handovers.CurrentState)

		if len(report.Commits.CountsByPersona) > 0 {
			fmt.Fprintln(w)
			tbl := formatter.NewTable(w, "PERSONA", "COMMITS")
			personas := make([]string, 0, len(report.Commits.CountsByPersona))
			for persona := range report.Commits.CountsByPersona {
				personas = append(personas, string(persona))
			}
			sort.Strings(personas)
			for _, persona := range personas {
				tbl.AddRow(persona, report.Commits.CountsByPersona[types.Persona(persona)])
			}
			if err := tbl.Render(); err != nil {
				return err
			}
		}

		if err := renderCounts(w, "TRANSITION", report.Handovers.PersonaTransitions); err != nil {
			return err
		}
		return renderCounts(w, "ARTIFACT TYPE", report.Handovers.ArtifactTypes)
	})
}

func renderCounts(w io.Writer, header string, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w)
	tbl := formatter.NewTable(w, header, "COUNT")
	for _, k := range keys {
		tbl.AddRow(k, counts[k])
	}
	return tbl.Render()
}
