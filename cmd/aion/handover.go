package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/types"
)

var handoverArtifacts []string

var handoverCmd = &cobra.Command{
	Use:   "handover <from> <to>",
	Short: "Transfer control between personas",
	Long: `Record a handover from one persona to another. The transition must be
legal in the transition graph (see aion transitions). Artifacts are passed
as type=ref and filed in the receiving persona's context.

Persona names are case-insensitive; dev, arch, qa, sys and pm are accepted
as aliases.

Examples:
  aion handover PM Architect --artifact Requirements=docs/prd.md
  aion handover dev qa --artifact Code=src/ --artifact Tests=src/app_test.go`,
	Args: cobra.ExactArgs(2),
	RunE: runHandover,
}

func init() {
	rootCmd.AddCommand(handoverCmd)
	handoverCmd.Flags().StringArrayVarP(&handoverArtifacts, "artifact", "a", nil, "Artifact as type=ref (repeatable)")
}

func runHandover(cmd *cobra.Command, args []string) error {
	from, to := types.ParsePersona(args[0]), types.ParsePersona(args[1])
	artifacts, err := parseArtifacts(handoverArtifacts)
	if err != nil {
		return err
	}

	return withProject(cmd, true, func(p *project.Project) error {
		h, err := p.Handover(cmd.Context(), from, to, artifacts)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if ok, err := writeStructured(w, h); ok {
			return err
		}
		fmt.Fprintf(w, "Handover %s: %s -> %s", h.ID, h.From, h.To)
		if n := len(h.Artifacts); n > 0 {
			fmt.Fprintf(w, " (%d artifacts)", n)
		}
		fmt.Fprintln(w)
		return nil
	})
}

// parseArtifacts turns type=ref flags into artifact descriptors. A value
// without "=" is a type with no reference.
func parseArtifacts(values []string) ([]types.Artifact, error) {
	artifacts := make([]types.Artifact, 0, len(values))
	for _, v := range values {
		typ, ref, hasRef := strings.Cut(v, "=")
		typ = strings.TrimSpace(typ)
		if typ == "" {
			return nil, fmt.Errorf("artifact %q: type is empty", v)
		}
		a := types.Artifact{"type": typ}
		if hasRef {
			a["ref"] = strings.TrimSpace(ref)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}
