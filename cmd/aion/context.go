package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/contextstore"
	"github.com/boshu2/aion/internal/formatter"
	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/types"
)

var contextCmd = &cobra.Command{
	Use:   "context [persona] [key] [value]",
	Short: "Read and write persona context notes",
	Long: `Persona context holds free-form notes and the artifacts a persona
received at handover.

  aion context                      list personas with context
  aion context Developer            show notes and received artifacts
  aion context Developer focus      print one note
  aion context Developer focus '"auth module"'
                                    set a note (JSON values are stored as
                                    JSON, anything else as a string)`,
	Args: cobra.MaximumNArgs(3),
	RunE: runContext,
}

func init() {
	rootCmd.AddCommand(contextCmd)
}

func runContext(cmd *cobra.Command, args []string) error {
	mutating := len(args) == 3
	return withProject(cmd, mutating, func(p *project.Project) error {
		ctx := cmd.Context()
		store := p.Context()
		w := cmd.OutOrStdout()

		switch len(args) {
		case 0:
			personas, err := store.Personas(ctx)
			if err != nil {
				return err
			}
			if ok, err := writeList(w, personas); ok {
				return err
			}
			if len(personas) == 0 {
				fmt.Fprintln(w, "No persona context stored")
			}
			for _, persona := range personas {
				fmt.Fprintln(w, persona)
			}
			return nil

		case 1:
			doc, err := store.Document(ctx, types.ParsePersona(args[0]))
			if err != nil {
				return err
			}
			if ok, err := writeStructured(w, doc); ok {
				return err
			}
			return printContextDocument(cmd, doc.Persona, doc.Notes, doc.Artifacts)

		case 2:
			value, found, err := store.Get(ctx, types.ParsePersona(args[0]), args[1])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no context note %q for %s", args[1], types.ParsePersona(args[0]))
			}
			fmt.Fprintln(w, string(value))
			return nil

		default:
			persona := types.ParsePersona(args[0])
			if err := store.Put(ctx, persona, args[1], noteValue(args[2])); err != nil {
				return err
			}
			fmt.Fprintf(w, "Stored %s for %s\n", args[1], persona)
			return nil
		}
	})
}

// noteValue keeps valid JSON as is and stores anything else as a string.
func noteValue(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

func printContextDocument(cmd *cobra.Command, persona types.Persona, notes map[string]json.RawMessage, artifacts []contextstore.ArtifactRecord) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Persona: %s\n", persona)

	if len(notes) > 0 {
		keys := make([]string, 0, len(notes))
		for k := range notes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w)
		tbl := formatter.NewTable(w, "KEY", "VALUE")
		tbl.SetMaxWidth(1, 60)
		for _, k := range keys {
			tbl.AddRow(k, string(notes[k]))
		}
		if err := tbl.Render(); err != nil {
			return err
		}
	}

	if len(artifacts) > 0 {
		fmt.Fprintln(w)
		tbl := formatter.NewTable(w, "RECEIVED", "FROM", "TYPE", "HANDOVER")
		for _, a := range artifacts {
			tbl.AddRow(a.RecordedAt.Local().Format("2006-01-02 15:04:05"), a.From, a.Type, a.HandoverID)
		}
		if err := tbl.Render(); err != nil {
			return err
		}
	}
	return nil
}
