// Package formatter renders aion records for people: markdown projections
// of the handover log and commit ledger, HTML, tables and JSON lines.
// Nothing rendered here is ever parsed back.
package formatter

import (
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/boshu2/aion/internal/ledger"
	"github.com/boshu2/aion/internal/state"
	"github.com/boshu2/aion/internal/types"
)

// HandoverHistoryLimit is the number of handovers shown in the projection.
const HandoverHistoryLimit = 20

// HandoverMarkdown writes the handover protocol projection: current state,
// recent history, the state flow diagram and summary metrics.
func HandoverMarkdown(w io.Writer, doc state.Document, g *state.Graph) error {
	recent := doc.Handovers
	if len(recent) > HandoverHistoryLimit {
		recent = recent[len(recent)-HandoverHistoryLimit:]
	}

	data := handoverData{
		CurrentState: doc.CurrentState,
		Handovers:    recent,
		Count:        len(doc.Handovers),
		LastActivity: "None",
	}
	if g != nil {
		data.StateFlow = strings.TrimRight(g.Mermaid(), "\n")
		data.Next = g.ValidTransitions(doc.CurrentState)
	}
	if n := len(doc.Handovers); n > 0 {
		data.LastActivity = doc.Handovers[n-1].Timestamp.UTC().Format(time.RFC3339)
	}
	return render(w, "handover", handoverTemplate, data)
}

// CommitMarkdown writes the commit ledger projection.
func CommitMarkdown(w io.Writer, commits []types.Commit, stats ledger.Statistics) error {
	return render(w, "commits", commitTemplate, commitData{Commits: commits, Stats: stats})
}

type handoverData struct {
	CurrentState types.Persona
	Next         []types.Persona
	Handovers    []types.Handover
	StateFlow    string
	Count        int
	LastActivity string
}

type commitData struct {
	Commits []types.Commit
	Stats   ledger.Statistics
}

func render(w io.Writer, name, text string, data any) error {
	tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(text)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	return tmpl.Execute(w, data)
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"date": func(t time.Time) string {
			if t.IsZero() {
				return "Unknown"
			}
			return t.UTC().Format("2006-01-02")
		},
		"stamp": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05") },
		"artifacts": func(h types.Handover) string {
			if len(h.Artifacts) == 0 {
				return "None"
			}
			return strings.Join(h.ArtifactTypes(), ", ")
		},
		"personas": func(ps []types.Persona) string {
			names := make([]string, len(ps))
			for i, p := range ps {
				names[i] = string(p)
			}
			return strings.Join(names, ", ")
		},
		"cell": escapeCell,
		"pct":  func(f float64) string { return fmt.Sprintf("%.1f%%", f) },
	}
}

// escapeCell keeps a value inside one markdown table cell.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

const handoverTemplate = `# Handover Protocol

## Current State
**Persona**: {{ .CurrentState }}
{{- if .Next }}
**Legal Next**: {{ personas .Next }}
{{- end }}

## Handover History
| Date | From | To | Artifacts | ID |
|------|------|----|-----------|----|
{{- range .Handovers }}
| {{ date .Timestamp }} | {{ .From }} | {{ .To }} | {{ cell (artifacts .) }} | {{ .ID }} |
{{- end }}
{{- if .StateFlow }}

## State Flow
` + "```mermaid" + `
{{ .StateFlow }}
` + "```" + `
{{- end }}

## Metrics
- **Handover Count**: {{ .Count }}
- **Current State**: {{ .CurrentState }}
- **Last Activity**: {{ .LastActivity }}
`

const commitTemplate = `# Commit Ledger

| Created | Commit | Persona | Step | Digest | Status | Description |
|---------|--------|---------|------|--------|--------|-------------|
{{- range .Commits }}
| {{ stamp .CreatedAt }} | {{ .ID }} | {{ .Persona }} | {{ cell .StepID }} | {{ .ShortDigest }} | {{ .Status }} | {{ cell .Description }} |
{{- end }}

## Statistics
- **Total Commits**: {{ .Stats.TotalCommits }}
- **Rollback Rate**: {{ pct .Stats.RollbackRatePercent }}
{{- range $persona, $n := .Stats.CountsByPersona }}
- **{{ $persona }}**: {{ $n }}
{{- end }}
`
