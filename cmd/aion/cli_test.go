package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/boshu2/aion/internal/config"
	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/safety"
	"github.com/boshu2/aion/internal/storage"
	"github.com/boshu2/aion/internal/types"
)

// resetFlags puts every flag back to its default so state from one
// Execute does not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

type cliResult struct {
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) (cliResult, error) {
	t.Helper()
	resetFlags(rootCmd)
	cfg = nil

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return cliResult{stdout: out.String(), stderr: errOut.String()}, err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	res, err := runCLI(t, "", args...)
	if err != nil {
		t.Fatalf("aion %s: %v\nstderr: %s", strings.Join(args, " "), err, res.stderr)
	}
	return res.stdout
}

// newRoot returns an isolated project root: no home config and no AION_*
// overrides from the environment.
func newRoot(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		"AION_CONFIG", "AION_OUTPUT", "AION_BASE_DIR", "AION_VERBOSE", "AION_LOG_LEVEL",
		"AION_LOG_JOURNAL", "AION_SNAPSHOT_COMPRESSION", "AION_SAFETY_ALLOW_BINARY", "AION_SAFETY_SECRET_SCAN",
	} {
		t.Setenv(key, "")
	}
	return t.TempDir()
}

func writeChanges(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCLI_CommitHistoryRollback(t *testing.T) {
	root := newRoot(t)
	changes := writeChanges(t, t.TempDir(), "ops.jsonc", `{
  // first feature
  "operations": [
    {"path": "src/app.txt", "action": "create", "content": "hello\n"},
    {"path": "bin/blob", "action": "create", "content_base64": "aGk="},
  ]
}`)

	out := mustRun(t, "commit", "--root", root, "--persona", "dev", "--step", "impl-1",
		"-m", "add app", "--changes", changes, "-o", "json")
	var commit types.Commit
	if err := json.Unmarshal([]byte(out), &commit); err != nil {
		t.Fatalf("commit output is not JSON: %v\n%s", err, out)
	}
	if commit.Persona != types.PersonaDeveloper {
		t.Errorf("commit persona = %s, want Developer", commit.Persona)
	}
	if data, err := os.ReadFile(filepath.Join(root, "bin", "blob")); err != nil || string(data) != "hi" {
		t.Errorf("bin/blob = %q, %v; want \"hi\"", data, err)
	}

	out = mustRun(t, "history", "--root", root, "-o", "json")
	var history []types.Commit
	if err := json.Unmarshal([]byte(out), &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].ID != commit.ID {
		t.Fatalf("history = %+v, want the one commit", history)
	}

	out = mustRun(t, "history", "--root", root)
	if !strings.Contains(out, commit.ID) || !strings.Contains(out, "PERSONA") {
		t.Errorf("history table missing commit:\n%s", out)
	}

	mustRun(t, "rollback", "--root", root, commit.ID)
	if _, err := os.Stat(filepath.Join(root, "src", "app.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("src/app.txt survived rollback: %v", err)
	}

	_, err := runCLI(t, "", "rollback", "--root", root, commit.ID)
	if !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("second rollback error = %v, want ErrInvalidState", err)
	}

	out = mustRun(t, "history", "--root", root, "-o", "jsonl")
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 1 || !strings.Contains(lines[0], `"rolled_back"`) {
		t.Errorf("jsonl history = %q", out)
	}
}

func TestCLI_CommitFromStdinYAML(t *testing.T) {
	root := newRoot(t)
	yamlChanges := `operations:
  - path: notes.md
    action: create
    content: |
      # Notes
`
	res, err := runCLI(t, yamlChanges, "commit", "--root", root, "--persona", "PM", "--step", "plan", "--changes", "-")
	if err != nil {
		t.Fatalf("commit from stdin: %v\n%s", err, res.stderr)
	}
	if !strings.Contains(res.stdout, "Committed PM-plan-") {
		t.Errorf("commit output = %q", res.stdout)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "notes.md")); string(data) != "# Notes\n" {
		t.Errorf("notes.md = %q", data)
	}
}

func TestCLI_CommitRejectsTraversal(t *testing.T) {
	root := newRoot(t)
	changes := writeChanges(t, t.TempDir(), "ops.json",
		`{"operations":[{"path":"../escape.txt","action":"create","content":"x"}]}`)

	_, err := runCLI(t, "", "commit", "--root", root, "--persona", "Developer", "--step", "s", "--changes", changes)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("commit error = %v, want ErrValidation", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(root), "escape.txt")); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("file written outside the project root")
	}

	out := mustRun(t, "history", "--root", root, "-o", "json")
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("history after rejected commit = %s, want []", out)
	}
}

func TestCLI_CommitApplyFailureIsCompensated(t *testing.T) {
	root := newRoot(t)
	changes := writeChanges(t, t.TempDir(), "ops.json", `{"operations":[
		{"path":"x","action":"create","content":"file"},
		{"path":"x/y","action":"create","content":"child"}
	]}`)

	res, err := runCLI(t, "", "commit", "--root", root, "--persona", "Developer", "--step", "s", "--changes", changes)
	var ce *safety.CommitError
	if !errors.As(err, &ce) || !ce.Compensated {
		t.Fatalf("commit error = %v, want compensated CommitError", err)
	}
	if !strings.Contains(res.stderr, "pre-commit state was restored") {
		t.Errorf("stderr missing compensation hint:\n%s", res.stderr)
	}
	if _, err := os.Stat(filepath.Join(root, "x")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("x left behind after compensation: %v", err)
	}
}

func TestCLI_HandoverStateStatsReset(t *testing.T) {
	root := newRoot(t)

	out := mustRun(t, "handover", "--root", root, "Init", "pm", "--artifact", "Requirements=docs/prd.md", "-a", "Notes")
	if !strings.Contains(out, "Init -> PM (2 artifacts)") {
		t.Errorf("handover output = %q", out)
	}

	_, err := runCLI(t, "", "handover", "--root", root, "PM", "Release")
	if !errors.Is(err, types.ErrIllegalTransition) {
		t.Errorf("illegal handover error = %v, want ErrIllegalTransition", err)
	}

	out = mustRun(t, "state", "--root", root, "-o", "json")
	var current struct {
		State         types.Persona   `json:"state"`
		HandoverCount int             `json:"handover_count"`
		Next          []types.Persona `json:"next"`
	}
	if err := json.Unmarshal([]byte(out), &current); err != nil {
		t.Fatal(err)
	}
	if current.State != types.PersonaPM || current.HandoverCount != 1 {
		t.Errorf("state = %+v, want PM after 1 handover", current)
	}
	if len(current.Next) != 2 || current.Next[0] != types.PersonaArchitect {
		t.Errorf("next = %v, want [Architect System]", current.Next)
	}

	out = mustRun(t, "state", "--root", root)
	if !strings.Contains(out, "PM") || !strings.Contains(out, "Architect, System") {
		t.Errorf("state banner = %q", out)
	}

	out = mustRun(t, "state", "history", "--root", root, "-o", "json")
	var handovers []types.Handover
	if err := json.Unmarshal([]byte(out), &handovers); err != nil {
		t.Fatal(err)
	}
	if len(handovers) != 1 || len(handovers[0].Artifacts) != 2 {
		t.Errorf("state history = %+v", handovers)
	}

	out = mustRun(t, "stats", "--root", root, "-o", "json")
	var stats statsReport
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Handovers.PersonaTransitions["Init → PM"] != 1 || stats.Handovers.ArtifactTypes["Requirements"] != 1 {
		t.Errorf("handover stats = %+v", stats.Handovers)
	}

	out = mustRun(t, "context", "--root", root, "PM", "-o", "json")
	if !strings.Contains(out, "docs/prd.md") {
		t.Errorf("PM context missing handed over artifact:\n%s", out)
	}

	if _, err := runCLI(t, "", "state", "reset", "--root", root); err == nil {
		t.Error("state reset without --yes should fail")
	}
	out = mustRun(t, "state", "reset", "--root", root, "--yes", "-o", "json")
	var reset struct {
		Archive string        `json:"archive"`
		State   types.Persona `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &reset); err != nil {
		t.Fatal(err)
	}
	if reset.State != types.PersonaInit {
		t.Errorf("state after reset = %s, want Init", reset.State)
	}
	if _, err := os.Stat(reset.Archive); err != nil {
		t.Errorf("archive %s missing: %v", reset.Archive, err)
	}
}

func TestCLI_Transitions(t *testing.T) {
	root := newRoot(t)

	out := mustRun(t, "transitions", "--root", root, "Developer", "-o", "json")
	var next []types.Persona
	if err := json.Unmarshal([]byte(out), &next); err != nil {
		t.Fatal(err)
	}
	want := []types.Persona{types.PersonaQA, types.PersonaArchitect, types.PersonaSystem}
	if len(next) != len(want) {
		t.Fatalf("transitions Developer = %v, want %v", next, want)
	}
	for i := range want {
		if next[i] != want[i] {
			t.Errorf("transitions Developer[%d] = %s, want %s", i, next[i], want[i])
		}
	}

	out = mustRun(t, "transitions", "--root", root, "--mermaid")
	if !strings.HasPrefix(out, "stateDiagram-v2") {
		t.Errorf("mermaid output = %q", out)
	}

	out = mustRun(t, "transitions", "--root", root)
	if !strings.Contains(out, "Architect, System") {
		t.Errorf("transition table = %q", out)
	}
}

func TestCLI_ConfiguredTransitions(t *testing.T) {
	root := newRoot(t)
	if err := os.MkdirAll(filepath.Join(root, ".aion"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeChanges(t, filepath.Join(root, ".aion"), "config.yaml", "transitions:\n  QA: [Reviewer]\n  Reviewer: [Release]\n")

	out := mustRun(t, "transitions", "--root", root, "QA", "-o", "json")
	if !strings.Contains(out, "Reviewer") {
		t.Errorf("configured edge missing: %s", out)
	}
}

func TestCLI_ContextNotes(t *testing.T) {
	root := newRoot(t)

	mustRun(t, "context", "--root", root, "Developer", "focus", `{"module":"auth"}`)
	mustRun(t, "context", "--root", root, "dev", "owner", "alice")

	out := mustRun(t, "context", "--root", root, "Developer", "focus")
	if strings.TrimSpace(out) != `{"module":"auth"}` {
		t.Errorf("context get = %q", out)
	}
	out = mustRun(t, "context", "--root", root, "Developer", "owner")
	if strings.TrimSpace(out) != `"alice"` {
		t.Errorf("plain value stored as %q, want JSON string", out)
	}

	if _, err := runCLI(t, "", "context", "--root", root, "Developer", "missing"); err == nil {
		t.Error("reading a missing note should fail")
	}

	out = mustRun(t, "context", "--root", root, "-o", "json")
	if !strings.Contains(out, "Developer") {
		t.Errorf("context personas = %q", out)
	}
}

func TestCLI_Render(t *testing.T) {
	root := newRoot(t)
	mustRun(t, "handover", "--root", root, "Init", "System")

	out := mustRun(t, "render", "--root", root)
	if !strings.HasPrefix(out, "# Handover Protocol") {
		t.Errorf("markdown render = %q", out)
	}
	out = mustRun(t, "render", "--root", root, "--format", "html")
	if !strings.Contains(out, "<h1>Handover Protocol</h1>") {
		t.Errorf("html render = %q", out)
	}
	if _, err := runCLI(t, "", "render", "--root", root, "--format", "pdf"); err == nil {
		t.Error("render with unknown format should fail")
	}
}

func TestCLI_Reconcile(t *testing.T) {
	root := newRoot(t)
	out := mustRun(t, "reconcile", "--root", root, "-o", "json")
	var report safety.ReconcileReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Orphans) != 0 || !report.Ledger.Pass {
		t.Errorf("reconcile on empty project = %+v", report)
	}
}

func TestCLI_MutatingCommandFailsWhenLocked(t *testing.T) {
	root := newRoot(t)
	lock, err := project.Lock(root, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	_, err = runCLI(t, "", "handover", "--root", root, "Init", "PM")
	if !errors.Is(err, storage.ErrLocked) {
		t.Errorf("handover under lock error = %v, want ErrLocked", err)
	}

	// Read-only commands do not take the lock.
	mustRun(t, "state", "--root", root)
}

func TestCLI_MetricsTextfile(t *testing.T) {
	root := newRoot(t)
	mustRun(t, "handover", "--root", root, "Init", "PM")

	data, err := os.ReadFile(filepath.Join(root, ".aion", "metrics.prom"))
	if err != nil {
		t.Fatalf("metrics textfile not written: %v", err)
	}
	if !strings.Contains(string(data), `aion_current_persona{persona="PM"} 1`) {
		t.Errorf("metrics textfile:\n%s", data)
	}
}

func TestCLI_Config(t *testing.T) {
	root := newRoot(t)
	out := mustRun(t, "config", "--root", root, "-o", "json")
	var resolved config.ResolvedConfig
	if err := json.Unmarshal([]byte(out), &resolved); err != nil {
		t.Fatal(err)
	}
	if resolved.Output.Source != config.SourceFlag || resolved.BaseDir.Source != config.SourceDefault {
		t.Errorf("config sources = %v / %v", resolved.Output.Source, resolved.BaseDir.Source)
	}

	out = mustRun(t, "config", "--root", root)
	if !strings.Contains(out, "snapshot.compression") {
		t.Errorf("config table = %q", out)
	}
	if !strings.Contains(out, filepath.Join(root, ".aion", "context.db")) {
		t.Errorf("config does not list the context database path:\n%s", out)
	}
}

func TestCLI_InvalidConfigFails(t *testing.T) {
	root := newRoot(t)
	path := writeChanges(t, t.TempDir(), "bad.yaml", "snapshot:\n  compression: gzip\n")

	if _, err := runCLI(t, "", "state", "--root", root, "--config", path); err == nil {
		t.Error("invalid config should fail the command")
	}
}

func TestCLI_Version(t *testing.T) {
	newRoot(t)
	out := mustRun(t, "version")
	if !strings.HasPrefix(out, "aion version ") {
		t.Errorf("version output = %q", out)
	}
}

func TestParseChangeSet(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		data    string
		wantOps int
		wantErr bool
	}{
		{"jsonc with comments", "ops.jsonc", `{/* c */ "operations": [{"path": "a", "action": "Create", "content": ""}]}`, 1, false},
		{"yaml by extension", "ops.yml", "operations:\n  - {path: a, action: delete}\n", 1, false},
		{"yaml sniffed", "-", "operations:\n  - {path: a, action: update, content: x}\n", 1, false},
		{"json sniffed", "-", `{"operations": []}`, 0, false},
		{"base64", "ops.json", `{"operations": [{"path": "a", "action": "create", "content_base64": "AAEC"}]}`, 1, false},
		{"bad base64", "ops.json", `{"operations": [{"path": "a", "action": "create", "content_base64": "!!"}]}`, 0, true},
		{"both contents", "ops.json", `{"operations": [{"path": "a", "action": "create", "content": "x", "content_base64": "eA=="}]}`, 0, true},
		{"unknown action", "ops.json", `{"operations": [{"path": "a", "action": "rename"}]}`, 0, true},
		{"unknown field", "ops.json", `{"operations": [{"path": "a", "action": "create", "body": "x"}]}`, 0, true},
		{"malformed", "ops.json", `{"operations": [`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := parseChangeSet(tt.file, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseChangeSet() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(cs.Operations) != tt.wantOps {
				t.Errorf("operations = %d, want %d", len(cs.Operations), tt.wantOps)
			}
		})
	}
}

func TestParseChangeSet_ContentPresence(t *testing.T) {
	cs, err := parseChangeSet("ops.json", []byte(`{"operations": [
		{"path": "empty", "action": "create", "content": ""},
		{"path": "gone", "action": "delete"},
		{"path": "bin", "action": "create", "content_base64": "AAEC"}
	]}`))
	if err != nil {
		t.Fatal(err)
	}
	if cs.Operations[0].Content == nil || len(cs.Operations[0].Content) != 0 {
		t.Errorf("empty content = %#v, want empty non-nil", cs.Operations[0].Content)
	}
	if cs.Operations[1].Content != nil {
		t.Errorf("delete content = %#v, want nil", cs.Operations[1].Content)
	}
	if !bytes.Equal(cs.Operations[2].Content, []byte{0, 1, 2}) {
		t.Errorf("base64 content = %v", cs.Operations[2].Content)
	}
}

func TestParseArtifacts(t *testing.T) {
	artifacts, err := parseArtifacts([]string{"Design=docs/design.md", "Notes"})
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %v", artifacts)
	}
	if artifacts[0].Type() != "Design" || artifacts[0]["ref"] != "docs/design.md" {
		t.Errorf("artifact[0] = %v", artifacts[0])
	}
	if _, ok := artifacts[1]["ref"]; ok || artifacts[1].Type() != "Notes" {
		t.Errorf("artifact[1] = %v", artifacts[1])
	}

	if _, err := parseArtifacts([]string{"=ref"}); err == nil {
		t.Error("artifact with empty type should fail")
	}
}
