package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/boshu2/aion/internal/types"
)

func openTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "context.db"))

	if err := s.Put(ctx, types.PersonaArchitect, "decision", map[string]any{"db": "sqlite"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, types.PersonaArchitect, "decision", map[string]any{"db": "postgres"}); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}

	raw, ok, err := s.Get(ctx, types.PersonaArchitect, "decision")
	if err != nil || !ok {
		t.Fatalf("Get() = %s, %v, %v", raw, ok, err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["db"] != "postgres" {
		t.Errorf("Get() = %v, want latest value", got)
	}

	if _, ok, err := s.Get(ctx, types.PersonaArchitect, "missing"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v", ok, err)
	}
	if err := s.Put(ctx, "", "k", 1); err == nil {
		t.Error("Put() without persona expected error")
	}
}

func TestRecordArtifactsAndDocument(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, ":memory:")

	h := types.Handover{
		ID:   "HANDOVER-1",
		From: types.PersonaPM,
		To:   types.PersonaArchitect,
		Artifacts: []types.Artifact{
			{"type": "PRD", "path": "docs/prd.md"},
			{"path": "notes.txt"},
		},
	}
	if err := s.RecordArtifacts(ctx, h); err != nil {
		t.Fatalf("RecordArtifacts() error = %v", err)
	}
	if err := s.Put(ctx, types.PersonaArchitect, "focus", "api design"); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Document(ctx, types.PersonaArchitect)
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if len(doc.Artifacts) != 2 {
		t.Fatalf("Artifacts = %+v", doc.Artifacts)
	}
	first := doc.Artifacts[0]
	if first.HandoverID != "HANDOVER-1" || first.From != types.PersonaPM || first.Type != "PRD" || first.Payload["path"] != "docs/prd.md" {
		t.Errorf("first artifact = %+v", first)
	}
	if doc.Artifacts[1].Type != "Unknown" {
		t.Errorf("untyped artifact type = %q", doc.Artifacts[1].Type)
	}
	if string(doc.Notes["focus"]) != `"api design"` {
		t.Errorf("Notes = %v", doc.Notes)
	}

	empty, err := s.Document(ctx, types.PersonaQA)
	if err != nil || len(empty.Notes) != 0 || len(empty.Artifacts) != 0 {
		t.Errorf("Document(QA) = %+v, %v", empty, err)
	}

	personas, err := s.Personas(ctx)
	if err != nil || len(personas) != 1 || personas[0] != types.PersonaArchitect {
		t.Errorf("Personas() = %v, %v", personas, err)
	}
}

func TestReopenKeepsDataAndSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "context.db")

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, types.PersonaQA, "plan", []string{"unit", "e2e"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, types.PersonaQA, "plan"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close error = %v, want ErrClosed", err)
	}

	reopened := openTestStore(t, path)
	raw, ok, err := reopened.Get(ctx, types.PersonaQA, "plan")
	if err != nil || !ok || string(raw) != `["unit","e2e"]` {
		t.Errorf("Get() after reopen = %s, %v, %v", raw, ok, err)
	}
}
