package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boshu2/aion/internal/storage"
	"github.com/boshu2/aion/internal/types"
)

func openTestMachine(t *testing.T, opts ...Option) (*Machine, *storage.FileStorage) {
	t.Helper()
	files := storage.NewFileStorage(t.TempDir())
	if err := files.Init(); err != nil {
		t.Fatal(err)
	}
	m, err := Open(files, nil, opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return m, files
}

func TestOpen_FreshProjectStartsAtInit(t *testing.T) {
	m, _ := openTestMachine(t)
	cs := m.CurrentState()
	if cs.State != types.PersonaInit || cs.HandoverCount != 0 || cs.LastHandover != nil {
		t.Errorf("CurrentState() = %+v", cs)
	}
}

func TestHandover_IllegalTransition(t *testing.T) {
	m, files := openTestMachine(t)

	_, err := m.Handover(types.PersonaQA, types.PersonaInit, nil)
	if !errors.Is(err, types.ErrIllegalTransition) {
		t.Fatalf("Handover(QA, Init) error = %v, want ErrIllegalTransition", err)
	}
	if m.CurrentState().State != types.PersonaInit {
		t.Error("illegal handover changed current state")
	}
	if _, err := os.Stat(files.HandoverPath()); !os.IsNotExist(err) {
		t.Error("illegal handover wrote the handover log")
	}
}

func TestHandover_LegalUpdatesState(t *testing.T) {
	m, _ := openTestMachine(t)

	h, err := m.Handover(types.PersonaQA, types.PersonaDeveloper, []types.Artifact{})
	if err != nil {
		t.Fatalf("Handover(QA, Developer) error = %v", err)
	}
	if h.From != types.PersonaQA || h.To != types.PersonaDeveloper || h.PreviousState != types.PersonaInit {
		t.Errorf("Handover() = %+v", h)
	}
	if len(h.ID) < len("HANDOVER-") || h.ID[:9] != "HANDOVER-" {
		t.Errorf("handover id = %q", h.ID)
	}
	cs := m.CurrentState()
	if cs.State != types.PersonaDeveloper || cs.HandoverCount != 1 || cs.LastHandover == nil || cs.LastHandover.ID != h.ID {
		t.Errorf("CurrentState() = %+v", cs)
	}
}

func TestHandover_PersistsAndReplays(t *testing.T) {
	m, files := openTestMachine(t)
	steps := [][2]types.Persona{
		{types.PersonaInit, types.PersonaPM},
		{types.PersonaPM, types.PersonaArchitect},
		{types.PersonaArchitect, types.PersonaDeveloper},
	}
	for _, s := range steps {
		if _, err := m.Handover(s[0], s[1], []types.Artifact{{"type": "Doc", "path": "x.md"}}); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := Open(files, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.CurrentState().State; got != types.PersonaDeveloper {
		t.Errorf("reopened state = %s, want Developer", got)
	}
	history := reopened.History(2)
	if len(history) != 2 || history[0].To != types.PersonaArchitect || history[1].To != types.PersonaDeveloper {
		t.Errorf("History(2) = %+v", history)
	}
	if history[1].Artifacts[0]["path"] != "x.md" {
		t.Errorf("artifact not persisted: %+v", history[1].Artifacts)
	}
}

func TestOpen_ReplaysLastHandoverOverStoredState(t *testing.T) {
	files := storage.NewFileStorage(t.TempDir())
	if err := files.Init(); err != nil {
		t.Fatal(err)
	}
	// Simulates a log whose state field lags its last entry.
	doc := Document{
		CurrentState: types.PersonaPM,
		Handovers: []types.Handover{
			{ID: "HANDOVER-1", From: types.PersonaInit, To: types.PersonaPM},
			{ID: "HANDOVER-2", From: types.PersonaPM, To: types.PersonaArchitect},
		},
	}
	if err := files.WriteJSON(files.HandoverPath(), doc); err != nil {
		t.Fatal(err)
	}

	m, err := Open(files, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.CurrentState().State; got != types.PersonaArchitect {
		t.Errorf("state = %s, want Architect from replay", got)
	}
}

func TestHandover_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	m, files := openTestMachine(t)
	if err := os.Mkdir(files.HandoverPath(), 0o700); err != nil {
		t.Fatal(err)
	}

	_, err := m.Handover(types.PersonaInit, types.PersonaPM, nil)
	if !errors.Is(err, types.ErrPersistence) {
		t.Fatalf("Handover() error = %v, want ErrPersistence", err)
	}
	cs := m.CurrentState()
	if cs.State != types.PersonaInit || cs.HandoverCount != 0 {
		t.Errorf("CurrentState() after failed persist = %+v", cs)
	}
}

func TestHandover_CustomPersonaViaAddTransition(t *testing.T) {
	m, _ := openTestMachine(t)
	if _, err := m.Handover(types.PersonaQA, "Reviewer", nil); !errors.Is(err, types.ErrIllegalTransition) {
		t.Fatalf("Handover(QA, Reviewer) error = %v", err)
	}
	if _, err := m.Graph().AddTransition(types.PersonaQA, "Reviewer"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Handover(types.PersonaQA, "Reviewer", nil); err != nil {
		t.Errorf("Handover(QA, Reviewer) after AddTransition error = %v", err)
	}
}

func TestStatistics(t *testing.T) {
	m, _ := openTestMachine(t)
	_, _ = m.Handover(types.PersonaInit, types.PersonaPM, []types.Artifact{{"type": "PRD"}})
	_, _ = m.Handover(types.PersonaPM, types.PersonaArchitect, []types.Artifact{{"type": "PRD"}, {"name": "untyped"}})
	_, _ = m.Handover(types.PersonaArchitect, types.PersonaPM, nil)
	_, _ = m.Handover(types.PersonaPM, types.PersonaArchitect, nil)

	s := m.Statistics()
	if s.TotalHandovers != 4 || s.CurrentState != types.PersonaArchitect {
		t.Errorf("Statistics() = %+v", s)
	}
	if s.PersonaTransitions["PM → Architect"] != 2 || s.PersonaTransitions["Init → PM"] != 1 {
		t.Errorf("PersonaTransitions = %v", s.PersonaTransitions)
	}
	if s.ArtifactTypes["PRD"] != 2 || s.ArtifactTypes["Unknown"] != 1 {
		t.Errorf("ArtifactTypes = %v", s.ArtifactTypes)
	}
}

func TestReset_ArchivesAndReturnsToInit(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	m, files := openTestMachine(t, WithClock(func() time.Time { return now }))
	if _, err := m.Handover(types.PersonaInit, types.PersonaPM, nil); err != nil {
		t.Fatal(err)
	}

	archive, err := m.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if filepath.Base(archive) != "handover-1750000000.json.bak" {
		t.Errorf("archive = %s", archive)
	}
	if _, err := os.Stat(archive); err != nil {
		t.Errorf("archive missing: %v", err)
	}
	cs := m.CurrentState()
	if cs.State != types.PersonaInit || cs.HandoverCount != 0 {
		t.Errorf("CurrentState() after reset = %+v", cs)
	}

	reopened, err := Open(files, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.CurrentState().State != types.PersonaInit {
		t.Error("reset not persisted")
	}
}

func TestProjection_RunsAndFailuresAreNotFatal(t *testing.T) {
	var calls int
	m, _ := openTestMachine(t, WithProjection(func(doc Document, g *Graph) error {
		calls++
		if doc.CurrentState != types.PersonaPM {
			t.Errorf("projection saw state %s", doc.CurrentState)
		}
		return errors.New("disk full")
	}))

	if _, err := m.Handover(types.PersonaInit, types.PersonaPM, nil); err != nil {
		t.Fatalf("Handover() error = %v, projection failure must not fail it", err)
	}
	if calls != 1 {
		t.Errorf("projection calls = %d, want 1", calls)
	}
}
