package state

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boshu2/aion/internal/storage"
	"github.com/boshu2/aion/internal/types"
)

// Document is the persisted handover log: the ordered handover sequence
// plus the current persona.
type Document struct {
	CurrentState types.Persona    `json:"current_state" yaml:"current_state"`
	UpdatedAt    time.Time        `json:"updated_at" yaml:"updated_at"`
	Handovers    []types.Handover `json:"handovers" yaml:"handovers"`
}

// Projection renders the handover log somewhere for humans. It is never
// read back.
type Projection func(doc Document, g *Graph) error

// Machine owns the current persona and the handover log for one project
// root. Handovers are serialized.
type Machine struct {
	mu         sync.Mutex
	files      *storage.FileStorage
	path       string
	graph      *Graph
	doc        Document
	projection Projection
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithProjection sets a renderer run after every successful change.
// Projection failures are logged, never returned.
func WithProjection(p Projection) Option {
	return func(m *Machine) { m.projection = p }
}

// Open loads the handover log. The current persona is recovered by
// replaying the last handover; with no handovers it is the stored state,
// or Init for a fresh project.
func Open(files *storage.FileStorage, g *Graph, opts ...Option) (*Machine, error) {
	if g == nil {
		g = DefaultGraph()
	}
	m := &Machine{
		files:  files,
		path:   files.HandoverPath(),
		graph:  g,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	var doc Document
	found, err := files.ReadJSON(m.path, &doc)
	if err != nil {
		return nil, &types.Error{Kind: types.ErrPersistence, Op: "load handover log", Path: m.path, Err: err}
	}
	if !found || doc.CurrentState == "" {
		doc.CurrentState = types.PersonaInit
	}
	if n := len(doc.Handovers); n > 0 {
		last := doc.Handovers[n-1].To
		if doc.CurrentState != last {
			m.logger.Warn("current state disagrees with handover log, replaying last handover",
				"stored", string(doc.CurrentState), "replayed", string(last))
			doc.CurrentState = last
		}
	}
	if doc.Handovers == nil {
		doc.Handovers = []types.Handover{}
	}
	m.doc = doc
	return m, nil
}

// Graph returns the transition graph.
func (m *Machine) Graph() *Graph { return m.graph }

// Handover moves control from one persona to another. The transition must
// be legal in the graph. The handover is durably appended to the log
// before the current persona changes; a failed write changes nothing.
func (m *Machine) Handover(from, to types.Persona, artifacts []types.Artifact) (types.Handover, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.graph.IsValid(from, to) {
		return types.Handover{}, &types.Error{
			Kind: types.ErrIllegalTransition,
			Op:   "handover",
			Msg:  fmt.Sprintf("%s -> %s is not allowed (legal from %s: %v)", from, to, from, m.graph.ValidTransitions(from)),
		}
	}
	if from != m.doc.CurrentState {
		m.logger.Warn("handover source is not the current persona",
			"from", string(from), "current", string(m.doc.CurrentState))
	}
	if artifacts == nil {
		artifacts = []types.Artifact{}
	}

	ts := m.now().UTC()
	h := types.Handover{
		ID:            "HANDOVER-" + uuid.NewString(),
		From:          from,
		To:            to,
		Artifacts:     artifacts,
		Timestamp:     ts,
		PreviousState: m.doc.CurrentState,
	}

	next := Document{
		CurrentState: to,
		UpdatedAt:    ts,
		Handovers:    append(append(make([]types.Handover, 0, len(m.doc.Handovers)+1), m.doc.Handovers...), h),
	}
	if err := m.files.WriteJSON(m.path, next); err != nil {
		m.logger.Error("handover not persisted", "from", string(from), "to", string(to), "error", err)
		return types.Handover{}, &types.Error{Kind: types.ErrPersistence, Op: "handover", Path: m.path, Err: err}
	}
	m.doc = next

	m.logger.Info("handover recorded", "handover", h.ID, "from", string(from), "to", string(to), "artifacts", len(artifacts))
	m.project()
	return h, nil
}

// CurrentState describes who holds control.
type CurrentState struct {
	State         types.Persona   `json:"state" yaml:"state"`
	Timestamp     time.Time       `json:"timestamp" yaml:"timestamp"`
	HandoverCount int             `json:"handover_count" yaml:"handover_count"`
	LastHandover  *types.Handover `json:"last_handover" yaml:"last_handover"`
}

// CurrentState returns the current persona and a summary of the log.
func (m *Machine) CurrentState() CurrentState {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := CurrentState{
		State:         m.doc.CurrentState,
		Timestamp:     m.now().UTC(),
		HandoverCount: len(m.doc.Handovers),
	}
	if n := len(m.doc.Handovers); n > 0 {
		last := m.doc.Handovers[n-1]
		cs.LastHandover = &last
	}
	return cs
}

// History returns the last limit handovers in order. A limit <= 0
// returns all of them.
func (m *Machine) History(limit int) []types.Handover {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs := m.doc.Handovers
	if limit > 0 && len(hs) > limit {
		hs = hs[len(hs)-limit:]
	}
	return append([]types.Handover(nil), hs...)
}

// Document returns a copy of the handover log.
func (m *Machine) Document() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.doc
	doc.Handovers = append([]types.Handover(nil), m.doc.Handovers...)
	return doc
}

// Statistics aggregates the handover log.
type Statistics struct {
	TotalHandovers     int            `json:"total_handovers" yaml:"total_handovers"`
	CurrentState       types.Persona  `json:"current_state" yaml:"current_state"`
	PersonaTransitions map[string]int `json:"persona_transitions" yaml:"persona_transitions"`
	ArtifactTypes      map[string]int `json:"artifact_types" yaml:"artifact_types"`
}

// Statistics counts handovers per transition and artifacts per type.
func (m *Machine) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Statistics{
		TotalHandovers:     len(m.doc.Handovers),
		CurrentState:       m.doc.CurrentState,
		PersonaTransitions: map[string]int{},
		ArtifactTypes:      map[string]int{},
	}
	for _, h := range m.doc.Handovers {
		s.PersonaTransitions[TransitionKey(h.From, h.To)]++
		for _, t := range h.ArtifactTypes() {
			s.ArtifactTypes[t]++
		}
	}
	return s
}

// TransitionKey formats a transition for statistics.
func TransitionKey(from, to types.Persona) string {
	return fmt.Sprintf("%s → %s", from, to)
}

// Reset archives the current log next to it and starts over at Init with
// no handovers. It returns the archive path, or "" when there was nothing
// to archive.
func (m *Machine) Reset() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var archive string
	data, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		archive = m.files.Path(fmt.Sprintf("handover-%d.json.bak", m.now().Unix()))
		if err := m.files.WriteFile(archive, data); err != nil {
			return "", &types.Error{Kind: types.ErrPersistence, Op: "reset", Path: archive, Err: err}
		}
	case !os.IsNotExist(err):
		return "", &types.Error{Kind: types.ErrPersistence, Op: "reset", Path: m.path, Err: err}
	}

	next := Document{CurrentState: types.PersonaInit, UpdatedAt: m.now().UTC(), Handovers: []types.Handover{}}
	if err := m.files.WriteJSON(m.path, next); err != nil {
		return "", &types.Error{Kind: types.ErrPersistence, Op: "reset", Path: m.path, Err: err}
	}
	m.doc = next

	m.logger.Info("state machine reset", "archive", archive)
	m.project()
	return archive, nil
}

func (m *Machine) project() {
	if m.projection == nil {
		return
	}
	if err := m.projection(m.doc, m.graph); err != nil {
		m.logger.Warn("handover projection not written", "error", err)
	}
}
