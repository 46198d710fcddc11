// Package state governs which persona holds control of a project and how
// control passes between personas.
package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/boshu2/aion/internal/types"
)

// defaultTransitions is the lifecycle table loaded at startup.
var defaultTransitions = map[types.Persona][]types.Persona{
	types.PersonaInit:      {types.PersonaPM, types.PersonaSystem},
	types.PersonaPM:        {types.PersonaArchitect, types.PersonaSystem},
	types.PersonaArchitect: {types.PersonaDeveloper, types.PersonaPM, types.PersonaSystem},
	types.PersonaDeveloper: {types.PersonaQA, types.PersonaArchitect, types.PersonaSystem},
	types.PersonaQA:        {types.PersonaRelease, types.PersonaDeveloper, types.PersonaSystem},
	types.PersonaRelease:   {types.PersonaSystem, types.PersonaPM},
	types.PersonaSystem:    {types.PersonaPM, types.PersonaInit},
}

// Graph is a directed graph of legal persona transitions. Edges can be
// added at runtime but never removed. It is safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	edges map[types.Persona][]types.Persona
}

// DefaultGraph returns a graph holding the default lifecycle table.
func DefaultGraph() *Graph {
	return NewGraph(defaultTransitions)
}

// NewGraph builds a graph from an adjacency table. Successor order is
// kept; duplicates are dropped.
func NewGraph(table map[types.Persona][]types.Persona) *Graph {
	g := &Graph{edges: make(map[types.Persona][]types.Persona, len(table))}
	for from, tos := range table {
		for _, to := range tos {
			g.add(from, to)
		}
	}
	return g
}

// IsValid reports whether from -> to is a legal transition.
func (g *Graph) IsValid(from, to types.Persona) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the legal successors of from. Unknown personas
// have none.
func (g *Graph) ValidTransitions(from types.Persona) []types.Persona {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]types.Persona(nil), g.edges[from]...)
}

// AddTransition adds the edge from -> to. It reports false when the edge
// already existed.
func (g *Graph) AddTransition(from, to types.Persona) (bool, error) {
	if from == "" || to == "" {
		return false, fmt.Errorf("add transition %q -> %q: persona names must not be empty", from, to)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(from, to), nil
}

func (g *Graph) add(from, to types.Persona) bool {
	for _, t := range g.edges[from] {
		if t == to {
			return false
		}
	}
	g.edges[from] = append(g.edges[from], to)
	return true
}

// Personas returns every persona that appears in the graph: builtin
// personas in lifecycle order, then custom personas sorted by name.
func (g *Graph) Personas() []types.Persona {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[types.Persona]bool{}
	for from, tos := range g.edges {
		seen[from] = true
		for _, to := range tos {
			seen[to] = true
		}
	}

	var out []types.Persona
	for _, p := range types.BuiltinPersonas() {
		if seen[p] {
			out = append(out, p)
			delete(seen, p)
		}
	}
	custom := make([]types.Persona, 0, len(seen))
	for p := range seen {
		custom = append(custom, p)
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i] < custom[j] })
	return append(out, custom...)
}

// Table returns a copy of the adjacency table.
func (g *Graph) Table() map[types.Persona][]types.Persona {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[types.Persona][]types.Persona, len(g.edges))
	for from, tos := range g.edges {
		out[from] = append([]types.Persona(nil), tos...)
	}
	return out
}

// Mermaid renders the graph as a mermaid state diagram starting at Init.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	fmt.Fprintf(&b, "    [*] --> %s\n", mermaidID(types.PersonaInit))
	for _, from := range g.Personas() {
		for _, to := range g.ValidTransitions(from) {
			fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(from), mermaidID(to))
		}
	}
	return b.String()
}

// mermaidID strips characters mermaid does not accept in state names.
func mermaidID(p types.Persona) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, string(p))
}
