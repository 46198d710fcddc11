// Package types defines the records shared by the aion ledger, snapshot
// store and persona state machine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Persona is a named role in the development lifecycle.
type Persona string

const (
	PersonaInit      Persona = "Init"
	PersonaPM        Persona = "PM"
	PersonaArchitect Persona = "Architect"
	PersonaDeveloper Persona = "Developer"
	PersonaQA        Persona = "QA"
	PersonaRelease   Persona = "Release"
	PersonaSystem    Persona = "System"
)

// BuiltinPersonas returns the fixed persona enumeration in lifecycle order.
func BuiltinPersonas() []Persona {
	return []Persona{
		PersonaInit,
		PersonaPM,
		PersonaArchitect,
		PersonaDeveloper,
		PersonaQA,
		PersonaRelease,
		PersonaSystem,
	}
}

// personaAliases maps alternative spellings to canonical personas.
var personaAliases = map[string]Persona{
	"init":      PersonaInit,
	"pm":        PersonaPM,
	"architect": PersonaArchitect,
	"developer": PersonaDeveloper,
	"qa":        PersonaQA,
	"release":   PersonaRelease,
	"system":    PersonaSystem,

	"product-manager": PersonaPM,
	"product_manager": PersonaPM,
	"arch":            PersonaArchitect,
	"dev":             PersonaDeveloper,
	"tester":          PersonaQA,
	"sys":             PersonaSystem,
}

// ParsePersona normalizes a persona name. Builtin personas and their
// aliases match case-insensitively; any other non-empty name is returned
// trimmed as a custom persona.
func ParsePersona(name string) Persona {
	trimmed := strings.TrimSpace(name)
	if p, ok := personaAliases[strings.ToLower(trimmed)]; ok {
		return p
	}
	return Persona(trimmed)
}

// IsBuiltin reports whether p is one of the fixed enumeration values.
func (p Persona) IsBuiltin() bool {
	for _, b := range BuiltinPersonas() {
		if p == b {
			return true
		}
	}
	return false
}

// FileAction is the kind of mutation a FileOperation performs.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionUpdate FileAction = "update"
	ActionDelete FileAction = "delete"
)

// ParseFileAction normalizes an action name.
func ParseFileAction(name string) (FileAction, error) {
	switch FileAction(strings.ToLower(strings.TrimSpace(name))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("unknown file action %q", name)
	}
}

// RequiresContent reports whether operations of this action carry content.
func (a FileAction) RequiresContent() bool {
	return a == ActionCreate || a == ActionUpdate
}

// FileOperation is one declarative file mutation. Content is nil when
// absent; an empty non-nil slice is an empty file.
type FileOperation struct {
	Path    string     `json:"path" yaml:"path"`
	Action  FileAction `json:"action" yaml:"action"`
	Content []byte     `json:"content" yaml:"content"`
}

// ChangeSet is the ordered list of operations a micro-commit applies.
type ChangeSet struct {
	Operations []FileOperation `json:"operations" yaml:"operations"`
}

// Paths returns the distinct paths referenced by the change set in first
// occurrence order.
func (cs ChangeSet) Paths() []string {
	seen := make(map[string]bool, len(cs.Operations))
	paths := make([]string, 0, len(cs.Operations))
	for _, op := range cs.Operations {
		if seen[op.Path] {
			continue
		}
		seen[op.Path] = true
		paths = append(paths, op.Path)
	}
	return paths
}

// CommitStatus is the lifecycle status of a commit.
type CommitStatus string

const (
	StatusCommitted  CommitStatus = "committed"
	StatusRolledBack CommitStatus = "rolled_back"
)

// Commit is one micro-commit record in the ledger.
type Commit struct {
	ID          string       `json:"id"`
	Persona     Persona      `json:"persona"`
	StepID      string       `json:"step_id"`
	Description string       `json:"description"`
	ChangeSet   ChangeSet    `json:"change_set"`
	Digest      string       `json:"digest"`
	CreatedAt   time.Time    `json:"created_at"`
	Status      CommitStatus `json:"status"`
	SnapshotRef string       `json:"snapshot_ref"`
	RolledBack  *time.Time   `json:"rolled_back_at,omitempty"`
}

// ShortDigest returns the leading 8 hex characters of the digest.
func (c Commit) ShortDigest() string {
	if len(c.Digest) > 8 {
		return c.Digest[:8]
	}
	return c.Digest
}

// Artifact is an opaque descriptor handed from one persona to the next.
// The conventional "type" key classifies it for statistics.
type Artifact map[string]any

// Type returns the artifact's "type" entry, or "Unknown".
func (a Artifact) Type() string {
	if v, ok := a["type"].(string); ok && v != "" {
		return v
	}
	return "Unknown"
}

// Handover is a recorded transfer of control between personas.
type Handover struct {
	ID        string     `json:"id"`
	From      Persona    `json:"from"`
	To        Persona    `json:"to"`
	Artifacts []Artifact `json:"artifacts"`
	Timestamp time.Time  `json:"timestamp"`

	// PreviousState is the current persona at the time of the handover.
	// It differs from From when a caller hands over on another's behalf.
	PreviousState Persona `json:"previous_state,omitempty"`
}

// ArtifactTypes returns the type of every artifact in order.
func (h Handover) ArtifactTypes() []string {
	out := make([]string, len(h.Artifacts))
	for i, a := range h.Artifacts {
		out[i] = a.Type()
	}
	return out
}
