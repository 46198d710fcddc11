// Package contextstore keeps per-persona working context: free-form notes
// keyed by persona and the artifacts each persona received at handover.
// Values are opaque JSON documents.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/boshu2/aion/internal/types"
)

// ErrClosed is returned when the store is used after Close.
var ErrClosed = errors.New("context store closed")

// Store is the persona context document store.
type Store interface {
	Put(ctx context.Context, persona types.Persona, key string, value any) error
	Get(ctx context.Context, persona types.Persona, key string) (json.RawMessage, bool, error)
	Document(ctx context.Context, persona types.Persona) (Document, error)
	RecordArtifacts(ctx context.Context, h types.Handover) error
	Personas(ctx context.Context) ([]types.Persona, error)
	Close() error
}

// Document is everything stored for one persona.
type Document struct {
	Persona   types.Persona              `json:"persona" yaml:"persona"`
	Notes     map[string]json.RawMessage `json:"notes" yaml:"notes"`
	Artifacts []ArtifactRecord           `json:"artifacts" yaml:"artifacts"`
}

// ArtifactRecord is one artifact received by a persona.
type ArtifactRecord struct {
	HandoverID string         `json:"handover_id" yaml:"handover_id"`
	From       types.Persona  `json:"from" yaml:"from"`
	Type       string         `json:"type" yaml:"type"`
	Payload    types.Artifact `json:"payload" yaml:"payload"`
	RecordedAt time.Time      `json:"recorded_at" yaml:"recorded_at"`
}
