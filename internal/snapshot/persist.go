package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/boshu2/aion/internal/types"
)

// document is the persisted form of a Snapshot.
type document struct {
	SchemaVersion int                   `json:"schema_version"`
	ID            string                `json:"id"`
	CommitID      string                `json:"commit_id,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	Files         map[string]fileRecord `json:"files"`
}

type fileRecord struct {
	Existed  bool        `json:"existed"`
	Encoding Compression `json:"encoding,omitempty"`
	Data     []byte      `json:"data,omitempty"`
	Size     int64       `json:"size,omitempty"`
	Mode     fs.FileMode `json:"mode,omitempty"`
	ModTime  *time.Time  `json:"mod_time,omitempty"`
	Digest   string      `json:"digest,omitempty"`
}

// Save persists snap as a new document named by its id. A snapshot
// document is never rewritten once created.
func (s *Store) Save(snap *Snapshot) error {
	if err := validID(snap.ID); err != nil {
		return err
	}

	doc := document{
		SchemaVersion: schemaVersion,
		ID:            snap.ID,
		CommitID:      snap.CommitID,
		CreatedAt:     snap.CreatedAt,
		Files:         make(map[string]fileRecord, len(snap.Files)),
	}
	for path, state := range snap.Files {
		rec := fileRecord{Existed: state.Existed}
		if state.Existed {
			data, used, err := compress(state.Content, s.compression)
			if err != nil {
				return types.IOErr("save snapshot", path, err)
			}
			modTime := state.ModTime
			rec.Encoding = used
			rec.Data = data
			rec.Size = state.Size
			rec.Mode = state.Mode
			rec.ModTime = &modTime
			rec.Digest = state.Digest
		}
		doc.Files[path] = rec
	}

	if err := s.files.CreateJSON(s.path(snap.ID), doc); err != nil {
		return &types.Error{Kind: types.ErrPersistence, Op: "save snapshot", Path: snap.ID, Err: err}
	}
	s.logger.Debug("snapshot saved", "snapshot", snap.ID, "compression", string(s.compression))
	return nil
}

// Load reads a persisted snapshot and verifies every file digest.
func (s *Store) Load(id string) (*Snapshot, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	var doc document
	found, err := s.files.ReadJSON(s.path(id), &doc)
	if err != nil {
		return nil, types.IOErr("load snapshot", id, err)
	}
	if !found {
		return nil, types.NotFoundf("load snapshot", "snapshot %s", id)
	}

	snap := &Snapshot{
		ID:        doc.ID,
		CommitID:  doc.CommitID,
		CreatedAt: doc.CreatedAt,
		Files:     make(map[string]FileState, len(doc.Files)),
	}
	for path, rec := range doc.Files {
		state := FileState{Existed: rec.Existed}
		if rec.Existed {
			content, err := decompress(rec.Data, rec.Encoding, int(rec.Size))
			if err != nil {
				return nil, types.IOErr("load snapshot", path, err)
			}
			if rec.Digest != "" && ContentDigest(content) != rec.Digest {
				return nil, types.IOErr("load snapshot", path, errors.New("content digest mismatch"))
			}
			state.Content = content
			state.Size = rec.Size
			state.Mode = rec.Mode
			state.Digest = rec.Digest
			if rec.ModTime != nil {
				state.ModTime = *rec.ModTime
			}
		}
		snap.Files[path] = state
	}
	return snap, nil
}

// Discard removes the document of a snapshot that no commit will ever
// reference. Discarding a missing snapshot is not an error.
func (s *Store) Discard(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.IOErr("discard snapshot", id, err)
	}
	s.logger.Debug("snapshot discarded", "snapshot", id)
	return nil
}

// List returns the ids of all persisted snapshots in creation order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.files.SnapshotsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.files.SnapshotsDir(), id+".json")
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return types.InvalidStatef("snapshot", "empty snapshot id")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return types.InvalidStatef("snapshot", "snapshot id %q contains invalid path elements", id)
	}
	return nil
}
