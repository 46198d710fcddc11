// Package snapshot captures and restores the full pre-image of a set of
// project files. It is a pure I/O primitive: it does not decide when to
// capture or whether a restore is safe.
package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/boshu2/aion/internal/storage"
	"github.com/boshu2/aion/internal/types"
	"github.com/boshu2/aion/internal/worker"
)

const schemaVersion = 1

// FileState is the recorded state of one path.
type FileState struct {
	Existed bool        `json:"existed"`
	Content []byte      `json:"-"`
	Size    int64       `json:"size,omitempty"`
	Mode    fs.FileMode `json:"mode,omitempty"`
	ModTime time.Time   `json:"mod_time,omitempty"`
	Digest  string      `json:"digest,omitempty"`
}

// Snapshot is an immutable pre-image keyed by relative path.
type Snapshot struct {
	ID        string               `json:"id"`
	CommitID  string               `json:"commit_id,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	Files     map[string]FileState `json:"files"`
}

// Paths returns the recorded paths in sorted order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Store captures, restores and persists snapshots for one project root.
type Store struct {
	root        string
	files       *storage.FileStorage
	compression Compression
	workers     int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCompression sets the content compression for persisted snapshots.
func WithCompression(c Compression) Option {
	return func(s *Store) { s.compression = c }
}

// WithWorkers sets the number of parallel capture readers.
func WithWorkers(n int) Option {
	return func(s *Store) { s.workers = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a snapshot store for the project owning files.
func NewStore(files *storage.FileStorage, opts ...Option) *Store {
	s := &Store{
		root:        files.Root,
		files:       files,
		compression: CompressionZstd,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewID returns a fresh snapshot id. Ids sort by creation time.
func (s *Store) NewID() string {
	return fmt.Sprintf("rollback-%d-%s", s.now().UnixNano(), uuid.NewString()[:8])
}

// Capture records the current state of every path. Non-existence is
// recorded, not an error; any other read failure is an ErrIO error.
// Capture never mutates the filesystem.
func (s *Store) Capture(paths []string) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        s.NewID(),
		CreatedAt: s.now().UTC(),
		Files:     make(map[string]FileState, len(paths)),
	}

	pool := worker.NewPool[FileState](s.workers)
	results := pool.Process(paths, s.captureOne)
	if err := worker.FirstError(results); err != nil {
		return nil, err
	}
	for _, r := range results {
		snap.Files[r.Path] = r.Value
	}

	s.logger.Debug("snapshot captured", "snapshot", snap.ID, "paths", len(paths))
	return snap, nil
}

func (s *Store) captureOne(rel string) (FileState, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return FileState{}, types.IOErr("capture", rel, err)
	}

	info, err := os.Lstat(abs)
	if isNotExist(err) {
		return FileState{Existed: false}, nil
	}
	if err != nil {
		return FileState{}, types.IOErr("capture", rel, err)
	}
	if info.IsDir() {
		return FileState{}, types.IOErr("capture", rel, errors.New("path is a directory"))
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return FileState{}, types.IOErr("capture", rel, errors.New("symbolic links are not supported"))
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return FileState{}, types.IOErr("capture", rel, err)
	}
	return FileState{
		Existed: true,
		Content: content,
		Size:    int64(len(content)),
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
		Digest:  ContentDigest(content),
	}, nil
}

// Restore brings every recorded path back to its captured state: files
// that existed are rewritten verbatim (parents created as needed), files
// that did not exist are removed. Restoring the same snapshot twice
// yields the same end state. All paths are attempted; failures are
// reported together in a *RestoreError.
func (s *Store) Restore(snap *Snapshot) error {
	if snap == nil {
		return types.InvalidStatef("restore", "nil snapshot")
	}

	restoreErr := &RestoreError{SnapshotID: snap.ID, Failed: map[string]error{}}
	for _, rel := range snap.Paths() {
		if err := s.restoreOne(rel, snap.Files[rel]); err != nil {
			s.logger.Warn("restore path failed", "snapshot", snap.ID, "path", rel, "error", err)
			restoreErr.Failed[rel] = err
			continue
		}
		restoreErr.Restored = append(restoreErr.Restored, rel)
	}

	if len(restoreErr.Failed) > 0 {
		return restoreErr
	}
	s.logger.Debug("snapshot restored", "snapshot", snap.ID, "paths", len(restoreErr.Restored))
	return nil
}

func (s *Store) restoreOne(rel string, state FileState) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}

	if !state.Existed {
		info, err := os.Lstat(abs)
		if isNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return errors.New("expected no file but found a directory")
		}
		if err := os.Remove(abs); err != nil && !isNotExist(err) {
			return err
		}
		return nil
	}

	mode := state.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := storage.AtomicWrite(abs, mode, func(w io.Writer) error {
		_, err := w.Write(state.Content)
		return err
	}); err != nil {
		return err
	}
	if !state.ModTime.IsZero() {
		if err := os.Chtimes(abs, state.ModTime, state.ModTime); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether the current file at rel equals the recorded state.
func (s *Store) Matches(rel string, state FileState) (bool, error) {
	current, err := s.captureOne(rel)
	if err != nil {
		return false, err
	}
	if current.Existed != state.Existed {
		return false, nil
	}
	return !current.Existed || current.Digest == state.Digest, nil
}

// resolve maps a relative path into the project root and refuses any
// path that would land outside it.
func (s *Store) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the project root", rel)
	}
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	back, err := filepath.Rel(s.root, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", rel)
	}
	return abs, nil
}

// ContentDigest returns the hex BLAKE3 digest of content.
func ContentDigest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
