// Package storage owns the on-disk layout of an aion project and the
// durable write primitives every persisted document goes through.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// DefaultBaseDir is the default state directory under the project root.
	DefaultBaseDir = ".aion"

	// LedgerFile holds the commit ledger document.
	LedgerFile = "commit-tracker.json"

	// SnapshotsDir holds one document per snapshot.
	SnapshotsDir = "rollback-points"

	// HandoverFile holds the handover log and current persona.
	HandoverFile = "handover.json"

	// LogsDir holds structured log files.
	LogsDir = "logs"

	// LockFile is the advisory lock taken by mutating commands.
	LockFile = "aion.lock"
)

// FileStorage resolves paths inside a project's state directory and
// performs durable writes there.
type FileStorage struct {
	// Root is the project root all change-set paths are relative to.
	Root string

	// BaseDir is the state directory, relative to Root unless absolute.
	BaseDir string

	mu sync.Mutex
}

// FileStorageOption configures a FileStorage instance.
type FileStorageOption func(*FileStorage)

// WithBaseDir sets the state directory.
func WithBaseDir(dir string) FileStorageOption {
	return func(fs *FileStorage) {
		if dir != "" {
			fs.BaseDir = dir
		}
	}
}

// NewFileStorage creates storage rooted at the given project root.
func NewFileStorage(root string, opts ...FileStorageOption) *FileStorage {
	fs := &FileStorage{
		Root:    root,
		BaseDir: DefaultBaseDir,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// Init creates the required directory structure.
func (fs *FileStorage) Init() error {
	dirs := []string{
		fs.StateDir(),
		fs.SnapshotsDir(),
		filepath.Join(fs.StateDir(), LogsDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// StateDir returns the absolute state directory.
func (fs *FileStorage) StateDir() string {
	if filepath.IsAbs(fs.BaseDir) {
		return fs.BaseDir
	}
	return filepath.Join(fs.Root, fs.BaseDir)
}

// Path returns name resolved inside the state directory. Absolute names
// are returned unchanged.
func (fs *FileStorage) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(fs.StateDir(), name)
}

// LedgerPath returns the ledger document path.
func (fs *FileStorage) LedgerPath() string {
	return fs.Path(LedgerFile)
}

// SnapshotsDir returns the snapshot document directory.
func (fs *FileStorage) SnapshotsDir() string {
	return fs.Path(SnapshotsDir)
}

// HandoverPath returns the handover document path.
func (fs *FileStorage) HandoverPath() string {
	return fs.Path(HandoverFile)
}

// RelativeStateDir returns the state directory relative to Root, or ""
// when it lies outside the project.
func (fs *FileStorage) RelativeStateDir() string {
	rel, err := filepath.Rel(fs.Root, fs.StateDir())
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// WriteJSON replaces the document at path with v, atomically.
func (fs *FileStorage) WriteJSON(path string, v any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return AtomicWrite(path, 0o600, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// CreateJSON writes a new document at path and fails with os.ErrExist if
// one is already there. Documents created this way are never rewritten.
func (fs *FileStorage) CreateJSON(path string, v any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("create %s: %w", path, os.ErrExist)
	}
	return AtomicWrite(path, 0o600, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// ReadJSON decodes the document at path into v. It returns false when the
// document does not exist.
func (fs *FileStorage) ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// WriteFile replaces path with data atomically.
func (fs *FileStorage) WriteFile(path string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return AtomicWrite(path, 0o644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
