package contextstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/boshu2/aion/internal/types"
)

// currentSchemaVersion is bumped with every migration added below.
const currentSchemaVersion = 1

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// OpenSQLite opens or creates the database at path and migrates it. Use
// ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open context database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping context database: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init context schema: %w", err)
	}
	s.logger.Debug("context store ready", "path", path, "schema_version", currentSchemaVersion)
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

// migrateToV1 creates the notes and artifacts tables.
func (s *SQLiteStore) migrateToV1(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	statements := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			persona    TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (persona, key)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			persona      TEXT NOT NULL,
			handover_id  TEXT NOT NULL,
			from_persona TEXT NOT NULL,
			type         TEXT NOT NULL,
			payload      TEXT NOT NULL,
			recorded_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_persona ON artifacts (persona, id)`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version, applied_at) VALUES (1, ?)",
		s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

// Put stores value as JSON under persona/key, replacing any previous value.
func (s *SQLiteStore) Put(ctx context.Context, persona types.Persona, key string, value any) error {
	if persona == "" || key == "" {
		return fmt.Errorf("put context: persona and key are required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode context value %s/%s: %w", persona, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notes (persona, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (persona, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(persona), key, string(data), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put context %s/%s: %w", persona, key, err)
	}
	return nil
}

// Get returns the raw JSON stored under persona/key.
func (s *SQLiteStore) Get(ctx context.Context, persona types.Persona, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, false, ErrClosed
	}

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM notes WHERE persona = ? AND key = ?",
		string(persona), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get context %s/%s: %w", persona, key, err)
	}
	return json.RawMessage(value), true, nil
}

// Document returns all notes and received artifacts of persona.
func (s *SQLiteStore) Document(ctx context.Context, persona types.Persona) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return Document{}, ErrClosed
	}

	doc := Document{Persona: persona, Notes: map[string]json.RawMessage{}, Artifacts: []ArtifactRecord{}}

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM notes WHERE persona = ? ORDER BY key", string(persona))
	if err != nil {
		return Document{}, fmt.Errorf("query notes: %w", err)
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return Document{}, fmt.Errorf("scan note: %w", err)
		}
		doc.Notes[key] = json.RawMessage(value)
	}
	if err := rows.Close(); err != nil {
		return Document{}, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT handover_id, from_persona, type, payload, recorded_at
		FROM artifacts WHERE persona = ? ORDER BY id`, string(persona))
	if err != nil {
		return Document{}, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec                  ArtifactRecord
			from, payload, stamp string
		)
		if err := rows.Scan(&rec.HandoverID, &from, &rec.Type, &payload, &stamp); err != nil {
			return Document{}, fmt.Errorf("scan artifact: %w", err)
		}
		rec.From = types.Persona(from)
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return Document{}, fmt.Errorf("decode artifact payload: %w", err)
		}
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return Document{}, fmt.Errorf("parse artifact timestamp: %w", err)
		}
		doc.Artifacts = append(doc.Artifacts, rec)
	}
	return doc, rows.Err()
}

// RecordArtifacts stores the artifacts of h as received by h.To.
func (s *SQLiteStore) RecordArtifacts(ctx context.Context, h types.Handover) error {
	if len(h.Artifacts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin artifact insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stamp := s.now().UTC().Format(time.RFC3339Nano)
	for _, a := range h.Artifacts {
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode artifact: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (persona, handover_id, from_persona, type, payload, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(h.To), h.ID, string(h.From), a.Type(), string(payload), stamp); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifacts: %w", err)
	}
	s.logger.Debug("handover artifacts recorded", "handover", h.ID, "to", string(h.To), "artifacts", len(h.Artifacts))
	return nil
}

// Personas returns every persona with stored context, sorted.
func (s *SQLiteStore) Personas(ctx context.Context) ([]types.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, "SELECT persona FROM notes UNION SELECT persona FROM artifacts")
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var out []types.Persona
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, types.Persona(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, rows.Err()
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ Store = (*SQLiteStore)(nil)
