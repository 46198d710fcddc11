// Package ledger keeps the ordered, append-only record of micro-commits
// for one project root. The whole ledger is rewritten atomically after
// every mutation; the only in-place change ever made to a record is the
// Committed to RolledBack status flip.
package ledger

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/boshu2/aion/internal/storage"
	"github.com/boshu2/aion/internal/types"
)

// Ledger is the in-memory commit sequence backed by one JSON document.
// It is not safe for concurrent use; callers serialize mutations.
type Ledger struct {
	files   *storage.FileStorage
	path    string
	commits []types.Commit
	index   map[string]int
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithPath overrides the ledger document path.
func WithPath(path string) Option {
	return func(lg *Ledger) { lg.path = path }
}

// Open loads the ledger document for the project owning files. A missing
// document is an empty ledger; an unreadable or corrupt one is an error.
func Open(files *storage.FileStorage, opts ...Option) (*Ledger, error) {
	lg := &Ledger{
		files:  files,
		path:   files.LedgerPath(),
		index:  map[string]int{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(lg)
	}

	var commits []types.Commit
	if _, err := files.ReadJSON(lg.path, &commits); err != nil {
		return nil, &types.Error{Kind: types.ErrPersistence, Op: "load ledger", Path: lg.path, Err: err}
	}
	for i, c := range commits {
		if c.ID == "" {
			return nil, &types.Error{Kind: types.ErrPersistence, Op: "load ledger", Path: lg.path,
				Msg: fmt.Sprintf("record %d has no id", i)}
		}
		if _, dup := lg.index[c.ID]; dup {
			return nil, &types.Error{Kind: types.ErrPersistence, Op: "load ledger", Path: lg.path,
				Msg: fmt.Sprintf("duplicate commit id %s", c.ID)}
		}
		lg.index[c.ID] = i
	}
	lg.commits = commits
	lg.logger.Debug("ledger loaded", "path", lg.path, "commits", len(commits))
	return lg, nil
}

// Path returns the ledger document path.
func (l *Ledger) Path() string { return l.path }

// Len returns the number of commits.
func (l *Ledger) Len() int { return len(l.commits) }

// Append adds c and persists the ledger before returning. If the write
// fails the append is undone and a *PersistenceError carrying c is
// returned.
func (l *Ledger) Append(c types.Commit) error {
	if c.ID == "" {
		return types.InvalidStatef("append commit", "commit has no id")
	}
	if _, dup := l.index[c.ID]; dup {
		return types.InvalidStatef("append commit", "commit %s already recorded", c.ID)
	}

	l.commits = append(l.commits, c)
	l.index[c.ID] = len(l.commits) - 1

	if err := l.persist(); err != nil {
		l.commits = l.commits[:len(l.commits)-1]
		delete(l.index, c.ID)
		l.logger.Error("ledger append not persisted", "commit", c.ID, "error", err)
		return &PersistenceError{Op: "append", Commit: c, Err: err}
	}
	l.logger.Debug("commit appended", "commit", c.ID, "persona", string(c.Persona), "step", c.StepID)
	return nil
}

// FindByID returns the commit with id.
func (l *Ledger) FindByID(id string) (types.Commit, bool) {
	i, ok := l.index[id]
	if !ok {
		return types.Commit{}, false
	}
	return l.commits[i], true
}

// FindByPersona returns the last limit commits made by persona, in
// append order. A limit <= 0 returns all of them.
func (l *Ledger) FindByPersona(persona types.Persona, limit int) []types.Commit {
	var out []types.Commit
	for _, c := range l.commits {
		if c.Persona == persona {
			out = append(out, c)
		}
	}
	return tail(out, limit)
}

// History returns the last limit commits in append order. A limit <= 0
// returns the whole ledger.
func (l *Ledger) History(limit int) []types.Commit {
	return tail(append([]types.Commit(nil), l.commits...), limit)
}

// MarkRolledBack flips the status of commit id to RolledBack and
// persists. Rolling back an already rolled back commit is an error.
func (l *Ledger) MarkRolledBack(id string, at time.Time) (types.Commit, error) {
	i, ok := l.index[id]
	if !ok {
		return types.Commit{}, types.NotFoundf("mark rolled back", "commit %s", id)
	}
	prev := l.commits[i]
	if prev.Status == types.StatusRolledBack {
		return types.Commit{}, types.InvalidStatef("mark rolled back", "commit %s is already rolled back", id)
	}

	updated := prev
	ts := at.UTC()
	updated.Status = types.StatusRolledBack
	updated.RolledBack = &ts
	l.commits[i] = updated

	if err := l.persist(); err != nil {
		l.commits[i] = prev
		l.logger.Error("rollback status not persisted", "commit", id, "error", err)
		return types.Commit{}, &PersistenceError{Op: "mark rolled back", Commit: updated, Err: err}
	}
	l.logger.Debug("commit marked rolled back", "commit", id)
	return updated, nil
}

// Statistics is the aggregate view of a ledger.
type Statistics struct {
	TotalCommits        int                        `json:"total_commits" yaml:"total_commits"`
	CountsByPersona     map[types.Persona]int      `json:"counts_by_persona" yaml:"counts_by_persona"`
	CountsByStatus      map[types.CommitStatus]int `json:"counts_by_status" yaml:"counts_by_status"`
	RollbackRatePercent float64                    `json:"rollback_rate_percent" yaml:"rollback_rate_percent"`
}

// Statistics returns aggregate counts over the ledger. It performs no I/O.
func (l *Ledger) Statistics() Statistics {
	s := Statistics{
		TotalCommits:    len(l.commits),
		CountsByPersona: map[types.Persona]int{},
		CountsByStatus: map[types.CommitStatus]int{
			types.StatusCommitted:  0,
			types.StatusRolledBack: 0,
		},
	}
	for _, c := range l.commits {
		s.CountsByPersona[c.Persona]++
		s.CountsByStatus[c.Status]++
	}
	if s.TotalCommits > 0 {
		s.RollbackRatePercent = float64(s.CountsByStatus[types.StatusRolledBack]) * 100 / float64(s.TotalCommits)
	}
	return s
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Pass             bool   `json:"pass" yaml:"pass"`
	RecordCount      int    `json:"record_count" yaml:"record_count"`
	FirstBrokenIndex int    `json:"first_broken_index" yaml:"first_broken_index"`
	Message          string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Verify recomputes every commit digest from its change set and reports
// the first record whose stored digest does not match.
func (l *Ledger) Verify() VerifyResult {
	res := VerifyResult{Pass: true, RecordCount: len(l.commits), FirstBrokenIndex: -1}
	for i, c := range l.commits {
		digest, err := c.ChangeSet.Digest()
		if err != nil {
			return VerifyResult{RecordCount: len(l.commits), FirstBrokenIndex: i,
				Message: fmt.Sprintf("commit %s: %v", c.ID, err)}
		}
		if digest != c.Digest {
			return VerifyResult{RecordCount: len(l.commits), FirstBrokenIndex: i,
				Message: fmt.Sprintf("commit %s: digest mismatch", c.ID)}
		}
	}
	return res
}

// SnapshotRefs returns the set of snapshot ids referenced by any commit.
func (l *Ledger) SnapshotRefs() map[string]string {
	refs := make(map[string]string, len(l.commits))
	for _, c := range l.commits {
		if c.SnapshotRef != "" {
			refs[c.SnapshotRef] = c.ID
		}
	}
	return refs
}

// TouchedSince maps every path changed by a commit created at or after t
// to the id of the latest such commit.
func (l *Ledger) TouchedSince(t time.Time) map[string]string {
	touched := map[string]string{}
	for _, c := range l.commits {
		if c.CreatedAt.Before(t) {
			continue
		}
		for _, p := range c.ChangeSet.Paths() {
			touched[p] = c.ID
		}
	}
	return touched
}

// Personas returns every persona that has committed, sorted.
func (l *Ledger) Personas() []types.Persona {
	seen := map[types.Persona]bool{}
	var out []types.Persona
	for _, c := range l.commits {
		if !seen[c.Persona] {
			seen[c.Persona] = true
			out = append(out, c.Persona)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *Ledger) persist() error {
	doc := l.commits
	if doc == nil {
		doc = []types.Commit{}
	}
	return l.files.WriteJSON(l.path, doc)
}

func tail(commits []types.Commit, limit int) []types.Commit {
	if limit > 0 && len(commits) > limit {
		return commits[len(commits)-limit:]
	}
	return commits
}
