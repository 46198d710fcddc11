package safety

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/boshu2/aion/internal/ledger"
	"github.com/boshu2/aion/internal/snapshot"
	"github.com/boshu2/aion/internal/storage"
	"github.com/boshu2/aion/internal/types"
)

// Controller owns commit and snapshot creation for one project root.
// Operations are serialized; a second MicroCommit waits for the first.
type Controller struct {
	mu         sync.Mutex
	root       string
	ledger     *ledger.Ledger
	snapshots  *snapshot.Store
	validators []Validator
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithValidators replaces the validator sequence.
func WithValidators(v ...Validator) Option {
	return func(c *Controller) { c.validators = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController wires a controller over the given ledger and snapshot
// store. Without WithValidators it runs DefaultValidators.
func NewController(files *storage.FileStorage, lg *ledger.Ledger, snaps *snapshot.Store, opts ...Option) *Controller {
	c := &Controller{
		root:       files.Root,
		ledger:     lg,
		snapshots:  snaps,
		validators: DefaultValidators(files.Root, files.RelativeStateDir(), DefaultPolicy()),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddValidator appends v to the end of the validator sequence.
func (c *Controller) AddValidator(v Validator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validators = append(c.validators, v)
}

// Validators returns the validator names in run order.
func (c *Controller) Validators() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.validators))
	for i, v := range c.validators {
		names[i] = v.Name()
	}
	return names
}

// MicroCommit validates cs, captures and persists the pre-image of every
// path it touches, applies the operations in order and appends the
// commit. Validation failures leave no trace. Later failures return a
// *CommitError and never leave a ledger entry behind.
func (c *Controller) MicroCommit(persona types.Persona, stepID, description string, cs types.ChangeSet) (types.Commit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.With("persona", string(persona), "step", stepID)

	if err := c.validate(persona, stepID, cs); err != nil {
		log.Warn("change set rejected", "validator", types.ValidatorName(err), "error", err)
		return types.Commit{}, err
	}

	digest, err := cs.Digest()
	if err != nil {
		return types.Commit{}, &types.Error{Kind: types.ErrValidation, Op: "digest", Err: err}
	}

	id := c.commitID(persona, stepID)
	log = log.With("commit", id)

	snap, err := c.snapshots.Capture(cs.Paths())
	if err != nil {
		log.Error("pre-image capture failed", "error", err)
		return types.Commit{}, &CommitError{Stage: StageCapture, CommitID: id, Err: err}
	}
	snap.CommitID = id
	if err := c.snapshots.Save(snap); err != nil {
		log.Error("pre-image not persisted", "snapshot", snap.ID, "error", err)
		return types.Commit{}, &CommitError{Stage: StageSnapshot, CommitID: id, SnapshotID: snap.ID, Err: err}
	}

	if err := c.apply(cs); err != nil {
		cerr := &CommitError{Stage: StageApply, CommitID: id, SnapshotID: snap.ID, Err: err}
		if rerr := c.snapshots.Restore(snap); rerr != nil {
			cerr.Err = errors.Join(err, rerr)
			log.Error("apply failed and pre-image restore failed", "snapshot", snap.ID, "error", cerr.Err)
		} else {
			cerr.Compensated = true
			log.Warn("apply failed, pre-image restored", "snapshot", snap.ID, "error", err)
			if derr := c.snapshots.Discard(snap.ID); derr != nil {
				log.Warn("compensated snapshot not discarded", "snapshot", snap.ID, "error", derr)
			}
		}
		return types.Commit{}, cerr
	}

	commit := types.Commit{
		ID:          id,
		Persona:     persona,
		StepID:      stepID,
		Description: description,
		ChangeSet:   cs,
		Digest:      digest,
		CreatedAt:   c.now().UTC(),
		Status:      types.StatusCommitted,
		SnapshotRef: snap.ID,
	}
	if err := c.ledger.Append(commit); err != nil {
		log.Error("commit applied but not recorded", "snapshot", snap.ID, "error", err)
		return types.Commit{}, &CommitError{Stage: StageRecord, CommitID: id, SnapshotID: snap.ID, Err: err}
	}

	log.Info("micro-commit recorded", "digest", commit.ShortDigest(), "operations", len(cs.Operations))
	return commit, nil
}

// Record retries the durable append of a commit whose first append
// failed with a persistence error.
func (c *Controller) Record(commit types.Commit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if commit.SnapshotRef == "" {
		return types.InvalidStatef("record commit", "commit %s has no snapshot reference", commit.ID)
	}
	if err := c.ledger.Append(commit); err != nil {
		return err
	}
	c.logger.Info("micro-commit recorded on retry", "commit", commit.ID)
	return nil
}

// Rollback restores the pre-image of commit id and marks it rolled back.
// It returns the restored snapshot.
func (c *Controller) Rollback(id string) (*snapshot.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	commit, ok := c.ledger.FindByID(id)
	if !ok {
		return nil, types.NotFoundf("rollback", "commit %s", id)
	}
	if commit.Status == types.StatusRolledBack {
		return nil, types.InvalidStatef("rollback", "commit %s is already rolled back", id)
	}
	if commit.SnapshotRef == "" {
		return nil, types.InvalidStatef("rollback", "commit %s has no snapshot reference", id)
	}

	snap, err := c.snapshots.Load(commit.SnapshotRef)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.InvalidStatef("rollback", "snapshot %s of commit %s is missing", commit.SnapshotRef, id)
	}
	if err != nil {
		return nil, err
	}

	if err := c.snapshots.Restore(snap); err != nil {
		c.logger.Error("rollback restore failed", "commit", id, "snapshot", snap.ID, "error", err)
		return nil, err
	}
	if _, err := c.ledger.MarkRolledBack(id, c.now()); err != nil {
		c.logger.Error("rollback restored files but status not recorded", "commit", id, "error", err)
		return nil, err
	}

	c.logger.Info("commit rolled back", "commit", id, "persona", string(commit.Persona), "snapshot", snap.ID)
	return snap, nil
}

// History returns the last limit commits in append order.
func (c *Controller) History(limit int) []types.Commit {
	return c.ledger.History(limit)
}

// CommitsByPersona returns the last limit commits of persona.
func (c *Controller) CommitsByPersona(persona types.Persona, limit int) []types.Commit {
	return c.ledger.FindByPersona(persona, limit)
}

// Statistics returns the ledger aggregate.
func (c *Controller) Statistics() ledger.Statistics {
	return c.ledger.Statistics()
}

func (c *Controller) validate(persona types.Persona, stepID string, cs types.ChangeSet) error {
	switch {
	case persona == "":
		return types.ValidationErr("request", "", "persona is required")
	case stepID == "":
		return types.ValidationErr("request", "", "step id is required")
	case len(cs.Operations) == 0:
		return types.ValidationErr("request", "", "change set has no operations")
	}

	for _, v := range c.validators {
		err := v.Validate(cs)
		if err == nil {
			continue
		}
		if !errors.Is(err, types.ErrValidation) {
			err = &types.Error{Kind: types.ErrValidation, Op: "validate", Validator: v.Name(), Err: err}
		}
		return err
	}
	return nil
}

// commitID builds "<persona>-<step>-<unixnano>", suffixed on collision.
func (c *Controller) commitID(persona types.Persona, stepID string) string {
	base := fmt.Sprintf("%s-%s-%d", persona, stepID, c.now().UnixNano())
	id := base
	for n := 2; ; n++ {
		if _, taken := c.ledger.FindByID(id); !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

func (c *Controller) apply(cs types.ChangeSet) error {
	for i, op := range cs.Operations {
		if err := c.applyOne(op); err != nil {
			return fmt.Errorf("operation %d (%s %s): %w", i, op.Action, op.Path, err)
		}
	}
	return nil
}

func (c *Controller) applyOne(op types.FileOperation) error {
	abs := filepath.Join(c.root, filepath.Clean(filepath.FromSlash(op.Path)))

	switch op.Action {
	case types.ActionCreate, types.ActionUpdate:
		mode := fs.FileMode(0o644)
		if info, err := os.Stat(abs); err == nil {
			if info.IsDir() {
				return errors.New("target is a directory")
			}
			mode = info.Mode().Perm()
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		return storage.AtomicWrite(abs, mode, func(w io.Writer) error {
			_, err := w.Write(op.Content)
			return err
		})
	case types.ActionDelete:
		info, err := os.Lstat(abs)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return errors.New("target is a directory")
		}
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
}
