// Package project wires every aion component for one project root: the
// ledger, snapshot store, safety controller, persona state machine,
// context store, metrics and logging. A Project is the explicit store
// object callers hold; nothing in aion keeps process-wide state.
package project

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/boshu2/aion/internal/config"
	"github.com/boshu2/aion/internal/contextstore"
	"github.com/boshu2/aion/internal/formatter"
	"github.com/boshu2/aion/internal/ledger"
	"github.com/boshu2/aion/internal/logging"
	"github.com/boshu2/aion/internal/metrics"
	"github.com/boshu2/aion/internal/safety"
	"github.com/boshu2/aion/internal/snapshot"
	"github.com/boshu2/aion/internal/state"
	"github.com/boshu2/aion/internal/storage"
	"github.com/boshu2/aion/internal/types"
)

// Project is an opened project root.
type Project struct {
	Root   string
	Config *config.Config

	files     *storage.FileStorage
	logger    *slog.Logger
	closeLog  func() error
	ledger    *ledger.Ledger
	snapshots *snapshot.Store
	safety    *safety.Controller
	machine   *state.Machine
	ctxStore  contextstore.Store
	metrics   *metrics.Metrics
	now       func() time.Time
}

type options struct {
	logger *slog.Logger
	stderr io.Writer
	now    func() time.Time
}

// Option configures Open.
type Option func(*options)

// WithLogger uses l instead of building a logger from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStderr sets the terminal log sink. Nil disables it.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens (and on first use initializes) the project at root. A nil
// cfg means config.Default(). Open runs a reconciliation pass and logs
// any commit whose apply status is unknown.
func Open(ctx context.Context, root string, cfg *config.Config, opts ...Option) (*Project, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	files := storage.NewFileStorage(abs, storage.WithBaseDir(cfg.BaseDir))
	if err := files.Init(); err != nil {
		return nil, err
	}

	p := &Project{
		Root:     abs,
		Config:   cfg,
		files:    files,
		closeLog: func() error { return nil },
		metrics:  metrics.New(),
		now:      o.now,
	}

	if err := p.openLogger(o); err != nil {
		return nil, err
	}
	if err := p.openComponents(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}

	p.startupReconcile()
	return p, nil
}

func (p *Project) openLogger(o options) error {
	if o.logger != nil {
		p.logger = o.logger
		return nil
	}
	level, err := logging.ParseLevel(p.Config.Log.Level)
	if err != nil {
		return err
	}
	if p.Config.Verbose {
		level = slog.LevelDebug
	}
	lopts := logging.Options{Level: level, Stderr: o.stderr, Journal: p.Config.Log.Journal}
	if config.Enabled(p.Config.Log.File) {
		lopts.File = p.files.Path(p.Config.Log.File)
	}
	logger, closeLog, err := logging.New(lopts)
	if err != nil {
		return err
	}
	p.logger = logger.With("root", p.Root)
	p.closeLog = closeLog
	return nil
}

func (p *Project) openComponents(ctx context.Context) error {
	cfg := p.Config

	lg, err := ledger.Open(p.files, ledger.WithLogger(p.logger))
	if err != nil {
		return err
	}
	p.ledger = lg

	compression, err := snapshot.ParseCompression(cfg.Snapshot.Compression)
	if err != nil {
		return err
	}
	p.snapshots = snapshot.NewStore(p.files,
		snapshot.WithCompression(compression),
		snapshot.WithWorkers(cfg.Snapshot.Workers),
		snapshot.WithLogger(p.logger),
		snapshot.WithClock(p.now),
	)

	policy := safety.Policy{
		AllowBinary:  cfg.Safety.AllowBinary,
		MaxFileBytes: int64(cfg.Safety.MaxFileBytes),
		DeniedDirs:   cfg.Safety.DeniedDirs,
		SecretScan:   cfg.Safety.SecretScan,
	}
	p.safety = safety.NewController(p.files, p.ledger, p.snapshots,
		safety.WithValidators(safety.DefaultValidators(p.files.Root, p.files.RelativeStateDir(), policy)...),
		safety.WithLogger(p.logger),
		safety.WithClock(p.now),
	)

	graph := state.DefaultGraph()
	for _, from := range cfg.TransitionSources() {
		for _, to := range cfg.Transitions[from] {
			if _, err := graph.AddTransition(types.ParsePersona(from), types.ParsePersona(to)); err != nil {
				return fmt.Errorf("configured transition %s -> %s: %w", from, to, err)
			}
		}
	}
	machineOpts := []state.Option{state.WithLogger(p.logger), state.WithClock(p.now)}
	if config.Enabled(cfg.Handover.Projection) {
		machineOpts = append(machineOpts, state.WithProjection(p.writeProjection))
	}
	p.machine, err = state.Open(p.files, graph, machineOpts...)
	if err != nil {
		return err
	}

	p.ctxStore, err = contextstore.OpenSQLite(ctx, p.files.Path(cfg.Context.Database),
		contextstore.WithLogger(p.logger),
		contextstore.WithClock(p.now),
	)
	if err != nil {
		return err
	}
	return nil
}

func (p *Project) startupReconcile() {
	report, err := p.safety.Reconcile(false)
	if err != nil {
		p.logger.Warn("startup reconciliation failed", "error", err)
		return
	}
	if unknown := report.Unknown(); len(unknown) > 0 {
		p.logger.Warn("commits with unknown apply status found; run `aion reconcile --restore` to revert them",
			"count", len(unknown))
	}
	if !report.Ledger.Pass {
		p.logger.Warn("ledger verification failed", "index", report.Ledger.FirstBrokenIndex, "detail", report.Ledger.Message)
	}
}

// Close releases the context store and log file.
func (p *Project) Close() error {
	var firstErr error
	if p.ctxStore != nil {
		if err := p.ctxStore.Close(); err != nil {
			firstErr = err
		}
		p.ctxStore = nil
	}
	if p.closeLog != nil {
		if err := p.closeLog(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.closeLog = nil
	}
	return firstErr
}

// Logger returns the project logger.
func (p *Project) Logger() *slog.Logger { return p.logger }

// Lock takes the advisory writer lock of the project at root. Mutating
// callers take it before Open so the ledger they load is current.
func Lock(root string, cfg *config.Config) (*storage.Lock, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	return storage.NewFileStorage(abs, storage.WithBaseDir(cfg.BaseDir)).Acquire()
}

// MicroCommit validates, snapshots, applies and records one change set.
func (p *Project) MicroCommit(persona types.Persona, stepID, description string, cs types.ChangeSet) (types.Commit, error) {
	start := time.Now()
	commit, err := p.safety.MicroCommit(persona, stepID, description, cs)
	p.metrics.Observe("commit", start, err)
	return commit, err
}

// Record re-appends a commit whose ledger write failed.
func (p *Project) Record(commit types.Commit) error {
	start := time.Now()
	err := p.safety.Record(commit)
	p.metrics.Observe("record", start, err)
	return err
}

// Rollback restores the pre-image of a committed change set.
func (p *Project) Rollback(commitID string) (*snapshot.Snapshot, error) {
	start := time.Now()
	snap, err := p.safety.Rollback(commitID)
	p.metrics.Observe("rollback", start, err)
	return snap, err
}

// Handover transfers control between personas and files the artifacts
// under the receiving persona's context. The handover is durable once
// recorded; a context store failure is logged, not returned.
func (p *Project) Handover(ctx context.Context, from, to types.Persona, artifacts []types.Artifact) (types.Handover, error) {
	start := time.Now()
	h, err := p.machine.Handover(from, to, artifacts)
	p.metrics.Observe("handover", start, err)
	if err != nil {
		return types.Handover{}, err
	}
	if err := p.ctxStore.RecordArtifacts(ctx, h); err != nil {
		p.logger.Warn("handover artifacts not recorded in context store",
			"handover", h.ID, "to", string(h.To), "error", err)
	}
	return h, nil
}

// GetCommitHistory returns the last limit commits in append order.
func (p *Project) GetCommitHistory(limit int) []types.Commit {
	return p.safety.History(limit)
}

// GetCommitsByPersona returns the last limit commits of persona.
func (p *Project) GetCommitsByPersona(persona types.Persona, limit int) []types.Commit {
	return p.safety.CommitsByPersona(persona, limit)
}

// GetStatistics aggregates the ledger.
func (p *Project) GetStatistics() ledger.Statistics {
	return p.safety.Statistics()
}

// GetCurrentState reports the persona in control.
func (p *Project) GetCurrentState() state.CurrentState {
	return p.machine.CurrentState()
}

// GetHandoverHistory returns the last limit handovers.
func (p *Project) GetHandoverHistory(limit int) []types.Handover {
	return p.machine.History(limit)
}

// HandoverStatistics aggregates the handover log.
func (p *Project) HandoverStatistics() state.Statistics {
	return p.machine.Statistics()
}

// Graph returns the persona transition graph.
func (p *Project) Graph() *state.Graph {
	return p.machine.Graph()
}

// ResetState archives the handover log and returns control to Init.
func (p *Project) ResetState() (string, error) {
	start := time.Now()
	archive, err := p.machine.Reset()
	p.metrics.Observe("reset", start, err)
	return archive, err
}

// Reconcile reports orphan snapshots and, when restore is set, reverts
// those whose apply status is unknown.
func (p *Project) Reconcile(restore bool) (safety.ReconcileReport, error) {
	start := time.Now()
	report, err := p.safety.Reconcile(restore)
	p.metrics.Observe("reconcile", start, err)
	return report, err
}

// Validators returns the names of the active validators in run order.
func (p *Project) Validators() []string {
	return p.safety.Validators()
}

// Context returns the persona context store.
func (p *Project) Context() contextstore.Store {
	return p.ctxStore
}

// RenderFormat selects the projection output.
type RenderFormat string

const (
	RenderMarkdown RenderFormat = "markdown"
	RenderHTML     RenderFormat = "html"
)

// Render writes the handover projection, or the commit history when
// commits is set, as markdown or HTML.
func (p *Project) Render(w io.Writer, format RenderFormat, commits bool) error {
	var buf bytes.Buffer
	var err error
	if commits {
		err = formatter.CommitMarkdown(&buf, p.GetCommitHistory(0), p.GetStatistics())
	} else {
		err = formatter.HandoverMarkdown(&buf, p.machine.Document(), p.machine.Graph())
	}
	if err != nil {
		return err
	}

	switch format {
	case RenderMarkdown, "":
		_, err = w.Write(buf.Bytes())
		return err
	case RenderHTML:
		html, err := formatter.ToHTML(buf.Bytes())
		if err != nil {
			return err
		}
		_, err = w.Write(html)
		return err
	default:
		return fmt.Errorf("unknown render format %q (want markdown or html)", format)
	}
}

// writeProjection rewrites the markdown projection of the handover log.
func (p *Project) writeProjection(doc state.Document, g *state.Graph) error {
	var buf bytes.Buffer
	if err := formatter.HandoverMarkdown(&buf, doc, g); err != nil {
		return err
	}
	return p.files.WriteFile(p.files.Path(p.Config.Handover.Projection), buf.Bytes())
}

// Metrics refreshes the gauges from the ledger and handover log.
func (p *Project) Metrics() *metrics.Metrics {
	p.metrics.ObserveLedger(p.GetStatistics())
	p.metrics.ObserveHandovers(p.HandoverStatistics(), p.GetHandoverHistory(0))
	return p.metrics
}

// WriteMetrics refreshes the gauges and writes the textfile when one is
// configured.
func (p *Project) WriteMetrics() error {
	if !config.Enabled(p.Config.Metrics.Textfile) {
		return nil
	}
	path := p.files.Path(p.Config.Metrics.Textfile)
	if err := p.Metrics().WriteTextfile(path); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	p.logger.Debug("metrics written", "path", path)
	return nil
}
