package safety

import (
	"path/filepath"

	"github.com/boshu2/aion/internal/ledger"
	"github.com/boshu2/aion/internal/snapshot"
)

// OrphanStatus classifies a snapshot that no commit refers to.
type OrphanStatus string

const (
	// OrphanClean means every recorded path still matches its pre-image:
	// the commit never applied, or its failed apply was compensated.
	OrphanClean OrphanStatus = "clean"
	// OrphanUnknown means files differ from the pre-image and no commit
	// records why: commit record apply status unknown.
	OrphanUnknown OrphanStatus = "unknown"
	// OrphanRestored means an unknown orphan was restored to its pre-image.
	OrphanRestored OrphanStatus = "restored"
	// OrphanUnreadable means the snapshot document could not be loaded.
	OrphanUnreadable OrphanStatus = "unreadable"
)

// Orphan is one unreferenced snapshot.
type Orphan struct {
	SnapshotID string       `json:"snapshot_id" yaml:"snapshot_id"`
	CommitID   string       `json:"commit_id,omitempty" yaml:"commit_id,omitempty"`
	Status     OrphanStatus `json:"status" yaml:"status"`
	Drifted    []string     `json:"drifted,omitempty" yaml:"drifted,omitempty"`
	// Superseded lists recorded paths that a later commit changed. They
	// belong to that commit and are neither compared nor restored.
	Superseded []string `json:"superseded,omitempty" yaml:"superseded,omitempty"`
	Error      string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// ReconcileReport is the result of a reconciliation pass.
type ReconcileReport struct {
	Snapshots int                 `json:"snapshots" yaml:"snapshots"`
	Orphans   []Orphan            `json:"orphans" yaml:"orphans"`
	Ledger    ledger.VerifyResult `json:"ledger" yaml:"ledger"`
}

// Unknown returns the orphans whose apply status could not be determined.
func (r ReconcileReport) Unknown() []Orphan {
	var out []Orphan
	for _, o := range r.Orphans {
		if o.Status == OrphanUnknown {
			out = append(out, o)
		}
	}
	return out
}

// Reconcile looks for snapshots that no ledger commit references and
// compares their recorded paths with the current files. A crash between
// apply and append shows up as an unknown orphan. Paths changed by a
// commit recorded at or after the orphan was captured are skipped: the
// ledger accounts for their content. With restore set, the drifted paths
// of unknown orphans are restored to their pre-image. Reconcile also
// verifies every ledger digest.
func (c *Controller) Reconcile(restore bool) (ReconcileReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.snapshots.List()
	if err != nil {
		return ReconcileReport{}, err
	}
	refs := c.ledger.SnapshotRefs()

	report := ReconcileReport{Snapshots: len(ids), Orphans: []Orphan{}, Ledger: c.ledger.Verify()}
	if !report.Ledger.Pass {
		c.logger.Warn("ledger digest verification failed", "index", report.Ledger.FirstBrokenIndex, "message", report.Ledger.Message)
	}

	for _, id := range ids {
		if _, referenced := refs[id]; referenced {
			continue
		}
		orphan := Orphan{SnapshotID: id}

		snap, err := c.snapshots.Load(id)
		if err != nil {
			orphan.Status = OrphanUnreadable
			orphan.Error = err.Error()
			c.logger.Warn("orphan snapshot unreadable", "snapshot", id, "error", err)
			report.Orphans = append(report.Orphans, orphan)
			continue
		}
		orphan.CommitID = snap.CommitID

		later := map[string]bool{}
		for p := range c.ledger.TouchedSince(snap.CreatedAt) {
			later[cleanRel(p)] = true
		}
		drifted := &snapshot.Snapshot{ID: snap.ID, CommitID: snap.CommitID, CreatedAt: snap.CreatedAt, Files: map[string]snapshot.FileState{}}
		for _, p := range snap.Paths() {
			if later[cleanRel(p)] {
				orphan.Superseded = append(orphan.Superseded, p)
				continue
			}
			same, err := c.snapshots.Matches(p, snap.Files[p])
			if err != nil || !same {
				orphan.Drifted = append(orphan.Drifted, p)
				drifted.Files[p] = snap.Files[p]
			}
		}

		orphan.Status = OrphanClean
		if len(orphan.Drifted) > 0 {
			orphan.Status = OrphanUnknown
			c.logger.Warn("commit record apply status unknown",
				"snapshot", id, "commit", snap.CommitID, "drifted", orphan.Drifted)
			if restore {
				if err := c.snapshots.Restore(drifted); err != nil {
					orphan.Error = err.Error()
					c.logger.Error("orphan restore failed", "snapshot", id, "error", err)
				} else {
					orphan.Status = OrphanRestored
					c.logger.Info("orphan restored to pre-image", "snapshot", id, "paths", len(orphan.Drifted))
				}
			}
		}
		report.Orphans = append(report.Orphans, orphan)
	}
	return report, nil
}

func cleanRel(p string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
}
