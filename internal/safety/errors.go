package safety

import (
	"fmt"

	"github.com/boshu2/aion/internal/types"
)

// Stage names the micro-commit step that failed after validation.
type Stage string

const (
	StageCapture  Stage = "capture"
	StageSnapshot Stage = "snapshot"
	StageApply    Stage = "apply"
	StageRecord   Stage = "record"
)

// CommitError reports a micro-commit that passed validation but failed
// later. No ledger entry exists for it. For apply failures Compensated
// says whether the captured pre-image was put back.
type CommitError struct {
	Stage       Stage
	CommitID    string
	SnapshotID  string
	Compensated bool
	Err         error
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("micro-commit %s failed at %s: %v", e.CommitID, e.Stage, e.Err)
	if e.Stage == StageApply {
		if e.Compensated {
			msg += " (pre-image restored)"
		} else {
			msg += fmt.Sprintf(" (pre-image not restored, snapshot %s)", e.SnapshotID)
		}
	}
	return msg
}

// Unwrap exposes the commit kind and the stage failure.
func (e *CommitError) Unwrap() []error {
	return []error{types.ErrCommit, e.Err}
}
