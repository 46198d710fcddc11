package ledger

import (
	"fmt"

	"github.com/boshu2/aion/internal/types"
)

// PersistenceError reports a failed durable write of the ledger. The
// in-memory ledger has already been reverted; Commit is the record that
// could not be written so the caller can retry or reconcile by hand.
type PersistenceError struct {
	Op     string
	Commit types.Commit
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Commit.ID, e.Err)
}

// Unwrap exposes the persistence kind and the write failure.
func (e *PersistenceError) Unwrap() []error {
	return []error{types.ErrPersistence, e.Err}
}
