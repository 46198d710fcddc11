package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/boshu2/aion/internal/types"
)

// RestoreError reports a partially failed restore: which paths were put
// back and which were not.
type RestoreError struct {
	SnapshotID string
	Restored   []string
	Failed     map[string]error
}

func (e *RestoreError) Error() string {
	paths := e.FailedPaths()
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		parts = append(parts, fmt.Sprintf("%s (%v)", p, e.Failed[p]))
	}
	return fmt.Sprintf("restore snapshot %s: %d of %d paths not restored: %s",
		e.SnapshotID, len(paths), len(paths)+len(e.Restored), strings.Join(parts, "; "))
}

// Unwrap marks a restore failure as an I/O error.
func (e *RestoreError) Unwrap() error { return types.ErrIO }

// FailedPaths returns the paths that were not restored, sorted.
func (e *RestoreError) FailedPaths() []string {
	paths := make([]string, 0, len(e.Failed))
	for p := range e.Failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
