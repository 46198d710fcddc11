package storage

import "errors"

// Sentinel errors for the storage package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrLocked is returned when another process holds the project lock.
	ErrLocked = errors.New("another aion process holds the project lock")
)
