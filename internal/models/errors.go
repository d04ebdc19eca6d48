package models

import "errors"

// Error taxonomy shared by the store, engine and HTTP layer. Callers
// classify with errors.Is; wrapped messages carry the detail.
var (
	// ErrValidation rejects malformed input before it is persisted.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the reminder id is unknown to the store.
	ErrNotFound = errors.New("reminder not found")

	// ErrConflict means a compare-and-set lost a race or a status
	// precondition was unmet (e.g. the reminder was already claimed).
	ErrConflict = errors.New("reminder status conflict")

	// ErrInvalidTransition rejects a status patch not permitted from
	// the reminder's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
