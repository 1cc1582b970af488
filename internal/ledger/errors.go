package ledger

import "errors"

// Sentinel errors for the ledger's contract. Callers use errors.Is.
var (
	ErrNotFound          = errors.New("ledger: task not found")
	ErrAlreadyExists     = errors.New("ledger: task already exists")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
	ErrConflict          = errors.New("ledger: concurrent modification conflict")
)

// permittedTransitions enumerates every status edge the ledger accepts.
// Anything not listed here fails with ErrInvalidTransition.
var permittedTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusOpen: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusClosed:    true,
		StatusBlocked:   true,
		StatusCancelled: true,
		StatusOpen:      true, // explicit requeue on retry
	},
	StatusBlocked: {
		StatusOpen: true, // operator action
	},
}

func isPermitted(from, to TaskStatus) bool {
	next, ok := permittedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
