package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a state change not allowed by the
	// entity's status machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLockNotAcquired indicates another worker holds the lock.
	ErrLockNotAcquired = errors.New("lock not acquired")
)
