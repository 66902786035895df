package timer

import "errors"

var (
	// ErrInvalidReentrantUsage is returned when a reentrant timer id is
	// declared from a second call site.
	ErrInvalidReentrantUsage = errors.New("timer: reentrant id used from a different call site")

	// ErrTimerNotFound is returned by lookups for ids with no scheduled timer.
	ErrTimerNotFound = errors.New("timer: not found")
)
