package platform

import "errors"

// Domain errors for trigger registration and item commands.
var (
	// ErrUnsupportedTrigger is returned for trigger types the platform does not know.
	ErrUnsupportedTrigger = errors.New("platform: unsupported trigger type")

	// ErrInvalidTrigger is returned when a trigger configuration is incomplete or malformed.
	ErrInvalidTrigger = errors.New("platform: invalid trigger configuration")

	// ErrTriggerNotFound is returned when unregistering an unknown ID.
	ErrTriggerNotFound = errors.New("platform: trigger not found")

	// ErrCommandRejected is returned when an item does not accept commands.
	ErrCommandRejected = errors.New("platform: item does not accept commands")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("platform: closed")
)
