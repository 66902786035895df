package item

import "errors"

// Domain errors for item operations.
var (
	// ErrItemNotFound is returned when an item does not exist.
	ErrItemNotFound = errors.New("item: not found")

	// ErrThingNotFound is returned when a thing does not exist.
	ErrThingNotFound = errors.New("item: thing not found")

	// ErrInvalidItem is returned when an item fails validation.
	ErrInvalidItem = errors.New("item: invalid item")

	// ErrInvalidState is returned when a value cannot be converted to a State.
	ErrInvalidState = errors.New("item: invalid state")

	// ErrInvalidThingStatus is returned for unknown thing status symbols.
	ErrInvalidThingStatus = errors.New("item: invalid thing status")
)
