package store

import "errors"

var (
	// ErrNotFound indicates an unknown device, command or content id.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a write that contradicts existing state, such as
	// a duplicate content id or a report for an already-terminal command.
	ErrConflict = errors.New("conflict")
	// ErrInvalid indicates input rejected before touching the database.
	ErrInvalid = errors.New("invalid input")
)
