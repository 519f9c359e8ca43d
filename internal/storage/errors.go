package storage

import "errors"

var (
	// ErrInvalidInput is returned when an entry misses required fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when an entry id is already bound to a different tx hash.
	ErrConflict = errors.New("ledger entry conflict")
)
