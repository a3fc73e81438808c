package storage

import "errors"

// Errors shared by HistoryStore implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when appending a signature that was
	// already persisted for the pool. History is append-only.
	ErrDuplicateKey = errors.New("duplicate key: history is append-only")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
