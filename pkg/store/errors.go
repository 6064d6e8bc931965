package store

import "errors"

var (
	// ErrNotOpen is returned when the store has not been opened yet.
	ErrNotOpen = errors.New("store not opened; call store.Open first")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAwaitTimeout is returned by AwaitCondition when the predicate did
	// not become true within the bound. Distinct from outright failure:
	// work already committed stays committed.
	ErrAwaitTimeout = errors.New("await condition timed out")
)
