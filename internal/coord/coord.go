// Package coord exposes the slice of the coordination store the system
// relies on: typed key/value operations with insert-only and compare-and-swap
// writes. Leader election and service discovery are built entirely on these
// primitives; consensus itself is the store's problem.
package coord

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("coord: key not found")
	// ErrConflict is returned when an insert-only write finds an existing
	// key, or a compare-and-swap write loses the race.
	ErrConflict = errors.New("coord: write conflict")
)

// SetOptions narrows a Set to conditional semantics. InsertOnly succeeds only
// when the key does not exist yet. A non-empty PrevValue succeeds only when
// the current value equals it.
type SetOptions struct {
	InsertOnly bool
	PrevValue  string
}

// DeleteOptions guards a Delete with an expected current value.
type DeleteOptions struct {
	PrevValue string
}

// Entry is one key/value pair from a listing.
type Entry struct {
	Key   string
	Value string
}

// Store is one keyspace of the coordination store. Every write refreshes the
// key's TTL; keys not rewritten within the keyspace's TTL disappear.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	List(ctx context.Context) ([]Entry, error)
	Set(ctx context.Context, key, value string, opts SetOptions) error
	Delete(ctx context.Context, key string, opts DeleteOptions) error
}
