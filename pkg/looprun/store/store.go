// Package store provides durable event archives for loop histories.
//
// The runtime's history logs are in-memory; an archive is a write-through
// copy that survives process restarts. Replaying an archive into a fresh
// runtime is left to the caller.
package store

import (
	"errors"
	"time"
)

// Record is one archived event. Data holds the JSON-serialized event.
type Record struct {
	LoopID    string
	Sequence  int64
	Type      string
	Timestamp time.Time
	Data      []byte
}

// Store persists event records per loop.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores a record. Appending an existing (loop, sequence) pair
	// is an error.
	Append(rec Record) error

	// List returns all records for a loop in ascending sequence order.
	// Returns an empty slice (not an error) for an unknown loop.
	List(loopID string) ([]Record, error)

	// Loops returns the IDs of all loops with archived records.
	Loops() ([]string, error)

	// DeleteLoop removes all records for a loop.
	// Returns nil if the loop has no records.
	DeleteLoop(loopID string) error

	// Close releases any resources.
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")

	// ErrDuplicateSequence indicates an append reused a sequence number.
	ErrDuplicateSequence = errors.New("duplicate sequence for loop")
)
