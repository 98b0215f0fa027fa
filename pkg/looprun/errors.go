package looprun

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatch and lifecycle operations.
var (
	// ErrUnknownLoop indicates the referenced loop does not exist or has stopped.
	ErrUnknownLoop = errors.New("unknown loop")

	// ErrDuplicateStart indicates a start event referenced an already-active loop.
	ErrDuplicateStart = errors.New("duplicate start event")

	// ErrNotStartEvent indicates an event without a loop_id whose type does not
	// start any registered loop.
	ErrNotStartEvent = errors.New("not a start event")

	// ErrSchemaMismatch indicates an event payload failed schema validation.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrCapacityExceeded indicates a bounded history hit its retention limit
	// with eviction disabled.
	ErrCapacityExceeded = errors.New("history capacity exceeded")

	// ErrProgramFault indicates the loop program failed while processing an event.
	ErrProgramFault = errors.New("program fault")

	// ErrRuntimeClosed indicates the runtime has been shut down.
	ErrRuntimeClosed = errors.New("runtime closed")

	// ErrLoopDefined indicates a loop definition name or start event type is
	// already registered.
	ErrLoopDefined = errors.New("loop definition already registered")

	// ErrInvalidMode indicates an unrecognized subscription mode.
	ErrInvalidMode = errors.New("invalid subscription mode")
)

// SchemaError describes a payload validation failure.
type SchemaError struct {
	// EventType is the event type being validated.
	EventType string
	// Field is the offending payload field, if the failure is field-specific.
	Field string
	// Message is a human-readable explanation.
	Message string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("event %q: field %q: %s", e.EventType, e.Field, e.Message)
	}
	return fmt.Sprintf("event %q: %s", e.EventType, e.Message)
}

// Unwrap returns ErrSchemaMismatch for errors.Is support.
func (e *SchemaError) Unwrap() error {
	return ErrSchemaMismatch
}

// ProgramFaultError records a loop program failure. The instance is stopped
// and the fault is appended to its history as a synthetic terminal event.
type ProgramFaultError struct {
	// LoopID is the instance that faulted.
	LoopID string
	// EventType is the type of the event being processed at the time.
	EventType string
	// Sequence is the sequence of the event being processed.
	Sequence int64
	// Err is the failure returned (or recovered) from the program.
	Err error
}

// Error implements the error interface.
func (e *ProgramFaultError) Error() string {
	return fmt.Sprintf("loop %s: program fault on event %q (seq %d): %v",
		e.LoopID, e.EventType, e.Sequence, e.Err)
}

// Unwrap returns ErrProgramFault for errors.Is support.
func (e *ProgramFaultError) Unwrap() error {
	return ErrProgramFault
}
