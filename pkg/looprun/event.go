package looprun

import "time"

// Sender identifies which side of the loop produced an event.
type Sender string

// Sender values.
const (
	// SenderClient marks events submitted through the dispatcher.
	SenderClient Sender = "client"
	// SenderServer marks events emitted by a loop program via Context.Emit,
	// and the runtime's synthetic events.
	SenderServer Sender = "server"
)

// EventTypeFault is the synthetic terminal event appended to a loop's
// history when its program faults. The "loop." prefix is reserved and
// cannot be registered as a schema.
const EventTypeFault = "loop.fault"

// AnyEvent is the wildcard event type for suspension points that resume
// on any inbound event.
const AnyEvent = "*"

// Event is the unit of communication between clients and loop programs.
// Once appended to a history log an event is immutable; its sequence is
// assigned by the log and never changes or repeats within a loop.
type Event struct {
	// Sequence is the per-loop, strictly increasing position in the
	// history log, starting at 1. Zero before the event is appended.
	Sequence int64 `json:"sequence,omitempty"`

	// Type is the string tag identifying the event's schema.
	Type string `json:"type"`

	// LoopID is the owning loop instance. Empty on the start event that
	// creates a loop.
	LoopID string `json:"loop_id,omitempty"`

	// Sender records which side produced the event.
	Sender Sender `json:"sender,omitempty"`

	// Payload holds the event's fields, validated against the schema
	// registered for Type.
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp is assigned by the dispatcher at acceptance time.
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates a client event with the given type and payload.
func NewEvent(eventType string, payload map[string]any) *Event {
	return &Event{
		Type:    eventType,
		Sender:  SenderClient,
		Payload: payload,
	}
}

// Clone returns a copy with its own payload map. Nested values are shared;
// events are treated as immutable after append.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}

// Get returns a payload field and whether it is present.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// String returns a payload field as a string, or "" if absent or not a string.
func (e *Event) String(key string) string {
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// Bool returns a payload field as a bool, or false if absent or not a bool.
func (e *Event) Bool(key string) bool {
	if b, ok := e.Payload[key].(bool); ok {
		return b
	}
	return false
}
