package looprun

import (
	"context"
	"log/slog"
	"time"
)

// Context is the program-facing handle for one invocation. It implements
// context.Context, carrying the dispatcher's deadline and cancellation.
type Context struct {
	ctx    context.Context
	rt     *Runtime
	inst   *Instance
	logger *slog.Logger
}

// Deadline implements context.Context.
func (c *Context) Deadline() (time.Time, bool) {
	return c.ctx.Deadline()
}

// Done implements context.Context.
func (c *Context) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err implements context.Context.
func (c *Context) Err() error {
	return c.ctx.Err()
}

// Value implements context.Context.
func (c *Context) Value(key any) any {
	return c.ctx.Value(key)
}

// LoopID returns the owning instance's identifier.
func (c *Context) LoopID() string {
	return c.inst.id
}

// LoopName returns the loop definition name.
func (c *Context) LoopName() string {
	return c.inst.def.Name
}

// Logger returns a logger enriched with loop context.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Emit appends a server-sent event to the loop's history and pushes it to
// live subscribers. Emitted events are not matched against suspension
// points. The payload is validated when a schema is registered for the type.
func (c *Context) Emit(eventType string, payload map[string]any) (*Event, error) {
	if schema, ok := c.rt.schemas.Get(eventType); ok {
		if err := schema.Validate(payload); err != nil {
			return nil, err
		}
	}

	evt := &Event{
		Type:      eventType,
		LoopID:    c.inst.id,
		Sender:    SenderServer,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if _, err := c.inst.log.Append(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Set stores a loop-scoped value that survives across suspensions.
func (c *Context) Set(key string, value any) {
	c.inst.setVar(key, value)
}

// Get returns a loop-scoped value and whether it is present.
func (c *Context) Get(key string) (any, bool) {
	return c.inst.getVar(key)
}

// Delete removes a loop-scoped value.
func (c *Context) Delete(key string) {
	c.inst.deleteVar(key)
}

// History returns the loop's stored events matching eventType (empty
// matches all), in sequence order.
func (c *Context) History(eventType string) []*Event {
	return c.inst.log.ReadFrom(1, eventType)
}

// Latest returns the most recent matching event, or nil.
func (c *Context) Latest(eventType string) *Event {
	return c.inst.log.Latest(eventType)
}
