package looprun

import (
	"sync"
	"time"
)

// Status is a loop instance's lifecycle state.
type Status string

// Lifecycle states.
const (
	// StatusRunning means the program is being invoked.
	StatusRunning Status = "running"
	// StatusSuspended means the program yielded and waits for an event.
	StatusSuspended Status = "suspended"
	// StatusPaused means inbound events queue but are not delivered.
	StatusPaused Status = "paused"
	// StatusStopped is terminal.
	StatusStopped Status = "stopped"
)

// Wait is one registered suspension point: the set of event types that can
// resume the program. An empty set or AnyEvent matches any type.
type Wait struct {
	Types []string
}

// matches reports whether the wait resumes on the given event type, and
// whether the match is exact (an explicitly listed type rather than the
// wildcard). Exact matches win over wildcard matches.
func (w Wait) matches(eventType string) (ok, exact bool) {
	if len(w.Types) == 0 {
		return true, false
	}
	for _, t := range w.Types {
		if t == eventType {
			return true, true
		}
		if t == AnyEvent {
			ok = true
		}
	}
	return ok, false
}

// Outcome is what a program returns when it yields. The zero value suspends
// on any event type.
type Outcome struct {
	waits []Wait
	pause bool
	stop  bool
}

// WaitFor suspends until an event of one of the given types arrives.
func WaitFor(types ...string) Outcome {
	return Outcome{waits: []Wait{{Types: types}}}
}

// WaitAny suspends until any event arrives.
func WaitAny() Outcome {
	return Outcome{waits: []Wait{{Types: []string{AnyEvent}}}}
}

// WaitFor registers an additional suspension point. When several pending
// waits could match one event, the most specific registered wait wins;
// ties go to the earlier registration.
func (o Outcome) WaitFor(types ...string) Outcome {
	o.waits = append(o.waits, Wait{Types: types})
	return o
}

// AndPause suspends as declared but pauses the loop: events queue in
// history order and are delivered only after Resume.
func (o Outcome) AndPause() Outcome {
	o.pause = true
	return o
}

// Pause yields and pauses the loop.
func Pause() Outcome {
	return Outcome{pause: true}
}

// Stop terminates the loop.
func Stop() Outcome {
	return Outcome{stop: true}
}

// Program is the user-supplied loop body. It is invoked with the event that
// resumed (or started) the instance and returns the next suspension point.
// Invocations for one instance never overlap.
type Program func(ctx *Context, evt *Event) (Outcome, error)

// Definition is a registered loop template. Definitions are immutable after
// registration.
type Definition struct {
	// Name uniquely identifies the loop template and its ingestion route.
	Name string
	// StartEvent is the event type that creates a new instance.
	StartEvent string
	// Program is the loop body.
	Program Program

	idleTimeout  time.Duration
	historyLimit int
	evictOldest  bool
}

// LoopOption configures a loop definition.
type LoopOption func(*Definition)

// WithIdleTimeout makes the idle monitor pause instances that have not seen
// an event for d. Zero disables idle pausing for this loop.
func WithIdleTimeout(d time.Duration) LoopOption {
	return func(def *Definition) {
		def.idleTimeout = d
	}
}

// WithHistoryLimit bounds this loop's history to the most recent n events.
// With evictOldest, older entries are dropped; otherwise appends beyond the
// bound fail with ErrCapacityExceeded.
func WithHistoryLimit(n int, evictOldest bool) LoopOption {
	return func(def *Definition) {
		def.historyLimit = n
		def.evictOldest = evictOldest
	}
}

// Instance is one execution of a loop definition. The runtime exclusively
// owns instances; an instance exclusively owns its history log.
type Instance struct {
	id  string
	def *Definition
	log *Log

	// mu serializes program delivery and state transitions. Two events for
	// the same loop are never processed concurrently.
	mu     sync.Mutex
	status Status
	prior  Status // state paused from, restored on resume
	waits  []Wait
	inbox  []*Event // client events not yet consumed by a suspension
	fault  *ProgramFaultError

	lastEventAt time.Time

	varsMu sync.RWMutex
	vars   map[string]any
}

// ID returns the loop identifier.
func (in *Instance) ID() string {
	return in.id
}

// Name returns the loop definition name.
func (in *Instance) Name() string {
	return in.def.Name
}

// Status returns the current lifecycle state.
func (in *Instance) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// PendingWaits returns the registered suspension points, in registration
// order. Empty unless the instance is suspended (or paused from suspended).
func (in *Instance) PendingWaits() []Wait {
	in.mu.Lock()
	defer in.mu.Unlock()
	waits := make([]Wait, len(in.waits))
	copy(waits, in.waits)
	return waits
}

// Fault returns the program fault that stopped the instance, if any.
func (in *Instance) Fault() *ProgramFaultError {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.fault
}

// History returns the instance's event history log.
func (in *Instance) History() *Log {
	return in.log
}

// IdleFor returns how long ago the instance last accepted an event.
func (in *Instance) IdleFor(now time.Time) time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.lastEventAt.IsZero() {
		return 0
	}
	return now.Sub(in.lastEventAt)
}

// matchLocked finds the first inbox event matched by a pending wait.
// Events are considered in history order; for each event the most specific
// matching wait wins, ties broken by registration order. Returns the inbox
// index, the wait index, and whether a match exists. Caller holds in.mu.
func (in *Instance) matchLocked() (eventIdx, waitIdx int, ok bool) {
	for i, evt := range in.inbox {
		best := -1
		bestExact := false
		for w, wait := range in.waits {
			matched, exact := wait.matches(evt.Type)
			if !matched {
				continue
			}
			if best == -1 || (exact && !bestExact) {
				best = w
				bestExact = exact
			}
		}
		if best >= 0 {
			return i, best, true
		}
	}
	return 0, 0, false
}

// takeLocked removes and returns the inbox event at idx. Caller holds in.mu.
func (in *Instance) takeLocked(idx int) *Event {
	evt := in.inbox[idx]
	in.inbox = append(in.inbox[:idx], in.inbox[idx+1:]...)
	return evt
}

// setVar stores a loop-scoped value.
func (in *Instance) setVar(key string, value any) {
	in.varsMu.Lock()
	defer in.varsMu.Unlock()
	if in.vars == nil {
		in.vars = make(map[string]any)
	}
	in.vars[key] = value
}

// getVar returns a loop-scoped value.
func (in *Instance) getVar(key string) (any, bool) {
	in.varsMu.RLock()
	defer in.varsMu.RUnlock()
	v, ok := in.vars[key]
	return v, ok
}

// deleteVar removes a loop-scoped value.
func (in *Instance) deleteVar(key string) {
	in.varsMu.Lock()
	defer in.varsMu.Unlock()
	delete(in.vars, key)
}
