package looprun

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/looprun/looprun/pkg/looprun/observability"
)

// DispatchResult reports the outcome of a successful submission.
type DispatchResult struct {
	// LoopID is the owning instance, generated when the submission created it.
	LoopID string `json:"loop_id"`
	// LoopName is the definition the instance runs.
	LoopName string `json:"loop_name"`
	// Created is true when the submission created a new instance.
	Created bool `json:"created"`
	// Sequence is the position assigned to the event in the loop's history.
	Sequence int64 `json:"sequence"`
	// Status is the instance state after the synchronous portion of
	// processing, up to the program's next suspension point.
	Status Status `json:"status"`
}

// Submit is the single entry point for inbound events.
//
// An event without a loop_id whose type starts a registered loop creates a
// new instance and delivers the event as its first input. An event with a
// loop_id is appended to that instance's history and, unless the instance
// is paused, matched against its pending suspension.
//
// Delivery is strictly serialized per loop: Submit returns after the
// program yields, and a concurrent Submit for the same loop queues behind
// it. Events for different loops proceed in parallel.
func (r *Runtime) Submit(ctx context.Context, evt *Event) (res *DispatchResult, err error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	if evt == nil || evt.Type == "" {
		return nil, &SchemaError{Message: "event type is required"}
	}

	sctx, span := r.spans.StartSubmitSpan(ctx, evt.Type)
	created := false
	defer func() {
		r.spans.EndSpanWithError(span, err)
		r.metrics.RecordSubmit(ctx, evt.Type, created, err)
	}()

	if err = r.schemas.Validate(evt); err != nil {
		return nil, err
	}

	def, isStart := r.starts.Get(evt.Type)

	// Detach from the caller's maps; the log owns the event after append.
	evt = evt.Clone()
	evt.Sender = SenderClient
	evt.Timestamp = time.Now().UTC()
	evt.Sequence = 0

	var inst *Instance
	switch {
	case evt.LoopID == "" && !isStart:
		return nil, fmt.Errorf("%w: %q does not start a registered loop", ErrNotStartEvent, evt.Type)

	case evt.LoopID == "":
		inst, err = r.newInstance(def, uuid.NewString())
		if err != nil {
			return nil, err
		}
		created = true

	case isStart:
		if existing, ok := r.instances.Get(evt.LoopID); ok {
			if existing.Status() == StatusStopped {
				return nil, fmt.Errorf("%w: %s is stopped", ErrUnknownLoop, evt.LoopID)
			}
			return nil, fmt.Errorf("%w: loop %s is active", ErrDuplicateStart, evt.LoopID)
		}
		// Caller-supplied loop ID on a fresh start.
		inst, err = r.newInstance(def, evt.LoopID)
		if err != nil {
			return nil, err
		}
		created = true

	default:
		var ok bool
		inst, ok = r.instances.Get(evt.LoopID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLoop, evt.LoopID)
		}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status == StatusStopped {
		// Raced with a stop between lookup and lock.
		return nil, fmt.Errorf("%w: %s is stopped", ErrUnknownLoop, inst.id)
	}

	evt.LoopID = inst.id
	seq, err := inst.log.Append(evt)
	if err != nil {
		if created {
			r.stopLocked(inst, nil)
		}
		return nil, err
	}
	inst.lastEventAt = evt.Timestamp
	observability.LogSubmit(r.logger, inst.id, evt.Type, seq)

	if created {
		r.invokeLocked(sctx, inst, evt)
	} else {
		inst.inbox = append(inst.inbox, evt)
		if inst.status != StatusPaused {
			r.drainLocked(inst)
		}
	}

	return &DispatchResult{
		LoopID:   inst.id,
		LoopName: inst.def.Name,
		Created:  created,
		Sequence: seq,
		Status:   inst.status,
	}, nil
}

// drainLocked delivers queued inbox events while the instance is suspended
// and a pending wait matches, one at a time, re-evaluating the match after
// each invocation. Caller holds inst.mu.
func (r *Runtime) drainLocked(inst *Instance) {
	for inst.status == StatusSuspended {
		eventIdx, _, ok := inst.matchLocked()
		if !ok {
			return
		}
		evt := inst.takeLocked(eventIdx)
		r.invokeLocked(context.Background(), inst, evt)
	}
}

// invokeLocked runs the program with one event and applies the outcome.
// Caller holds inst.mu; the program therefore runs with exclusive access
// to the instance.
func (r *Runtime) invokeLocked(ctx context.Context, inst *Instance, evt *Event) {
	inst.status = StatusRunning
	inst.waits = nil

	dctx, span := r.spans.StartDeliverySpan(ctx, inst.id, evt.Type)
	pctx := &Context{
		ctx:    dctx,
		rt:     r,
		inst:   inst,
		logger: observability.EnrichLogger(r.logger, inst.id, inst.def.Name),
	}

	start := time.Now()
	out, err := runProgram(inst.def.Program, pctx, evt)
	duration := time.Since(start)

	r.metrics.RecordDelivery(dctx, inst.def.Name, duration, err)
	r.spans.EndSpanWithError(span, err)

	if err != nil {
		r.faultLocked(inst, evt, err)
		return
	}

	r.applyLocked(inst, out)
	observability.LogDelivery(r.logger, inst.id, evt.Type,
		float64(duration.Milliseconds()), string(inst.status))
}

// runProgram invokes the program with panic recovery.
func runProgram(p Program, ctx *Context, evt *Event) (out Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return p(ctx, evt)
}

// applyLocked transitions the instance per the program's outcome.
// An outcome with no waits and no flags suspends on any event type.
// Caller holds inst.mu.
func (r *Runtime) applyLocked(inst *Instance, out Outcome) {
	if out.stop {
		r.stopLocked(inst, nil)
		return
	}

	waits := out.waits
	if len(waits) == 0 {
		waits = []Wait{{Types: []string{AnyEvent}}}
	}
	inst.waits = waits
	inst.status = StatusSuspended

	if out.pause {
		inst.prior = StatusSuspended
		inst.status = StatusPaused
	}
}

// faultLocked stops the instance after a program failure, recording the
// fault as a synthetic terminal event. Faults are not retried; retry is a
// caller decision. Caller holds inst.mu.
func (r *Runtime) faultLocked(inst *Instance, evt *Event, cause error) {
	fault := &ProgramFaultError{
		LoopID:    inst.id,
		EventType: evt.Type,
		Sequence:  evt.Sequence,
		Err:       cause,
	}
	inst.fault = fault
	observability.LogFault(r.logger, inst.id, evt.Type, cause)

	synthetic := &Event{
		Type:      EventTypeFault,
		LoopID:    inst.id,
		Sender:    SenderServer,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"error":      cause.Error(),
			"event_type": evt.Type,
			"sequence":   evt.Sequence,
		},
	}
	// Best effort; the log may be at capacity.
	inst.log.Append(synthetic) //nolint:errcheck

	r.stopLocked(inst, fault)
}
