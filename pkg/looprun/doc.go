/*
Package looprun is a runtime for stateful, event-driven loops: long-lived
server-side computations that start on a designated trigger event and
proceed by repeatedly suspending until a matching event arrives, then
resuming with its payload.

# Overview

A loop is defined once as a program plus a start event type. Submitting a
start event creates a loop instance with its own append-only event history;
every further event for that instance is appended to the history, matched
against the program's pending suspension, and fanned out to any live
subscribers.

The runtime guarantees:
  - Per-loop sequences are strictly increasing with no gaps.
  - Delivery to one instance's program is strictly serialized; different
    loops proceed in parallel.
  - A subscription observes events in sequence order with no duplicates,
    even across the replay-to-live transition.

# Basic Usage

Register event schemas and a loop, then submit events:

	rt := looprun.New()

	rt.MustRegisterEvent(&looprun.Schema{
	    Type:     "start",
	    Fields:   map[string]looprun.FieldType{"message": looprun.FieldString},
	    Required: []string{"message"},
	})
	rt.MustRegisterEvent(&looprun.Schema{Type: "ack"})

	rt.RegisterLoop("greeter", "start", func(ctx *looprun.Context, evt *looprun.Event) (looprun.Outcome, error) {
	    switch evt.Type {
	    case "start":
	        return looprun.WaitFor("ack"), nil
	    default:
	        return looprun.Stop(), nil
	    }
	})

	res, err := rt.Submit(ctx, looprun.NewEvent("start", map[string]any{"message": "hi"}))
	// res.LoopID identifies the new instance; the loop is now suspended on "ack".

# Suspension

Programs yield by returning an Outcome: WaitFor declares which event types
resume the program, Pause queues events until Resume, Stop terminates. A
program is never blocked in a wait; suspension is a state transition the
dispatcher schedules, so a process can host a large number of loops on a
small number of goroutines.

# Subscriptions

Subscribe attaches a reader to a loop's history and live tail:

	sub, err := rt.Subscribe(ctx, loopID, "ack", looprun.ModeStream)
	for evt := range sub.C {
	    // events arrive in sequence order, gap-free
	}
	switch sub.Reason() {
	case looprun.ReasonStopped: // loop ended cleanly
	case looprun.ReasonFault:   // sub.Fault() has the program fault
	}

The server subpackage exposes submission, streaming (SSE), schema
discovery, and lifecycle control over HTTP; the client subpackage wraps
that API in a stateful handle.
*/
package looprun
