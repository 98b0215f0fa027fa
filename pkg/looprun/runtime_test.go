package looprun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegisterLoop_Validation tests definition registration rules.
func TestRegisterLoop_Validation(t *testing.T) {
	rt := New()
	defer rt.Close()

	program := func(ctx *Context, evt *Event) (Outcome, error) { return WaitAny(), nil }

	_, err := rt.RegisterLoop("", "start", program)
	assert.Error(t, err, "empty name")

	_, err = rt.RegisterLoop("a", "", program)
	assert.Error(t, err, "empty start event")

	_, err = rt.RegisterLoop("a", AnyEvent, program)
	assert.Error(t, err, "wildcard start event")

	_, err = rt.RegisterLoop("a", "start", nil)
	assert.Error(t, err, "nil program")

	_, err = rt.RegisterLoop("a", "start_a", program)
	require.NoError(t, err)

	_, err = rt.RegisterLoop("a", "start_b", program)
	assert.ErrorIs(t, err, ErrLoopDefined, "duplicate name")

	_, err = rt.RegisterLoop("b", "start_a", program)
	assert.ErrorIs(t, err, ErrLoopDefined, "duplicate start event")

	// The failed registrations must not leak partial state.
	_, err = rt.RegisterLoop("b", "start_b", program)
	assert.NoError(t, err)
}

// TestRuntime_Lookups tests definition and start-event queries.
func TestRuntime_Lookups(t *testing.T) {
	rt := New()
	defer rt.Close()

	program := func(ctx *Context, evt *Event) (Outcome, error) { return WaitAny(), nil }
	_, err := rt.RegisterLoop("order", "order_placed", program)
	require.NoError(t, err)

	def, ok := rt.Definition("order")
	require.True(t, ok)
	assert.Equal(t, "order_placed", def.StartEvent)

	_, ok = rt.Definition("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"order"}, rt.LoopNames())

	isStart, owner := rt.StartEventOwner("order_placed")
	assert.True(t, isStart)
	assert.Equal(t, "order", owner)

	isStart, _ = rt.StartEventOwner("payment")
	assert.False(t, isStart)
}

// TestRuntime_PauseResume tests the pause state machine: pause is sticky
// until resume, resume restores the prior state, and both are idempotent.
func TestRuntime_PauseResume(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		return WaitAny(), nil
	})
	require.NoError(t, err)

	res := submit(t, rt, "", "order_placed", nil)
	inst, ok := rt.Instance(res.LoopID)
	require.True(t, ok)

	require.NoError(t, rt.Pause(res.LoopID))
	assert.Equal(t, StatusPaused, inst.Status())
	require.NoError(t, rt.Pause(res.LoopID), "pausing a paused loop is a no-op")

	require.NoError(t, rt.Resume(res.LoopID))
	assert.Equal(t, StatusSuspended, inst.Status())
	require.NoError(t, rt.Resume(res.LoopID), "resuming an unpaused loop is a no-op")

	assert.ErrorIs(t, rt.Pause("missing"), ErrUnknownLoop)
	assert.ErrorIs(t, rt.Resume("missing"), ErrUnknownLoop)
}

// TestRuntime_PausedLoopQueues tests that inbound events queue while
// paused and drain in arrival order on resume.
func TestRuntime_PausedLoopQueues(t *testing.T) {
	rt := newTestRuntime(t)

	var seen []string
	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		seen = append(seen, evt.Type)
		return WaitAny(), nil
	})
	require.NoError(t, err)

	res := submit(t, rt, "", "order_placed", nil)
	require.NoError(t, rt.Pause(res.LoopID))

	submit(t, rt, res.LoopID, "payment", nil)
	submit(t, rt, res.LoopID, "shipment", nil)
	assert.Equal(t, []string{"order_placed"}, seen)

	// History still records the queued events.
	history, err := rt.History(res.LoopID, 0, "")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	require.NoError(t, rt.Resume(res.LoopID))
	assert.Equal(t, []string{"order_placed", "payment", "shipment"}, seen)
}

// TestRuntime_Stop tests termination: the loop rejects further events but
// its history stays readable, and stopping twice is a no-op.
func TestRuntime_Stop(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		return WaitAny(), nil
	})
	require.NoError(t, err)

	res := submit(t, rt, "", "order_placed", nil)
	submit(t, rt, res.LoopID, "payment", nil)
	require.NoError(t, rt.Stop(res.LoopID))
	require.NoError(t, rt.Stop(res.LoopID), "stop is idempotent")

	inst, ok := rt.Instance(res.LoopID)
	require.True(t, ok, "stopped instance is retained")
	assert.Equal(t, StatusStopped, inst.Status())

	// History outlives the stop.
	history, err := rt.History(res.LoopID, 0, "")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	evt := NewEvent("payment", nil)
	evt.LoopID = res.LoopID
	_, err = rt.Submit(context.Background(), evt)
	assert.ErrorIs(t, err, ErrUnknownLoop, "stopped loops reject new events")
}

// TestRuntime_StopWithSubscriber tests that a stopped instance survives
// until its last subscriber detaches.
func TestRuntime_StopWithSubscriber(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		return WaitAny(), nil
	})
	require.NoError(t, err)

	res := submit(t, rt, "", "order_placed", nil)

	sub, err := rt.Subscribe(context.Background(), res.LoopID, AnyEvent, ModeStream)
	require.NoError(t, err)

	require.NoError(t, rt.Stop(res.LoopID))

	// Lifecycle calls on a stopped-but-subscribed loop report unknown.
	assert.ErrorIs(t, rt.Pause(res.LoopID), ErrUnknownLoop)
	require.NoError(t, rt.Stop(res.LoopID), "stop is idempotent while the instance lingers")

	// Drain the subscription; the remaining history is still delivered.
	var count int
	for range sub.C {
		count++
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, ReasonStopped, sub.Reason())

	assert.Eventually(t, func() bool {
		_, ok := rt.Instance(res.LoopID)
		return !ok
	}, time.Second, 5*time.Millisecond, "instance should be removed after the last detach")
}

// TestRuntime_Close tests that Close stops every live loop.
func TestRuntime_Close(t *testing.T) {
	rt := New()
	rt.MustRegisterEvent(&Schema{Type: "order_placed"})

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		return WaitAny(), nil
	})
	require.NoError(t, err)

	res, err := rt.Submit(context.Background(), NewEvent("order_placed", nil))
	require.NoError(t, err)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close(), "double close")

	_, ok := rt.Instance(res.LoopID)
	assert.False(t, ok)
}

// TestRuntime_HistoryLimits tests per-loop retention overriding the
// runtime default.
func TestRuntime_HistoryLimits(t *testing.T) {
	rt := New(WithDefaultHistoryLimit(2, true))
	defer rt.Close()
	rt.MustRegisterEvent(&Schema{Type: "order_placed"})
	rt.MustRegisterEvent(&Schema{Type: "note"})

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		return WaitAny(), nil
	}, WithHistoryLimit(3, true))
	require.NoError(t, err)

	res := submit(t, rt, "", "order_placed", nil)
	for i := 0; i < 4; i++ {
		submit(t, rt, res.LoopID, "note", nil)
	}

	history, err := rt.History(res.LoopID, 0, "")
	require.NoError(t, err)
	require.Len(t, history, 3, "loop option overrides the runtime default")
	assert.Equal(t, int64(3), history[0].Sequence)
	assert.Equal(t, int64(5), history[2].Sequence)
}

// TestRuntime_IdleMonitor tests that the watchdog pauses suspended loops
// past their idle timeout.
func TestRuntime_IdleMonitor(t *testing.T) {
	rt := New(WithIdleMonitor(5 * time.Millisecond))
	defer rt.Close()
	rt.MustRegisterEvent(&Schema{Type: "order_placed"})

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		return WaitAny(), nil
	}, WithIdleTimeout(20*time.Millisecond))
	require.NoError(t, err)

	res := submit(t, rt, "", "order_placed", nil)
	inst, ok := rt.Instance(res.LoopID)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		return inst.Status() == StatusPaused
	}, time.Second, 5*time.Millisecond)
}

// TestRuntime_IdleMonitorSkipsLoopsWithoutTimeout tests that loops with no
// idle timeout are never auto-paused.
func TestRuntime_IdleMonitorSkipsLoopsWithoutTimeout(t *testing.T) {
	rt := New(WithIdleMonitor(5 * time.Millisecond))
	defer rt.Close()
	rt.MustRegisterEvent(&Schema{Type: "order_placed"})

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		return WaitAny(), nil
	})
	require.NoError(t, err)

	res := submit(t, rt, "", "order_placed", nil)
	inst, ok := rt.Instance(res.LoopID)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusSuspended, inst.Status())
}
