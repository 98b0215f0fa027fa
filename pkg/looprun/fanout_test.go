package looprun

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStreamingRuntime builds a runtime with a loop that accepts any event,
// for subscription tests.
func newStreamingRuntime(t *testing.T) (*Runtime, string) {
	t.Helper()
	rt := New()
	t.Cleanup(func() { rt.Close() })

	rt.MustRegisterEvent(&Schema{Type: "order_placed"})
	rt.MustRegisterEvent(&Schema{Type: "note"})
	rt.MustRegisterEvent(&Schema{Type: "other"})

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *Context, evt *Event) (Outcome, error) {
		return WaitAny(), nil
	})
	require.NoError(t, err)

	res, err := rt.Submit(context.Background(), NewEvent("order_placed", nil))
	require.NoError(t, err)
	return rt, res.LoopID
}

// TestSubscribe_Validation tests mode and loop checks at attach time.
func TestSubscribe_Validation(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)

	_, err := rt.Subscribe(context.Background(), loopID, "", Mode("bogus"))
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = rt.Subscribe(context.Background(), "missing", "", ModeStream)
	assert.ErrorIs(t, err, ErrUnknownLoop)
}

// TestParseMode tests mode parsing, including the stream default.
func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStream, m)

	for _, want := range []Mode{ModeStream, ModeSingle, ModeHistory} {
		m, err := ParseMode(string(want))
		require.NoError(t, err)
		assert.Equal(t, want, m)
	}

	_, err = ParseMode("firehose")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

// TestSubscribe_StreamReplayThenLive tests that a stream subscription
// replays stored events and then follows live appends with no gap and no
// duplicate at the transition.
func TestSubscribe_StreamReplayThenLive(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)

	for i := 0; i < 3; i++ {
		submit(t, rt, loopID, "note", map[string]any{"i": i})
	}

	sub, err := rt.Subscribe(context.Background(), loopID, AnyEvent, ModeStream)
	require.NoError(t, err)
	defer sub.Cancel()

	// Interleave live appends with consumption.
	go func() {
		for i := 0; i < 20; i++ {
			evt := NewEvent("note", nil)
			evt.LoopID = loopID
			rt.Submit(context.Background(), evt) //nolint:errcheck
		}
		rt.Stop(loopID) //nolint:errcheck
	}()

	var last int64
	for evt := range sub.C {
		assert.Equal(t, last+1, evt.Sequence, "sequences must be contiguous")
		last = evt.Sequence
	}
	assert.Equal(t, int64(24), last, "start + 3 stored + 20 live")
	assert.Equal(t, ReasonStopped, sub.Reason())
	assert.Equal(t, int64(24), sub.Delivered())
}

// TestSubscribe_TypeFilter tests event type filtering.
func TestSubscribe_TypeFilter(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)

	submit(t, rt, loopID, "note", nil)
	submit(t, rt, loopID, "other", nil)
	submit(t, rt, loopID, "note", nil)

	sub, err := rt.Subscribe(context.Background(), loopID, "note", ModeHistory)
	require.NoError(t, err)

	var seqs []int64
	for evt := range sub.C {
		assert.Equal(t, "note", evt.Type)
		seqs = append(seqs, evt.Sequence)
	}
	assert.Equal(t, []int64{2, 4}, seqs)
	assert.Equal(t, ReasonCompleted, sub.Reason())
}

// TestSubscribe_History tests that history mode terminates after the
// stored events without waiting for live ones.
func TestSubscribe_History(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)
	submit(t, rt, loopID, "note", nil)

	sub, err := rt.Subscribe(context.Background(), loopID, AnyEvent, ModeHistory)
	require.NoError(t, err)

	var count int
	for range sub.C {
		count++
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, ReasonCompleted, sub.Reason())
}

// TestSubscribe_FromSequence tests replay starting after a cursor.
func TestSubscribe_FromSequence(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)
	for i := 0; i < 4; i++ {
		submit(t, rt, loopID, "note", nil)
	}

	sub, err := rt.Subscribe(context.Background(), loopID, AnyEvent, ModeHistory, WithFromSequence(3))
	require.NoError(t, err)

	var seqs []int64
	for evt := range sub.C {
		seqs = append(seqs, evt.Sequence)
	}
	assert.Equal(t, []int64{4, 5}, seqs)
}

// TestSubscribe_SingleReplayed tests single mode satisfied from stored
// history.
func TestSubscribe_SingleReplayed(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)
	submit(t, rt, loopID, "note", nil)

	sub, err := rt.Subscribe(context.Background(), loopID, "note", ModeSingle)
	require.NoError(t, err)

	evt, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, "note", evt.Type)

	_, ok = <-sub.C
	assert.False(t, ok, "single terminates after one event")
	assert.Equal(t, ReasonCompleted, sub.Reason())
}

// TestSubscribe_SingleLive tests single mode blocking until a live match
// arrives.
func TestSubscribe_SingleLive(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)

	sub, err := rt.Subscribe(context.Background(), loopID, "note", ModeSingle, WithTimeout(2*time.Second))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		evt := NewEvent("other", nil)
		evt.LoopID = loopID
		rt.Submit(context.Background(), evt) //nolint:errcheck

		evt = NewEvent("note", nil)
		evt.LoopID = loopID
		rt.Submit(context.Background(), evt) //nolint:errcheck
	}()

	evt, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, "note", evt.Type)
	assert.Equal(t, ReasonCompleted, sub.Reason())
}

// TestSubscribe_Timeout tests that an unmatched wait ends with the timeout
// reason, not an error.
func TestSubscribe_Timeout(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)

	sub, err := rt.Subscribe(context.Background(), loopID, "note", ModeSingle, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, ReasonTimeout, sub.Reason())
	assert.Nil(t, sub.Fault())
}

// TestSubscribe_Cancel tests explicit detach.
func TestSubscribe_Cancel(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)

	sub, err := rt.Subscribe(context.Background(), loopID, AnyEvent, ModeStream, WithFromSequence(1))
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel() // idempotent

	for range sub.C {
	}
	assert.Equal(t, ReasonCanceled, sub.Reason())
}

// TestSubscribe_ContextCancel tests detach via context cancellation.
func TestSubscribe_ContextCancel(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := rt.Subscribe(ctx, loopID, AnyEvent, ModeStream, WithFromSequence(1))
	require.NoError(t, err)

	cancel()
	for range sub.C {
	}
	assert.Equal(t, ReasonCanceled, sub.Reason())
}

// TestSubscribe_HistoryAfterStop tests reading a finished loop: the
// program stops itself on ack, and a history subscription attached
// afterwards still replays the ack event and terminates cleanly. The
// instance is torn down only after that reader detaches.
func TestSubscribe_HistoryAfterStop(t *testing.T) {
	rt := New()
	defer rt.Close()
	rt.MustRegisterEvent(&Schema{Type: "job_started"})
	rt.MustRegisterEvent(&Schema{Type: "ack"})

	_, err := rt.RegisterLoop("job", "job_started", func(ctx *Context, evt *Event) (Outcome, error) {
		if evt.Type == "ack" {
			return Stop(), nil
		}
		return WaitFor("ack"), nil
	})
	require.NoError(t, err)

	res, err := rt.Submit(context.Background(), NewEvent("job_started", nil))
	require.NoError(t, err)

	final := submit(t, rt, res.LoopID, "ack", nil)
	require.Equal(t, StatusStopped, final.Status)

	sub, err := rt.Subscribe(context.Background(), res.LoopID, "ack", ModeHistory)
	require.NoError(t, err)

	var acks []*Event
	for evt := range sub.C {
		acks = append(acks, evt)
	}
	require.Len(t, acks, 1)
	assert.Equal(t, "ack", acks[0].Type)
	assert.Equal(t, int64(2), acks[0].Sequence)
	assert.Equal(t, ReasonCompleted, sub.Reason())

	assert.Eventually(t, func() bool {
		_, ok := rt.Instance(res.LoopID)
		return !ok
	}, time.Second, 5*time.Millisecond, "instance removed after the last reader detaches")
}

// TestSubscribe_StreamAfterStop tests that a stream subscription attached
// to a finished loop drains its history and ends with the stopped reason.
func TestSubscribe_StreamAfterStop(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)
	submit(t, rt, loopID, "note", nil)
	require.NoError(t, rt.Stop(loopID))

	sub, err := rt.Subscribe(context.Background(), loopID, AnyEvent, ModeStream)
	require.NoError(t, err)

	var seqs []int64
	for evt := range sub.C {
		seqs = append(seqs, evt.Sequence)
	}
	assert.Equal(t, []int64{1, 2}, seqs)
	assert.Equal(t, ReasonStopped, sub.Reason())
}

// TestSubscribe_ManyReaders tests independent concurrent subscriptions
// observing identical sequences.
func TestSubscribe_ManyReaders(t *testing.T) {
	rt, loopID := newStreamingRuntime(t)

	const readers = 8
	subs := make([]*Subscription, readers)
	for i := range subs {
		var err error
		subs[i], err = rt.Subscribe(context.Background(), loopID, AnyEvent, ModeStream)
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		submit(t, rt, loopID, "note", map[string]any{"i": fmt.Sprint(i)})
	}
	require.NoError(t, rt.Stop(loopID))

	for i, sub := range subs {
		var seqs []int64
		for evt := range sub.C {
			seqs = append(seqs, evt.Sequence)
		}
		require.Len(t, seqs, 11, "reader %d", i)
		for j, seq := range seqs {
			assert.Equal(t, int64(j+1), seq)
		}
	}
}
