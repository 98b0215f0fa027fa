package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looprun/looprun/pkg/looprun"
	"github.com/looprun/looprun/pkg/looprun/server"
)

// newTestServer runs an order loop behind an HTTP server: order_placed
// starts it, payment emits a receipt, cancel stops it.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	rt := looprun.New()
	t.Cleanup(func() { rt.Close() })

	rt.MustRegisterEvent(&looprun.Schema{
		Type:     "order_placed",
		Fields:   map[string]looprun.FieldType{"customer": looprun.FieldString},
		Required: []string{"customer"},
	})
	rt.MustRegisterEvent(&looprun.Schema{Type: "payment"})
	rt.MustRegisterEvent(&looprun.Schema{Type: "cancel"})
	rt.MustRegisterEvent(&looprun.Schema{Type: "receipt"})

	_, err := rt.RegisterLoop("order", "order_placed", func(ctx *looprun.Context, evt *looprun.Event) (looprun.Outcome, error) {
		switch evt.Type {
		case "payment":
			if _, err := ctx.Emit("receipt", map[string]any{"paid": true}); err != nil {
				return looprun.Outcome{}, err
			}
			return looprun.WaitFor("payment", "cancel"), nil
		case "cancel":
			return looprun.Stop(), nil
		}
		return looprun.WaitFor("payment", "cancel"), nil
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.New(rt).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// TestClient_SendTracksLoopID tests that the first start event binds the
// client to the created instance.
func TestClient_SendTracksLoopID(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, "order")
	ctx := context.Background()

	assert.Empty(t, c.LoopID())

	res, err := c.Send(ctx, "order_placed", map[string]any{"customer": "acme"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, res.LoopID, c.LoopID())

	// Follow-up events reuse the bound loop.
	res2, err := c.Send(ctx, "payment", nil)
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res.LoopID, res2.LoopID)
}

// TestClient_SendError tests API error decoding.
func TestClient_SendError(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, "order")

	_, err := c.Send(context.Background(), "order_placed", nil)
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "schema_mismatch", apiErr.Kind)
	assert.Contains(t, apiErr.Error(), "schema_mismatch")
}

// TestClient_UnboundCalls tests that loop-scoped calls require a start.
func TestClient_UnboundCalls(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, "order")
	ctx := context.Background()

	_, err := c.WaitFor(ctx, "receipt", time.Second)
	assert.Error(t, err)
	_, err = c.History(ctx, "", 0)
	assert.Error(t, err)
	assert.Error(t, c.Pause(ctx))
}

// TestClient_WaitFor tests the long poll, both satisfied and timed out.
func TestClient_WaitFor(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, "order")
	ctx := context.Background()

	_, err := c.Send(ctx, "order_placed", map[string]any{"customer": "acme"})
	require.NoError(t, err)
	_, err = c.Send(ctx, "payment", nil)
	require.NoError(t, err)

	evt, err := c.WaitFor(ctx, "receipt", time.Second)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, "receipt", evt.Type)
	assert.Equal(t, true, evt.Payload["paid"])

	// Nothing further arrives: nil event, no error.
	evt, err = c.WaitFor(ctx, "cancel", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, evt)
}

// TestClient_History tests history retrieval with filters.
func TestClient_History(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, "order")
	ctx := context.Background()

	_, err := c.Send(ctx, "order_placed", map[string]any{"customer": "acme"})
	require.NoError(t, err)
	_, err = c.Send(ctx, "payment", nil)
	require.NoError(t, err)

	events, err := c.History(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "order_placed", events[0].Type)
	assert.Equal(t, "receipt", events[2].Type)

	receipts, err := c.History(ctx, "receipt", 0)
	require.NoError(t, err)
	require.Len(t, receipts, 1)

	tail, err := c.History(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

// TestClient_EventTypes tests schema discovery.
func TestClient_EventTypes(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, "order")

	schemas, err := c.EventTypes(context.Background())
	require.NoError(t, err)
	require.Len(t, schemas, 4)

	types := make([]string, len(schemas))
	for i, s := range schemas {
		types[i] = s.Type
	}
	assert.Contains(t, types, "order_placed")
}

// TestClient_Lifecycle tests pause, resume, and stop through the façade.
func TestClient_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, "order")
	ctx := context.Background()

	_, err := c.Send(ctx, "order_placed", map[string]any{"customer": "acme"})
	require.NoError(t, err)

	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Resume(ctx))
	require.NoError(t, c.Stop(ctx))

	// The stopped loop rejects further events.
	_, err = c.Send(ctx, "payment", nil)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, "unknown_loop", apiErr.Kind)
}

// TestClient_Stream tests SSE consumption, including the terminal frame.
func TestClient_Stream(t *testing.T) {
	ts := newTestServer(t)
	c := New(ts.URL, "order")
	ctx := context.Background()

	_, err := c.Send(ctx, "order_placed", map[string]any{"customer": "acme"})
	require.NoError(t, err)

	frames, err := c.Stream(ctx, "all", 0)
	require.NoError(t, err)

	go func() {
		c.Send(ctx, "payment", nil) //nolint:errcheck
		c.Send(ctx, "cancel", nil)  //nolint:errcheck
	}()

	var types []string
	var endReason string
	for frame := range frames {
		if frame.Type == "end" {
			endReason = frame.Reason
			continue
		}
		require.NotNil(t, frame.Event)
		types = append(types, frame.Event.Type)
	}

	assert.Equal(t, []string{"order_placed", "payment", "receipt", "cancel"}, types)
	assert.Equal(t, string(looprun.ReasonStopped), endReason)
}

// TestClient_WithLoopID tests binding to an existing loop.
func TestClient_WithLoopID(t *testing.T) {
	ts := newTestServer(t)

	first := New(ts.URL, "order")
	res, err := first.Send(context.Background(), "order_placed", map[string]any{"customer": "acme"})
	require.NoError(t, err)

	second := New(ts.URL, "order", WithLoopID(res.LoopID))
	events, err := second.History(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
