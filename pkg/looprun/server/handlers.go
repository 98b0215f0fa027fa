package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/looprun/looprun/pkg/looprun"
)

// submitRequest is the flattened ingestion body: type and loop_id are
// routing fields, everything else becomes the event payload.
type submitRequest map[string]any

// handleSubmit accepts an event for the named loop.
func (s *Server) handleSubmit(c echo.Context) error {
	name := c.Param("name")

	var body submitRequest
	if err := c.Bind(&body); err != nil {
		return jsonError(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
	}

	eventType, _ := body["type"].(string)
	if eventType == "" {
		return jsonError(c, http.StatusBadRequest, "schema_mismatch", "missing event type")
	}
	loopID, _ := body["loop_id"].(string)

	def, ok := s.rt.Definition(name)
	if !ok {
		return jsonError(c, http.StatusNotFound, "unknown_loop", fmt.Sprintf("no loop named %q", name))
	}
	// Reject start events addressed to the wrong loop before they reach the
	// dispatcher, where the start type alone selects the definition.
	if started, owner := s.rt.StartEventOwner(eventType); started && owner != def.Name {
		return jsonError(c, http.StatusBadRequest, "wrong_loop",
			fmt.Sprintf("event %q starts loop %q, not %q", eventType, owner, name))
	}

	payload := make(map[string]any, len(body))
	for k, v := range body {
		if k == "type" || k == "loop_id" {
			continue
		}
		payload[k] = v
	}

	evt := looprun.NewEvent(eventType, payload)
	evt.LoopID = loopID

	res, err := s.rt.Submit(c.Request().Context(), evt)
	if err != nil {
		return runtimeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// handleEventTypes lists registered event schemas.
func (s *Server) handleEventTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"event_types": s.rt.Schemas(),
	})
}

// handleHistory returns a loop's stored history as a JSON array. Supports
// from (sequence) and type (filter) query parameters.
func (s *Server) handleHistory(c echo.Context) error {
	loopID := c.Param("loop_id")
	from := queryInt64(c, "from", 0)
	eventType := c.QueryParam("type")

	events, err := s.rt.History(loopID, from, eventType)
	if err != nil {
		return runtimeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"loop_id": loopID,
		"events":  events,
	})
}

// handleStream serves a subscription over HTTP. Mode stream produces SSE,
// mode single long-polls for one event, mode history returns a JSON array.
func (s *Server) handleStream(c echo.Context) error {
	loopID := c.Param("loop_id")
	eventType := c.Param("event_type")
	if eventType == "all" {
		eventType = looprun.AnyEvent
	}

	mode, err := looprun.ParseMode(c.QueryParam("mode"))
	if err != nil {
		return runtimeError(c, err)
	}

	opts := []looprun.SubscribeOption{
		looprun.WithFromSequence(queryInt64(c, "from", 0)),
	}
	timeout := queryDuration(c, "timeout", 0)
	switch mode {
	case looprun.ModeSingle:
		if timeout <= 0 {
			timeout = s.singleTimeout
		}
		opts = append(opts, looprun.WithTimeout(timeout))
	case looprun.ModeStream:
		if timeout <= 0 {
			timeout = s.streamTimeout
		}
		if timeout > 0 {
			opts = append(opts, looprun.WithTimeout(timeout))
		}
	}

	sub, err := s.rt.Subscribe(c.Request().Context(), loopID, eventType, mode, opts...)
	if err != nil {
		return runtimeError(c, err)
	}
	defer sub.Cancel()

	switch mode {
	case looprun.ModeHistory:
		events := make([]*looprun.Event, 0, 16)
		for evt := range sub.C {
			events = append(events, evt)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"loop_id": loopID,
			"events":  events,
		})

	case looprun.ModeSingle:
		evt, ok := <-sub.C
		if !ok {
			if sub.Reason() == looprun.ReasonFault {
				return jsonError(c, http.StatusOK, "fault", sub.Fault().Error())
			}
			// Timeout and stopped are normal outcomes for a long poll.
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusOK, evt)

	default:
		return s.streamSSE(c, sub)
	}
}

// streamSSE writes a subscription as server-sent events, ending with a
// terminal "end" frame carrying the termination reason.
func (s *Server) streamSSE(c echo.Context, sub *looprun.Subscription) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}
	flusher.Flush()

	for evt := range sub.C {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\n", evt.Type)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	end := map[string]any{"reason": string(sub.Reason())}
	if fault := sub.Fault(); fault != nil {
		end["error"] = fault.Error()
	}
	data, _ := json.Marshal(end)
	fmt.Fprintf(w, "event: end\n")
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
	return nil
}

// lifecycleHandler adapts a runtime lifecycle method to an HTTP handler.
func (s *Server) lifecycleHandler(op string, fn func(string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		loopID := c.Param("loop_id")
		if err := fn(loopID); err != nil {
			return runtimeError(c, err)
		}
		status := ""
		if inst, ok := s.rt.Instance(loopID); ok {
			status = string(inst.Status())
		}
		return c.JSON(http.StatusOK, map[string]any{
			"loop_id": loopID,
			"op":      op,
			"status":  status,
		})
	}
}

// runtimeError maps runtime errors to HTTP responses.
func runtimeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, looprun.ErrUnknownLoop):
		return jsonError(c, http.StatusNotFound, "unknown_loop", err.Error())
	case errors.Is(err, looprun.ErrSchemaMismatch):
		return jsonError(c, http.StatusBadRequest, "schema_mismatch", err.Error())
	case errors.Is(err, looprun.ErrDuplicateStart):
		return jsonError(c, http.StatusConflict, "duplicate_start", err.Error())
	case errors.Is(err, looprun.ErrNotStartEvent):
		return jsonError(c, http.StatusBadRequest, "not_start_event", err.Error())
	case errors.Is(err, looprun.ErrInvalidMode):
		return jsonError(c, http.StatusBadRequest, "invalid_mode", err.Error())
	case errors.Is(err, looprun.ErrCapacityExceeded):
		return jsonError(c, http.StatusTooManyRequests, "capacity_exceeded", err.Error())
	case errors.Is(err, looprun.ErrRuntimeClosed):
		return jsonError(c, http.StatusServiceUnavailable, "runtime_closed", err.Error())
	default:
		return jsonError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

func jsonError(c echo.Context, status int, kind, message string) error {
	return c.JSON(status, map[string]string{
		"error":   kind,
		"message": message,
	})
}

func queryInt64(c echo.Context, name string, def int64) int64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func queryDuration(c echo.Context, name string, def time.Duration) time.Duration {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
