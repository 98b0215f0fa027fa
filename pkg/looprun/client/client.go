// Package client is a small HTTP client for a looprun server. It tracks
// the loop instance created by the first start event so that follow-up
// events, waits, and lifecycle calls address the same loop.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/looprun/looprun/pkg/looprun"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("looprun server: %s (%d): %s", e.Kind, e.Status, e.Message)
}

// Client talks to one named loop on a looprun server.
type Client struct {
	baseURL  string
	loopName string
	hc       *http.Client

	mu     sync.Mutex
	loopID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithLoopID binds the client to an existing loop instance.
func WithLoopID(loopID string) Option {
	return func(c *Client) {
		c.loopID = loopID
	}
}

// New creates a client for the named loop.
func New(baseURL, loopName string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		loopName: loopName,
		hc:       &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoopID returns the loop instance this client is bound to. Empty until a
// start event has been sent or WithLoopID was used.
func (c *Client) LoopID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopID
}

// Send submits an event. The payload fields are flattened into the request
// body alongside type and loop_id. The server-assigned loop ID from the
// response is remembered for subsequent calls.
func (c *Client) Send(ctx context.Context, eventType string, payload map[string]any) (*looprun.DispatchResult, error) {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["type"] = eventType
	if id := c.LoopID(); id != "" {
		body["loop_id"] = id
	}

	var res looprun.DispatchResult
	err := c.do(ctx, http.MethodPost, "/loops/"+url.PathEscape(c.loopName), body, &res)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.loopID = res.LoopID
	c.mu.Unlock()
	return &res, nil
}

// WaitFor long-polls for the next event of the given type on the bound
// loop. Returns nil with no error when the wait times out server-side.
func (c *Client) WaitFor(ctx context.Context, eventType string, timeout time.Duration) (*looprun.Event, error) {
	id, err := c.boundLoopID()
	if err != nil {
		return nil, err
	}

	q := url.Values{"mode": {"single"}}
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}
	path := fmt.Sprintf("/events/%s/%s?%s", url.PathEscape(id), url.PathEscape(eventType), q.Encode())

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var evt looprun.Event
	if err := json.NewDecoder(resp.Body).Decode(&evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &evt, nil
}

// History fetches the bound loop's stored events, optionally filtered by
// event type and starting sequence.
func (c *Client) History(ctx context.Context, eventType string, fromSeq int64) ([]*looprun.Event, error) {
	id, err := c.boundLoopID()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if fromSeq > 0 {
		q.Set("from", fmt.Sprintf("%d", fromSeq))
	}
	path := "/instances/" + url.PathEscape(id) + "/history"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out struct {
		Events []*looprun.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// EventTypes fetches the server's registered event schemas.
func (c *Client) EventTypes(ctx context.Context) ([]*looprun.Schema, error) {
	var out struct {
		EventTypes []*looprun.Schema `json:"event_types"`
	}
	if err := c.do(ctx, http.MethodGet, "/event-types", nil, &out); err != nil {
		return nil, err
	}
	return out.EventTypes, nil
}

// Pause suspends event delivery for the bound loop.
func (c *Client) Pause(ctx context.Context) error {
	return c.lifecycle(ctx, "pause")
}

// Resume restores delivery for the bound loop.
func (c *Client) Resume(ctx context.Context) error {
	return c.lifecycle(ctx, "resume")
}

// Stop terminates the bound loop.
func (c *Client) Stop(ctx context.Context) error {
	return c.lifecycle(ctx, "stop")
}

func (c *Client) lifecycle(ctx context.Context, op string) error {
	id, err := c.boundLoopID()
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/instances/"+url.PathEscape(id)+"/"+op, nil, nil)
}

// StreamEvent is one frame from Stream.
type StreamEvent struct {
	// Type is the SSE event name; "end" marks the terminal frame.
	Type string
	// Event is the decoded loop event, nil on the terminal frame.
	Event *looprun.Event
	// Reason is set on the terminal frame.
	Reason string
	// Err is the fault detail on a terminal frame with reason "fault".
	Err string
}

// Stream subscribes to the bound loop over SSE and delivers frames on the
// returned channel until the stream ends or ctx is canceled. eventType
// "all" follows every event.
func (c *Client) Stream(ctx context.Context, eventType string, fromSeq int64) (<-chan StreamEvent, error) {
	id, err := c.boundLoopID()
	if err != nil {
		return nil, err
	}

	q := url.Values{"mode": {"stream"}}
	if fromSeq > 0 {
		q.Set("from", fmt.Sprintf("%d", fromSeq))
	}
	path := fmt.Sprintf("/events/%s/%s?%s", url.PathEscape(id), url.PathEscape(eventType), q.Encode())

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	// The client-wide timeout caps the whole response body; a live stream
	// must not be cut off by it. Cancellation comes from ctx.
	sc := *c.hc
	sc.Timeout = 0
	resp, err := sc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readSSE(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readSSE parses "event:"/"data:" frames from an SSE body.
func readSSE(ctx context.Context, body io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var frameType, frameData string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			frameType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frameData = strings.TrimPrefix(line, "data: ")
		case line == "" && frameType != "":
			frame := StreamEvent{Type: frameType}
			if frameType == "end" {
				var end struct {
					Reason string `json:"reason"`
					Error  string `json:"error"`
				}
				_ = json.Unmarshal([]byte(frameData), &end)
				frame.Reason = end.Reason
				frame.Err = end.Error
			} else {
				var evt looprun.Event
				if err := json.Unmarshal([]byte(frameData), &evt); err == nil {
					frame.Event = &evt
				}
			}
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
			if frameType == "end" {
				return
			}
			frameType, frameData = "", ""
		}
	}
}

func (c *Client) boundLoopID() (string, error) {
	id := c.LoopID()
	if id == "" {
		return "", fmt.Errorf("client is not bound to a loop: send a start event first")
	}
	return id, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Kind: "unknown"}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Error != "" {
			apiErr.Kind = body.Error
		}
		apiErr.Message = body.Message
	}
	return apiErr
}
