package looprun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looprun/looprun/pkg/looprun/observability"
)

// Mode selects how a subscription consumes a loop's history.
type Mode string

// Subscription modes.
const (
	// ModeStream replays history and then follows live appends indefinitely.
	ModeStream Mode = "stream"
	// ModeSingle returns the first match, replayed or live, then terminates.
	ModeSingle Mode = "single"
	// ModeHistory replays stored matches and terminates.
	ModeHistory Mode = "history"
)

// ParseMode converts a string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStream, ModeSingle, ModeHistory:
		return Mode(s), nil
	case "":
		return ModeStream, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Reason explains why a subscription's channel closed.
type Reason string

// Termination reasons. Timeout and Stopped are normal terminations, not
// failures; Fault carries the loop's program fault.
const (
	ReasonCompleted Reason = "completed"
	ReasonTimeout   Reason = "timeout"
	ReasonStopped   Reason = "stopped"
	ReasonFault     Reason = "fault"
	ReasonCanceled  Reason = "canceled"
)

// Subscription is one reader of a loop's event feed. Events arrive on C in
// strictly increasing sequence order with no gaps and no duplicates, even
// across the replay-to-live transition. After C closes, Reason and Fault
// report how the subscription ended.
type Subscription struct {
	// C delivers matching events. Closed when the subscription terminates.
	C <-chan *Event

	mu        sync.Mutex
	reason    Reason
	fault     *ProgramFaultError
	delivered int64

	cancel     chan struct{}
	cancelOnce sync.Once
}

// Cancel detaches the subscriber. Safe to call more than once and
// concurrently with channel reads.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// Reason reports why the subscription ended. Valid after C closes.
func (s *Subscription) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Fault returns the loop's program fault when Reason is ReasonFault.
func (s *Subscription) Fault() *ProgramFaultError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Delivered returns the number of events sent on C.
func (s *Subscription) Delivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

func (s *Subscription) finish(reason Reason, fault *ProgramFaultError) {
	s.mu.Lock()
	s.reason = reason
	s.fault = fault
	s.mu.Unlock()
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	from    int64
	timeout time.Duration
	buffer  int
}

// WithFromSequence replays only events with sequence strictly greater than seq.
// The default 0 replays the full retained history.
func WithFromSequence(seq int64) SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.from = seq
	}
}

// WithTimeout bounds how long the subscription stays open. On expiry the
// channel closes with ReasonTimeout.
func WithTimeout(d time.Duration) SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.timeout = d
	}
}

// WithBuffer sets the delivery channel's buffer size. Default 16.
func WithBuffer(n int) SubscribeOption {
	return func(cfg *subscribeConfig) {
		if n > 0 {
			cfg.buffer = n
		}
	}
}

// Subscribe attaches a reader to a loop's event feed, filtered by event type
// (empty or "*" matches all). The loop must exist; stopped loops remain
// subscribable until their last reader detaches.
func (r *Runtime) Subscribe(ctx context.Context, loopID, eventType string, mode Mode, opts ...SubscribeOption) (*Subscription, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}

	switch mode {
	case ModeStream, ModeSingle, ModeHistory:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, string(mode))
	}

	inst, ok := r.instances.Get(loopID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	}

	cfg := subscribeConfig{buffer: 16}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := inst.log
	log.attach()

	ch := make(chan *Event, cfg.buffer)
	sub := &Subscription{
		C:      ch,
		cancel: make(chan struct{}),
	}

	observability.LogSubscribe(r.logger, loopID, eventType, string(mode))
	go r.runSubscription(ctx, sub, ch, log, eventType, mode, cfg)

	return sub, nil
}

// runSubscription pulls events from the log by cursor, waking on appends.
// Cursor reads under the log lock make the replay-to-live transition
// gap-free and duplicate-free.
func (r *Runtime) runSubscription(ctx context.Context, sub *Subscription, ch chan<- *Event, log *Log, eventType string, mode Mode, cfg subscribeConfig) {
	var delivered int64

	defer func() {
		close(ch)
		log.detach()
		r.metrics.RecordSubscription(context.Background(), string(mode), delivered, string(sub.Reason()))
		observability.LogSubscriptionEnd(r.logger, log.loopID, string(mode), string(sub.Reason()), delivered)
	}()

	var timerC <-chan time.Time
	if cfg.timeout > 0 {
		timer := time.NewTimer(cfg.timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	cursor := cfg.from
	for {
		batch, wait, closed, fault := log.readAfter(cursor, eventType)

		for _, evt := range batch {
			select {
			case ch <- evt:
				cursor = evt.Sequence
				delivered++
				sub.mu.Lock()
				sub.delivered = delivered
				sub.mu.Unlock()
				if mode == ModeSingle {
					sub.finish(ReasonCompleted, nil)
					return
				}
			case <-ctx.Done():
				sub.finish(ReasonCanceled, nil)
				return
			case <-sub.cancel:
				sub.finish(ReasonCanceled, nil)
				return
			case <-timerC:
				sub.finish(ReasonTimeout, nil)
				return
			}
		}

		if mode == ModeHistory {
			sub.finish(ReasonCompleted, nil)
			return
		}

		if closed {
			if fault != nil {
				sub.finish(ReasonFault, fault)
			} else {
				sub.finish(ReasonStopped, nil)
			}
			return
		}

		select {
		case <-wait:
		case <-ctx.Done():
			sub.finish(ReasonCanceled, nil)
			return
		case <-sub.cancel:
			sub.finish(ReasonCanceled, nil)
			return
		case <-timerC:
			sub.finish(ReasonTimeout, nil)
			return
		}
	}
}
