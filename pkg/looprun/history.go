package looprun

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/looprun/looprun/pkg/looprun/observability"
	"github.com/looprun/looprun/pkg/looprun/store"
)

// Log is the append-only event history of one loop instance.
//
// Sequence assignment, storage, and subscriber notification happen under a
// single lock, so a subscriber attached after Append returns observes the
// event either in its replay or its live tail, never neither.
type Log struct {
	mu sync.Mutex

	loopID  string
	events  []*Event
	lastSeq int64

	// Retention: limit 0 is unbounded. With a limit, evict drops the oldest
	// entry; without evict, Append fails with ErrCapacityExceeded.
	limit int
	evict bool

	// notify is closed and replaced on every append; waiters re-read.
	notify chan struct{}

	// closed is set when the owning instance stops. fault carries the
	// program fault if the stop was not clean.
	closed bool
	fault  *ProgramFaultError

	subs   int
	onIdle func() // called when closed and the last subscriber detaches

	archive store.Store
	logger  *slog.Logger
}

// newLog creates a history log for one loop.
func newLog(loopID string, limit int, evict bool, archive store.Store, logger *slog.Logger) *Log {
	return &Log{
		loopID:  loopID,
		limit:   limit,
		evict:   evict,
		notify:  make(chan struct{}),
		archive: archive,
		logger:  logger,
	}
}

// Append assigns the next sequence number, stores the event, and wakes
// live subscribers. Returns the assigned sequence.
func (l *Log) Append(evt *Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrUnknownLoop
	}

	if l.limit > 0 && len(l.events) >= l.limit {
		if !l.evict {
			return 0, ErrCapacityExceeded
		}
		// Oldest-first eviction; sequences keep increasing.
		l.events = append(l.events[:0:0], l.events[1:]...)
	}

	l.lastSeq++
	evt.Sequence = l.lastSeq
	evt.LoopID = l.loopID
	l.events = append(l.events, evt)

	if l.archive != nil {
		data, err := json.Marshal(evt)
		if err == nil {
			err = l.archive.Append(store.Record{
				LoopID:    l.loopID,
				Sequence:  evt.Sequence,
				Type:      evt.Type,
				Timestamp: evt.Timestamp,
				Data:      data,
			})
		}
		if err != nil {
			// Archive writes are best effort; the in-memory log is authoritative.
			observability.LogArchiveError(l.logger, l.loopID, evt.Sequence, err)
		}
	}

	close(l.notify)
	l.notify = make(chan struct{})

	return evt.Sequence, nil
}

// ReadFrom returns stored events with sequence >= seq, optionally filtered
// by event type (empty matches all), in ascending sequence order.
// Safe to call concurrently with Append.
func (l *Log) ReadFrom(seq int64, eventType string) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(seq, eventType)
}

func (l *Log) readLocked(seq int64, eventType string) []*Event {
	var out []*Event
	for _, e := range l.events {
		if e.Sequence < seq {
			continue
		}
		if eventType != "" && eventType != AnyEvent && e.Type != eventType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Latest returns the most recent matching event, or nil.
func (l *Log) Latest(eventType string) *Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if eventType == "" || eventType == AnyEvent || l.events[i].Type == eventType {
			return l.events[i]
		}
	}
	return nil
}

// MaxSequence returns the highest assigned sequence, or 0.
func (l *Log) MaxSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// readAfter returns events with sequence > cursor matching eventType, the
// channel to wait on for the next append, and the terminal state. The three
// are consistent: if the batch is empty and closed is false, waiting on the
// channel cannot miss an append.
func (l *Log) readAfter(cursor int64, eventType string) (batch []*Event, wait <-chan struct{}, closed bool, fault *ProgramFaultError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(cursor+1, eventType), l.notify, l.closed, l.fault
}

// close marks the log terminal. Live subscribers drain the remaining events
// and then observe end-of-stream (with the fault, if any). The retained
// history stays readable after close; teardown happens on the last detach.
func (l *Log) close(fault *ProgramFaultError) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	l.fault = fault
	close(l.notify)
	l.notify = make(chan struct{})
}

// attach registers a subscriber.
func (l *Log) attach() {
	l.mu.Lock()
	l.subs++
	l.mu.Unlock()
}

// detach releases a subscriber. When the log is closed and the last
// subscriber detaches, the instance becomes eligible for removal.
func (l *Log) detach() {
	l.mu.Lock()
	l.subs--
	idle := l.closed && l.subs == 0
	onIdle := l.onIdle
	l.mu.Unlock()

	if idle && onIdle != nil {
		onIdle()
	}
}
