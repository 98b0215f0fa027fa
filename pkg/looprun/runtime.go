package looprun

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/looprun/looprun/pkg/looprun/observability"
	"github.com/looprun/looprun/pkg/looprun/registry"
	"github.com/looprun/looprun/pkg/looprun/store"
)

// Runtime is the loop orchestration core: it owns the loop definitions, the
// table of live instances, and the dispatch path between them. All mutation
// of an instance goes through per-instance exclusion; the runtime never
// holds a single lock spanning all loops.
type Runtime struct {
	schemas   *SchemaRegistry
	defs      *registry.Table[string, *Definition] // by name
	starts    *registry.Table[string, *Definition] // by start event type
	instances *registry.Table[string, *Instance]

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	archive store.Store

	historyLimit int
	evictOldest  bool

	closed atomic.Bool

	monitorInterval time.Duration
	monitorStop     chan struct{}
	monitorDone     chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder. Defaults to no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithSpanManager enables tracing via the given span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(r *Runtime) {
		r.spans = s
	}
}

// WithArchive write-throughs every appended event to a durable store.
// The runtime does not close the store; the caller owns it.
func WithArchive(st store.Store) Option {
	return func(r *Runtime) {
		r.archive = st
	}
}

// WithDefaultHistoryLimit bounds history retention for loops that do not
// override it. See WithHistoryLimit.
func WithDefaultHistoryLimit(n int, evictOldest bool) Option {
	return func(r *Runtime) {
		r.historyLimit = n
		r.evictOldest = evictOldest
	}
}

// WithIdleMonitor starts a watchdog that pauses suspended instances whose
// definitions declare an idle timeout. interval is how often it scans.
func WithIdleMonitor(interval time.Duration) Option {
	return func(r *Runtime) {
		r.monitorInterval = interval
	}
}

// New creates a runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		schemas:   NewSchemaRegistry(),
		defs:      registry.New[string, *Definition](),
		starts:    registry.New[string, *Definition](),
		instances: registry.New[string, *Instance](),
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.monitorInterval > 0 {
		r.monitorStop = make(chan struct{})
		r.monitorDone = make(chan struct{})
		go r.runMonitor(r.monitorInterval)
	}
	return r
}

// RegisterEvent adds an event schema. Events of unregistered types are
// rejected at submission.
func (r *Runtime) RegisterEvent(schema *Schema) error {
	return r.schemas.Register(schema)
}

// MustRegisterEvent adds an event schema, panicking on error.
func (r *Runtime) MustRegisterEvent(schema *Schema) {
	if err := r.schemas.Register(schema); err != nil {
		panic(fmt.Sprintf("register event schema: %v", err))
	}
}

// Schemas returns all registered event schemas, sorted by type.
func (r *Runtime) Schemas() []*Schema {
	return r.schemas.Schemas()
}

// RegisterLoop adds a loop definition. Both the name and the start event
// type must be unique across definitions.
func (r *Runtime) RegisterLoop(name, startEvent string, program Program, opts ...LoopOption) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("loop name is required")
	}
	if startEvent == "" || startEvent == AnyEvent {
		return nil, fmt.Errorf("loop %q: a concrete start event type is required", name)
	}
	if program == nil {
		return nil, fmt.Errorf("loop %q: program is required", name)
	}

	def := &Definition{
		Name:         name,
		StartEvent:   startEvent,
		Program:      program,
		historyLimit: r.historyLimit,
		evictOldest:  r.evictOldest,
	}
	for _, opt := range opts {
		opt(def)
	}

	if !r.defs.Insert(name, def) {
		return nil, fmt.Errorf("%w: name %q", ErrLoopDefined, name)
	}
	if !r.starts.Insert(startEvent, def) {
		r.defs.Delete(name)
		return nil, fmt.Errorf("%w: start event %q", ErrLoopDefined, startEvent)
	}
	return def, nil
}

// Definition returns a loop definition by name.
func (r *Runtime) Definition(name string) (*Definition, bool) {
	return r.defs.Get(name)
}

// LoopNames returns the names of all registered loop definitions.
func (r *Runtime) LoopNames() []string {
	return r.defs.Keys()
}

// StartEventOwner reports whether eventType is a start event and, if so,
// which loop definition it belongs to.
func (r *Runtime) StartEventOwner(eventType string) (bool, string) {
	def, ok := r.starts.Get(eventType)
	if !ok {
		return false, ""
	}
	return true, def.Name
}

// Instance returns a live loop instance by ID.
func (r *Runtime) Instance(loopID string) (*Instance, bool) {
	return r.instances.Get(loopID)
}

// Instances returns all live loop instances.
func (r *Runtime) Instances() []*Instance {
	return r.instances.Values()
}

// History returns a loop's stored events with sequence >= fromSeq, filtered
// by event type (empty matches all), in sequence order.
func (r *Runtime) History(loopID string, fromSeq int64, eventType string) ([]*Event, error) {
	inst, ok := r.instances.Get(loopID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	return inst.log.ReadFrom(fromSeq, eventType), nil
}

// Pause suspends event delivery for a loop. Inbound events still append to
// history and are delivered, in order, on resume. Pausing a paused loop is
// a no-op.
func (r *Runtime) Pause(loopID string) error {
	inst, ok := r.instances.Get(loopID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch inst.status {
	case StatusStopped:
		return fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	case StatusPaused:
		return nil
	}

	inst.prior = inst.status
	inst.status = StatusPaused
	observability.LogLifecycle(r.logger, loopID, "pause", string(StatusPaused))
	return nil
}

// Resume returns a paused loop to the state it paused from and delivers any
// queued events one at a time, in arrival order. Resuming a loop that is
// not paused is a no-op.
func (r *Runtime) Resume(loopID string) error {
	inst, ok := r.instances.Get(loopID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch inst.status {
	case StatusStopped:
		return fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	case StatusRunning, StatusSuspended:
		return nil
	}

	inst.status = inst.prior
	if inst.status == "" {
		inst.status = StatusSuspended
	}
	inst.prior = ""
	observability.LogLifecycle(r.logger, loopID, "resume", string(inst.status))
	r.drainLocked(inst)
	return nil
}

// Stop terminates a loop. The stopped instance and its history remain
// readable: History and Subscribe keep working, open subscriptions drain
// the remaining events and then observe end-of-stream. The instance is
// removed once the last subscriber detaches. Stopping a stopped loop is a
// no-op.
func (r *Runtime) Stop(loopID string) error {
	inst, ok := r.instances.Get(loopID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status == StatusStopped {
		return nil
	}
	r.stopLocked(inst, nil)
	return nil
}

// Close shuts the runtime down: the idle monitor stops and every live loop
// is stopped. The archive store, if any, is left open for the caller.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	if r.monitorStop != nil {
		close(r.monitorStop)
		<-r.monitorDone
	}

	for _, inst := range r.instances.Values() {
		inst.mu.Lock()
		if inst.status != StatusStopped {
			r.stopLocked(inst, nil)
		}
		inst.mu.Unlock()
		r.instances.Delete(inst.id)
	}
	return nil
}

// newInstance creates and registers an instance for a definition.
// Fails if the loop ID is already taken.
func (r *Runtime) newInstance(def *Definition, loopID string) (*Instance, error) {
	inst := &Instance{
		id:     loopID,
		def:    def,
		status: StatusRunning,
	}
	inst.log = newLog(loopID, def.historyLimit, def.evictOldest, r.archive, r.logger)
	inst.log.onIdle = func() {
		r.instances.Delete(loopID)
	}

	if !r.instances.Insert(loopID, inst) {
		return nil, fmt.Errorf("%w: loop %s", ErrDuplicateStart, loopID)
	}
	observability.LogLoopCreated(r.logger, loopID, def.Name, def.StartEvent)
	return inst, nil
}

// stopLocked finalizes an instance. Caller holds inst.mu.
func (r *Runtime) stopLocked(inst *Instance, fault *ProgramFaultError) {
	inst.status = StatusStopped
	inst.prior = ""
	inst.waits = nil
	inst.inbox = nil
	inst.log.close(fault)
	observability.LogLifecycle(r.logger, inst.id, "stop", string(StatusStopped))
}
