// Package portmacro keeps ${server.port.*} macros in step with the servers a
// workspace machine reports.
//
// A Resolver is driven by lifecycle events. On start it fetches the machine
// descriptor, derives one macro per server key (plus a stripped alias for
// "/tcp" keys) and registers the whole set at once. On stop it removes exactly
// the macros it registered. All state changes happen on the goroutine running
// Run; descriptor fetches run concurrently and report back with the
// generation they were started for, so a superseded fetch is dropped.
package portmacro

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/portmacros/internal/macro"
	"github.com/devghori1264/aerophoenix/portmacros/internal/metrics"
	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
)

// ErrNoDescriptor is reported when a fetcher returns neither a descriptor
// nor an error.
var ErrNoDescriptor = errors.New("no machine descriptor")

// Fetcher returns the current descriptor of a machine.
type Fetcher interface {
	FetchDescriptor(ctx context.Context, workspaceID, machineID string) (*models.MachineDescriptor, error)
}

// Registry is the macro registry the resolver publishes into.
type Registry interface {
	Register(macros ...*macro.Macro)
	Unregister(macros ...*macro.Macro)
	Get(name string) (*macro.Macro, bool)
}

// Options tune a Resolver. The zero value is usable.
type Options struct {
	// FetchTimeout bounds a single descriptor fetch. Zero means no bound.
	FetchTimeout time.Duration
	// QueueSize is the capacity of the event queue. Defaults to 64.
	QueueSize int
	Metrics   *metrics.Resolver
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

type (
	startedMsg struct {
		workspaceID string
		machineID   string
	}
	stoppedMsg struct{}
	fetchedMsg struct {
		generation uint64
		descriptor *models.MachineDescriptor
		err        error
	}
	flushMsg struct {
		done chan struct{}
	}
)

// Resolver maintains the port macros of one workspace machine.
type Resolver struct {
	fetcher      Fetcher
	registry     Registry
	logger       *zap.Logger
	metrics      *metrics.Resolver
	tracer       trace.Tracer
	fetchTimeout time.Duration

	events chan any

	// Owned by the Run goroutine.
	generation  uint64
	held        []*macro.Macro
	cancelFetch context.CancelFunc

	// Snapshot of state and held for readers on other goroutines.
	mu       sync.RWMutex
	state    State
	snapshot []*macro.Macro
}

// New creates a resolver in the Idle state. Run must be started before
// events are processed.
func New(fetcher Fetcher, registry Registry, opts Options) *Resolver {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/devghori1264/aerophoenix/portmacros/internal/portmacro")
	}
	return &Resolver{
		fetcher:      fetcher,
		registry:     registry,
		logger:       opts.Logger.Named("portmacro"),
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		fetchTimeout: opts.FetchTimeout,
		events:       make(chan any, opts.QueueSize),
		state:        Idle,
	}
}

// Handle dispatches a lifecycle event. Events are processed in the order
// Handle is called.
func (r *Resolver) Handle(ctx context.Context, ev models.LifecycleEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Kind {
	case models.EventStarted:
		return r.enqueue(ctx, startedMsg{workspaceID: ev.WorkspaceID, machineID: ev.MachineID})
	default:
		return r.enqueue(ctx, stoppedMsg{})
	}
}

// OnEnvironmentStarted begins a new resolution cycle for the machine. Any
// fetch still outstanding from an earlier cycle is invalidated.
func (r *Resolver) OnEnvironmentStarted(ctx context.Context, workspaceID, machineID string) error {
	return r.Handle(ctx, models.LifecycleEvent{Kind: models.EventStarted, WorkspaceID: workspaceID, MachineID: machineID})
}

// OnEnvironmentStopped removes every macro the resolver registered. It is
// safe to call in any state and any number of times.
func (r *Resolver) OnEnvironmentStopped(ctx context.Context) error {
	return r.enqueue(ctx, stoppedMsg{})
}

// Flush blocks until every event queued before the call has been processed.
// Fetch results that have not arrived yet are not waited for.
func (r *Resolver) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.enqueue(ctx, flushMsg{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve returns the value of a registered macro. The value is the one
// captured when the macro was registered; nothing is fetched.
func (r *Resolver) Resolve(name string) (string, bool) {
	m, ok := r.registry.Get(name)
	if !ok {
		return "", false
	}
	return m.Value(), true
}

// State reports the current lifecycle state.
func (r *Resolver) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Entries returns the macros currently held, sorted by name.
func (r *Resolver) Entries() []*macro.Macro {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*macro.Macro(nil), r.snapshot...)
}

// Run processes events until ctx is cancelled. On return every held macro
// has been unregistered.
func (r *Resolver) Run(ctx context.Context) error {
	r.logger.Info("resolver started")
	defer func() {
		r.invalidate()
		r.release()
		r.setState(Stopped)
		r.logger.Info("resolver stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-r.events:
			switch m := msg.(type) {
			case startedMsg:
				r.handleStarted(ctx, m)
			case stoppedMsg:
				r.handleStopped()
			case fetchedMsg:
				r.handleFetched(m)
			case flushMsg:
				close(m.done)
			}
		}
	}
}

func (r *Resolver) enqueue(ctx context.Context, msg any) error {
	select {
	case r.events <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %T: %w", msg, ctx.Err())
	}
}

func (r *Resolver) handleStarted(ctx context.Context, m startedMsg) {
	r.invalidate()
	r.release()
	r.setState(AwaitingDescriptor)

	fetchCtx, cancel := context.WithCancel(ctx)
	r.cancelFetch = cancel
	gen := r.generation

	r.logger.Info("fetching machine descriptor",
		zap.String("workspace_id", m.workspaceID),
		zap.String("machine_id", m.machineID),
		zap.Uint64("generation", gen))

	go r.fetch(ctx, fetchCtx, gen, m.workspaceID, m.machineID)
}

func (r *Resolver) handleStopped() {
	r.invalidate()
	r.release()
	r.setState(Stopped)
}

func (r *Resolver) handleFetched(m fetchedMsg) {
	if m.generation != r.generation {
		r.logger.Debug("discarding stale descriptor",
			zap.Uint64("generation", m.generation),
			zap.Uint64("current", r.generation))
		r.countFetch(metrics.ResultStale)
		return
	}
	if r.cancelFetch != nil {
		r.cancelFetch()
		r.cancelFetch = nil
	}

	if m.err != nil {
		r.logger.Warn("descriptor fetch failed", zap.Error(m.err), zap.Uint64("generation", m.generation))
		r.countFetch(metrics.ResultError)
		return
	}
	r.countFetch(metrics.ResultOK)

	entries := DeriveMacros(m.descriptor)
	r.registry.Register(entries...)
	r.held = entries
	r.setState(Active)

	r.logger.Info("port macros registered",
		zap.String("machine_id", m.descriptor.MachineID),
		zap.Int("count", len(entries)))
}

// invalidate advances the generation so that any outstanding fetch result
// is treated as stale, and cancels that fetch.
func (r *Resolver) invalidate() {
	r.generation++
	if r.cancelFetch != nil {
		r.cancelFetch()
		r.cancelFetch = nil
	}
}

// release unregisters the held set.
func (r *Resolver) release() {
	if len(r.held) == 0 {
		return
	}
	r.registry.Unregister(r.held...)
	r.logger.Info("port macros unregistered", zap.Int("count", len(r.held)))
	r.held = nil
}

func (r *Resolver) setState(s State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.snapshot = append(r.snapshot[:0:0], r.held...)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Held.Set(float64(len(r.held)))
		if changed {
			r.metrics.Transitions.WithLabelValues(s.String()).Inc()
		}
	}
}

func (r *Resolver) countFetch(result string) {
	if r.metrics != nil {
		r.metrics.Fetches.WithLabelValues(result).Inc()
	}
}

// fetch runs on its own goroutine. runCtx is the Run context; ctx is
// cancelled when the cycle is superseded.
func (r *Resolver) fetch(runCtx, ctx context.Context, gen uint64, workspaceID, machineID string) {
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "portmacro.fetch_descriptor", trace.WithAttributes(
		attribute.String("workspace.id", workspaceID),
		attribute.String("machine.id", machineID),
		attribute.Int64("portmacro.generation", int64(gen)),
	))
	start := time.Now()
	d, err := r.fetcher.FetchDescriptor(ctx, workspaceID, machineID)
	if err == nil && d == nil {
		err = ErrNoDescriptor
	}
	if r.metrics != nil {
		r.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		err = fmt.Errorf("fetch descriptor %s/%s: %w", workspaceID, machineID, err)
	} else {
		span.SetAttributes(attribute.Int("machine.servers", len(d.Servers)))
	}
	span.End()

	select {
	case r.events <- fetchedMsg{generation: gen, descriptor: d, err: err}:
	case <-runCtx.Done():
	}
}
