// Package engine is the pipeline orchestration core: the phased lifecycle
// state machine, the sync coordinator, the cycle controller, and the journal
// write API that content plugins declare intent through.
//
// An Engine is constructed once at process start and passed by reference to
// every collaborator; there is no ambient global state. Plugins register
// hooks before Start; the registry freezes when the first phase runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomkit/loom/internal/entity"
	"github.com/loomkit/loom/internal/journal"
	"github.com/loomkit/loom/internal/render"
)

// ErrRegistryFrozen is returned when a hook is registered after the engine
// has started.
var ErrRegistryFrozen = errors.New("hook registry is frozen once the engine has started")

// defaultDebounce collapses a burst of sync notifications into one cycle
// request.
const defaultDebounce = time.Second

// Validator inspects a journal write before it is appended. Returning false
// drops the write; a warning is logged either way.
type Validator func(ctx context.Context, e *journal.Entry) (bool, error)

type validator struct {
	ops map[entity.Operation]bool
	fn  Validator
}

// Config holds engine configuration.
type Config struct {
	// Logger for engine activity. Defaults to slog.Default().
	Logger *slog.Logger

	// Threads bounds concurrent render jobs. Defaults to 4.
	Threads int

	// Debounce is how long to wait after the last sync notification before
	// requesting a cycle. Defaults to one second.
	Debounce time.Duration

	// Watch keeps the journal storage alive across cycles. In one-shot mode
	// the storage is released after a clean finalize.
	Watch bool

	// Renderer is the render execution collaborator.
	Renderer render.Func
}

// Engine drives the build pipeline.
type Engine struct {
	logger    *slog.Logger
	journal   *journal.Journal
	scheduler *render.Scheduler
	watch     bool
	debounce  time.Duration

	hooks        map[Phase][]Hook
	syncHandlers []syncHandler
	validators   []validator
	frozen       atomic.Bool

	// cycleMu serializes one cycle's process→finalize body; it is the only
	// lock protecting cycle state. mu guards the current cancel handle, the
	// debounce timer, and the closed flag.
	cycleMu sync.Mutex
	mu      sync.Mutex
	cancel  context.CancelFunc
	timer   *time.Timer
	closed  bool
	pending sync.WaitGroup
}

// New creates an engine over the given journal and registers its built-in
// hooks: the render scheduler on the render phase, and journal purging on
// finalized/cancelled.
func New(j *journal.Journal, config *Config) *Engine {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Debounce <= 0 {
		config.Debounce = defaultDebounce
	}

	e := &Engine{
		logger:    config.Logger,
		journal:   j,
		scheduler: render.NewScheduler(j, config.Renderer, config.Threads, config.Logger),
		watch:     config.Watch,
		debounce:  config.Debounce,
		hooks:     make(map[Phase][]Hook),
	}

	// Built-ins register first, before any plugin hook.
	e.hooks[PhaseRender] = append(e.hooks[PhaseRender], e.scheduler.Run)
	e.hooks[PhaseFinalized] = append(e.hooks[PhaseFinalized], func(ctx context.Context) error {
		if err := e.journal.Purge(ctx, false); err != nil {
			return err
		}
		if !e.watch {
			return e.journal.Release()
		}
		return nil
	})
	e.hooks[PhaseCancelled] = append(e.hooks[PhaseCancelled], func(ctx context.Context) error {
		// The token is signaled here; database work must outlive it.
		return e.journal.Purge(context.WithoutCancel(ctx), true)
	})

	return e
}

// Journal exposes the operation journal for hooks that stream entries.
func (e *Engine) Journal() *journal.Journal { return e.journal }

// Close stops the debounce timer, waits out a timer callback that has
// already fired, then shuts down the render worker pool. No cycle starts
// after Close returns.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	e.pending.Wait()
	e.scheduler.Close()
}

func (e *Engine) register(p Phase, h Hook) error {
	if e.frozen.Load() {
		return ErrRegistryFrozen
	}
	e.hooks[p] = append(e.hooks[p], h)
	return nil
}

// Registration API, consumed by content-type plugins before Start.

func (e *Engine) OnInitialize(h Hook) error   { return e.register(PhaseInitialize, h) }
func (e *Engine) OnInitialized(h Hook) error  { return e.register(PhaseInitialized, h) }
func (e *Engine) OnLoad(h Hook) error         { return e.register(PhaseLoad, h) }
func (e *Engine) OnLoaded(h Hook) error       { return e.register(PhaseLoaded, h) }
func (e *Engine) OnImport(h Hook) error       { return e.register(PhaseImport, h) }
func (e *Engine) OnImported(h Hook) error     { return e.register(PhaseImported, h) }
func (e *Engine) OnProcess(h Hook) error      { return e.register(PhaseProcess, h) }
func (e *Engine) OnProcessed(h Hook) error    { return e.register(PhaseProcessed, h) }
func (e *Engine) OnPersist(h Hook) error      { return e.register(PhasePersist, h) }
func (e *Engine) OnPersisted(h Hook) error    { return e.register(PhasePersisted, h) }
func (e *Engine) OnBeforeRender(h Hook) error { return e.register(PhaseBeforeRender, h) }
func (e *Engine) OnRender(h Hook) error       { return e.register(PhaseRender, h) }
func (e *Engine) OnAfterRender(h Hook) error  { return e.register(PhaseAfterRender, h) }
func (e *Engine) OnFinalize(h Hook) error     { return e.register(PhaseFinalize, h) }
func (e *Engine) OnFinalized(h Hook) error    { return e.register(PhaseFinalized, h) }
func (e *Engine) OnCancel(h Hook) error       { return e.register(PhaseCancel, h) }
func (e *Engine) OnCancelled(h Hook) error    { return e.register(PhaseCancelled, h) }

// OnSync registers a sync handler. A non-empty collection scopes the handler
// to that collection's notifications; an empty collection receives all.
func (e *Engine) OnSync(collection string, h SyncHandler) error {
	if e.frozen.Load() {
		return ErrRegistryFrozen
	}
	e.syncHandlers = append(e.syncHandlers, syncHandler{collection: collection, fn: h})
	return nil
}

// OnValidate registers a validator for the given operation kinds.
func (e *Engine) OnValidate(ops []entity.Operation, v Validator) error {
	if e.frozen.Load() {
		return ErrRegistryFrozen
	}
	set := make(map[entity.Operation]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	e.validators = append(e.validators, validator{ops: set, fn: v})
	return nil
}

// OnComplete registers a render completion hook; any hook reporting failure
// vetoes the job's success.
func (e *Engine) OnComplete(h render.CompletionHook) error {
	if e.frozen.Load() {
		return ErrRegistryFrozen
	}
	e.scheduler.OnComplete(h)
	return nil
}

// Start freezes the hook registry, runs the startup phases once
// (initialize through imported), then runs the first cycle.
func (e *Engine) Start(ctx context.Context) error {
	e.frozen.Store(true)
	for _, p := range startupPhases {
		if err := e.runPhase(ctx, p, true); err != nil {
			return err
		}
	}
	return e.RequestCycle(ctx)
}

// RequestCycle is the single entry point for running a build cycle.
//
// A running cycle is cancelled first; its body holds the cycle mutex until
// its render work has drained and its cancel hooks have run, so the new
// cycle's phases cannot interleave with it. Exactly one cycle is ever
// active.
func (e *Engine) RequestCycle(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	err := e.runCycle(cctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return e.abort(cctx)
	}
	return err
}

// runCycle executes one pass through process → persist → render → finalize.
func (e *Engine) runCycle(ctx context.Context) error {
	e.logger.Debug("cycle started")

	for _, p := range []Phase{PhaseProcess, PhaseProcessed, PhasePersist, PhasePersisted} {
		if err := e.runPhase(ctx, p, true); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle cancelled before render: %w", err)
	}

	for _, p := range []Phase{PhaseBeforeRender, PhaseRender, PhaseAfterRender, PhaseFinalize, PhaseFinalized} {
		if err := e.runPhase(ctx, p, true); err != nil {
			return err
		}
	}

	e.logger.Info("cycle completed")
	return nil
}

// abort routes a cancelled cycle through cancel/cancelled instead of
// finalize/finalized. Dispatched pool jobs are drained first: in-flight
// render work cannot be killed, only waited out.
func (e *Engine) abort(ctx context.Context) error {
	e.logger.Debug("cycle cancelled, draining render jobs")
	e.scheduler.Drain()

	if err := e.runPhase(ctx, PhaseCancel, false); err != nil {
		return err
	}
	if err := e.runPhase(ctx, PhaseCancelled, false); err != nil {
		return err
	}
	e.logger.Info("cycle aborted")
	return nil
}

// TriggerSync feeds an external change notification through the sync
// coordinator and, when the aggregate verdict is to build, resets the
// debounce timer that requests the next cycle. It returns the verdict.
func (e *Engine) TriggerSync(ctx context.Context, n Notification) (bool, error) {
	relevant, err := e.Sync(ctx, n)
	if err != nil || !relevant {
		return relevant, err
	}
	e.scheduleCycle(ctx)
	return true, nil
}

// scheduleCycle resets the debounce timer. When the timer fires, a cycle is
// requested; a cycle already running at that point is cancelled by
// RequestCycle. Fatal cycle errors in watch mode leave the engine idle
// awaiting the next change.
func (e *Engine) scheduleCycle(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		// Stopping the timer does not cover a callback that already fired;
		// the pending group lets Close wait it out.
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.pending.Add(1)
		e.mu.Unlock()
		defer e.pending.Done()

		if err := e.RequestCycle(ctx); err != nil {
			e.logger.Error("cycle failed", "err", err)
		}
	})
}

// Journal write API: plugins declare intent through these; direct journal
// mutation is never exposed.

// CreateEntity records a create operation for the entity.
func (e *Engine) CreateEntity(ctx context.Context, ent *entity.Entity) error {
	return e.appendEntry(ctx, entity.OperationCreate, ent, nil, entity.Options{})
}

// UpdateEntity records an update operation for the entity.
func (e *Engine) UpdateEntity(ctx context.Context, ent *entity.Entity) error {
	return e.appendEntry(ctx, entity.OperationUpdate, ent, nil, entity.Options{})
}

// DeleteEntity records a delete operation for the entity.
func (e *Engine) DeleteEntity(ctx context.Context, ent *entity.Entity) error {
	return e.appendEntry(ctx, entity.OperationDelete, ent, nil, entity.Options{})
}

// RenderEntity records a render operation with scheduling options and an
// opaque render context.
func (e *Engine) RenderEntity(ctx context.Context, ent *entity.Entity, opts entity.Options, renderCtx map[string]any) error {
	return e.appendEntry(ctx, entity.OperationRender, ent, renderCtx, opts)
}

func (e *Engine) appendEntry(ctx context.Context, op entity.Operation, ent *entity.Entity, opCtx map[string]any, opts entity.Options) error {
	candidate := &journal.Entry{Operation: op, Entity: ent, Context: opCtx, Options: opts}
	for _, v := range e.validators {
		if !v.ops[op] {
			continue
		}
		ok, err := v.fn(ctx, candidate)
		if err != nil {
			e.logger.Warn("validation failed, dropping write", "entity", ent.ID, "operation", op, "err", err)
			return nil
		}
		if !ok {
			e.logger.Warn("validation rejected write", "entity", ent.ID, "operation", op)
			return nil
		}
	}

	if _, err := e.journal.Append(ctx, op, ent, opCtx, opts); err != nil {
		return err
	}
	return nil
}
