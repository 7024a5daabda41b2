// Package render schedules the execution of render-kind journal entries:
// deduplicated by (entity id, destination), dispatched under a bounded
// concurrency limit using one of three strategies (inline, pool, queue),
// cooperatively cancellable, with per-job failure isolation.
package render

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomkit/loom/internal/entity"
	"github.com/loomkit/loom/internal/journal"
)

// defaultThreads bounds concurrent render jobs when no thread count is set.
const defaultThreads = 4

// Job is one unit of render work, derived from a journal entry for the
// duration of the render phase.
type Job struct {
	EntryID int64
	Entity  *entity.Entity
	Options entity.Options
	Context map[string]any
}

// Func is the render execution collaborator: it produces an opaque result
// payload for an entity or returns an error. The scheduler does not
// interpret the payload.
type Func func(ctx context.Context, job *Job, logger *slog.Logger) (map[string]any, error)

// CompletionHook runs after a job's render function returns. renderErr is
// the render function's error, nil on success. A non-nil return vetoes the
// job's success.
type CompletionHook func(ctx context.Context, job *Job, output map[string]any, renderErr error) error

// Scheduler executes the render entries produced during one cycle.
type Scheduler struct {
	journal     *journal.Journal
	render      Func
	logger      *slog.Logger
	threads     int
	completions []CompletionHook

	pool    *Pool
	queueMu sync.Mutex
}

// NewScheduler creates a scheduler with a worker pool of the given size.
func NewScheduler(j *journal.Journal, render Func, threads int, logger *slog.Logger) *Scheduler {
	if threads <= 0 {
		threads = defaultThreads
	}
	return &Scheduler{
		journal: j,
		render:  render,
		logger:  logger,
		threads: threads,
		pool:    NewPool(threads, render, logger),
	}
}

// OnComplete registers a completion hook. Hooks run for every executed job,
// in registration order.
func (s *Scheduler) OnComplete(h CompletionHook) {
	s.completions = append(s.completions, h)
}

// Run streams render entries from the journal and executes them.
//
// Dispatch order follows journal order; completion order is unconstrained.
// Within one run, only the first entry per (entity id, destination) identity
// executes; later duplicates are marked succeeded without execution. A
// cancelled ctx stops dispatching at the next journal batch boundary and the
// cancellation error is returned after in-flight jobs are waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.render == nil {
		s.logger.Debug("no renderer registered, skipping render phase")
		return nil
	}

	seen := make(map[string]bool)
	var g errgroup.Group
	g.SetLimit(s.threads)

	streamErr := s.journal.Stream(ctx, "render", []entity.Operation{entity.OperationRender}, func(e *journal.Entry) error {
		if e.Entity == nil || e.Options.Ignore {
			return nil
		}
		identity := e.Entity.ID + ":" + e.Entity.Destination
		if seen[identity] {
			// Duplicates are optimistically marked succeeded even if the
			// first occurrence of the identity ultimately fails: both refer
			// to the same output artifact.
			success := true
			return s.journal.Update(context.WithoutCancel(ctx), e.ID,
				journal.Patch{Output: &journal.Output{Success: &success}})
		}
		seen[identity] = true

		entry := e
		g.Go(func() error {
			s.runJob(ctx, entry)
			return nil
		})
		return nil
	})

	// Job errors are isolated inside runJob; Wait only synchronizes.
	_ = g.Wait()
	return streamErr
}

func (s *Scheduler) runJob(ctx context.Context, e *journal.Entry) {
	job := &Job{EntryID: e.ID, Entity: e.Entity, Options: e.Options, Context: e.Context}

	jctx := ctx
	if !e.Options.IsAbortable() {
		jctx = context.WithoutCancel(ctx)
	}

	var (
		out map[string]any
		err error
	)
	switch e.Options.Strategy {
	case entity.StrategyInline:
		out, err = s.invokeInline(jctx, job)
	case entity.StrategyQueue:
		s.queueMu.Lock()
		out, err = s.invokeInline(jctx, job)
		s.queueMu.Unlock()
	default:
		out, err = s.pool.Run(jctx, job)
	}

	if err != nil && errors.Is(err, context.Canceled) {
		// Expected under cancellation: the entry is left without a success
		// flag and no error is logged.
		s.logger.Debug("render cancelled", "entity", job.Entity.ID)
		return
	}

	success := err == nil
	if err != nil {
		s.logger.Error("render error",
			"entity", job.Entity.ID, "destination", job.Entity.Destination, "err", err)
	}
	for _, hook := range s.completions {
		if herr := hook(jctx, job, out, err); herr != nil {
			success = false
			s.logger.Error("render completion rejected", "entity", job.Entity.ID, "err", herr)
		}
	}

	patch := journal.Patch{Output: &journal.Output{Success: &success, Data: out}}
	if uerr := s.journal.Update(context.WithoutCancel(ctx), e.ID, patch); uerr != nil {
		s.logger.Error("failed to record render output", "entity", job.Entity.ID, "err", uerr)
	}
	if success {
		s.logger.Debug("rendered",
			"renderer", e.Options.Renderer, "entity", job.Entity.ID, "destination", job.Entity.Destination)
	}
}

func (s *Scheduler) invokeInline(ctx context.Context, job *Job) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.render(ctx, job, s.logger)
}

// Drain waits for already-dispatched pool jobs to finish. The cycle
// controller calls this before running cancel hooks so two cycles' render
// jobs never write output concurrently.
func (s *Scheduler) Drain() {
	s.pool.Drain()
}

// Close shuts down the worker pool.
func (s *Scheduler) Close() {
	s.pool.Close()
}
