package engine

import (
	"context"
	"fmt"
	"sync"
)

// Phase names one stage of the fixed lifecycle sequence.
type Phase string

const (
	PhaseInitialize  Phase = "initialize"
	PhaseInitialized Phase = "initialized"
	PhaseLoad        Phase = "load"
	PhaseLoaded      Phase = "loaded"
	PhaseImport      Phase = "import"
	PhaseImported    Phase = "imported"

	PhaseProcess      Phase = "process"
	PhaseProcessed    Phase = "processed"
	PhasePersist      Phase = "persist"
	PhasePersisted    Phase = "persisted"
	PhaseBeforeRender Phase = "beforeRender"
	PhaseRender       Phase = "render"
	PhaseAfterRender  Phase = "afterRender"
	PhaseFinalize     Phase = "finalize"
	PhaseFinalized    Phase = "finalized"

	PhaseCancel    Phase = "cancel"
	PhaseCancelled Phase = "cancelled"
)

// startupPhases run exactly once per process lifetime, before the first
// cycle.
var startupPhases = []Phase{
	PhaseInitialize, PhaseInitialized,
	PhaseLoad, PhaseLoaded,
	PhaseImport, PhaseImported,
}

// Hook is a lifecycle callback. The context is the owning cycle's
// cancellation token; hooks check it at their own safe points.
type Hook func(ctx context.Context) error

// Once wraps a hook so that only its first invocation across the process
// lifetime executes; later calls are silently ignored.
func Once(h Hook) Hook {
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() { err = h(ctx) })
		return err
	}
}

// runPhase invokes the phase's hooks in registration order, each awaited to
// completion before the next.
//
// With checkCancel set, a signaled context stops dispatch before the next
// hook and the cancellation error is returned; cancellation is all-or-nothing
// per phase, never mid-hook. The cancel/cancelled phases run with checkCancel
// off since they execute precisely when the token is signaled.
func (e *Engine) runPhase(ctx context.Context, p Phase, checkCancel bool) error {
	for _, h := range e.hooks[p] {
		if checkCancel {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("phase %s cancelled: %w", p, err)
			}
		}
		if err := h(ctx); err != nil {
			return fmt.Errorf("%s hook: %w", p, err)
		}
	}
	return nil
}
