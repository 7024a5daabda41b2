package engine

import (
	"context"
	"fmt"
)

// Verdict is a sync handler's opinion on whether an external change should
// invalidate the current build cycle.
type Verdict int

const (
	// NoOpinion means the handler does not recognize the change.
	NoOpinion Verdict = iota

	// Relevant means the change warrants a build.
	Relevant

	// Irrelevant means the change is explicitly not worth building for.
	Irrelevant
)

func (v Verdict) String() string {
	switch v {
	case Relevant:
		return "relevant"
	case Irrelevant:
		return "irrelevant"
	default:
		return "no-opinion"
	}
}

// Action is the kind of external change carried by a sync notification.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionTrigger Action = "trigger"
)

// Notification is one external change event fed to the sync coordinator.
type Notification struct {
	// Collection scopes the change to a content collection. Handlers
	// registered for a collection only see its notifications.
	Collection string

	// Action is what happened.
	Action Action

	// Context is an opaque payload for handlers (e.g. a relative path).
	Context map[string]any
}

// SyncHandler inspects a notification and returns its verdict.
type SyncHandler func(ctx context.Context, n Notification) (Verdict, error)

type syncHandler struct {
	collection string // empty means unscoped: receives every notification
	fn         SyncHandler
}

// Aggregate folds handler verdicts into a build decision: any Relevant wins;
// otherwise any Irrelevant skips; all NoOpinion defaults to building, since
// an unrecognized change is assumed worth rebuilding.
func Aggregate(verdicts []Verdict) bool {
	sawIrrelevant := false
	for _, v := range verdicts {
		switch v {
		case Relevant:
			return true
		case Irrelevant:
			sawIrrelevant = true
		}
	}
	return !sawIrrelevant
}

// Sync runs every registered sync handler for the notification and
// aggregates their verdicts. Handler errors are fatal, like any other hook
// error.
func (e *Engine) Sync(ctx context.Context, n Notification) (bool, error) {
	verdicts := make([]Verdict, 0, len(e.syncHandlers))
	for _, h := range e.syncHandlers {
		if h.collection != "" && h.collection != n.Collection {
			continue
		}
		v, err := h.fn(ctx, n)
		if err != nil {
			return false, fmt.Errorf("sync handler: %w", err)
		}
		verdicts = append(verdicts, v)
	}
	return Aggregate(verdicts), nil
}
