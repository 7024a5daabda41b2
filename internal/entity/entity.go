// Package entity defines the content entity payload that moves through the
// build pipeline, along with the operation kinds recorded in the journal and
// the options that control how an entity is rendered.
package entity

// Operation identifies the kind of mutation recorded for an entity.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationRender Operation = "render"
)

// Strategy selects how a render job is executed.
type Strategy string

const (
	// StrategyInline runs the render function on the scheduler's own
	// goroutine.
	StrategyInline Strategy = "inline"

	// StrategyPool dispatches the job to the fixed-size worker pool.
	// This is the default when no strategy is set.
	StrategyPool Strategy = "pool"

	// StrategyQueue runs inline but serialized behind every other
	// queue-strategy job.
	StrategyQueue Strategy = "queue"
)

// Entity is one unit of content. The engine treats it as an opaque payload;
// only ID and Destination participate in orchestration (render job identity).
type Entity struct {
	ID          string         `json:"id"`
	Collection  string         `json:"collection,omitempty"`
	Name        string         `json:"name,omitempty"`
	Type        string         `json:"type,omitempty"`
	Source      string         `json:"source,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	Content     string         `json:"content,omitempty"`
}

// Options control scheduling and cancellation of a journal entry.
type Options struct {
	// Abortable marks whether the entry may be discarded when its cycle is
	// cancelled. Nil means true; entries explicitly marked non-abortable
	// survive an aborted cycle's purge and are replayed by the next cycle.
	Abortable *bool `json:"abortable,omitempty"`

	// Strategy selects the render execution strategy.
	Strategy Strategy `json:"strategy,omitempty"`

	// Renderer names the render collaborator responsible for this entity.
	Renderer string `json:"renderer,omitempty"`

	// Ignore excludes the entry from render scheduling entirely.
	Ignore bool `json:"ignore,omitempty"`
}

// IsAbortable reports whether the entry may be dropped on cancellation.
func (o Options) IsAbortable() bool {
	return o.Abortable == nil || *o.Abortable
}

// NonAbortable returns options marked as surviving cancellation.
func NonAbortable() Options {
	f := false
	return Options{Abortable: &f}
}
