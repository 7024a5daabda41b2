// Package export dumps journal entries as JSONL for inspection and
// downstream tooling.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loomkit/loom/internal/entity"
	"github.com/loomkit/loom/internal/journal"
)

// Record is one exported journal entry.
type Record struct {
	ID        int64            `json:"id"`
	Operation entity.Operation `json:"operation"`
	Entity    *entity.Entity   `json:"entity,omitempty"`
	Context   map[string]any   `json:"context,omitempty"`
	Options   entity.Options   `json:"options,omitempty"`
	Output    *journal.Output  `json:"output,omitempty"`
}

// ToJSONL streams journal entries matching ops (all kinds when empty) to w,
// one JSON object per line, in id order. Returns the number of records
// written.
func ToJSONL(ctx context.Context, j *journal.Journal, ops []entity.Operation, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	count := 0
	err := j.Stream(ctx, "export", ops, func(e *journal.Entry) error {
		rec := Record{
			ID:        e.ID,
			Operation: e.Operation,
			Entity:    e.Entity,
			Context:   e.Context,
			Options:   e.Options,
			Output:    e.Output,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", e.ID, err)
		}
		count++
		return nil
	})
	return count, err
}
