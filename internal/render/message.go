package render

import (
	"context"
	"log/slog"
)

// Message is the typed envelope crossing back from pool workers. Workers
// have no direct access to the orchestrator's logger, so both log records
// and render results travel over the same channel and are decoded by a
// single dispatcher.
type Message interface {
	isMessage()
}

// LogRecord carries a worker log statement.
type LogRecord struct {
	Level   slog.Level
	Message string
	Args    []any
}

func (LogRecord) isMessage() {}

// RenderResult carries a finished job's outcome back to its waiter.
type RenderResult struct {
	EntryID int64
	Output  map[string]any
	Err     error
}

func (RenderResult) isMessage() {}

// chanHandler is a slog.Handler that forwards records as LogRecord messages.
// Pool workers log through it.
type chanHandler struct {
	msgs  chan<- Message
	attrs []slog.Attr
}

func (h *chanHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *chanHandler) Handle(_ context.Context, r slog.Record) error {
	args := make([]any, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		args = append(args, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		args = append(args, a)
		return true
	})
	h.msgs <- LogRecord{Level: r.Level, Message: r.Message, Args: args}
	return nil
}

func (h *chanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &chanHandler{msgs: h.msgs, attrs: merged}
}

func (h *chanHandler) WithGroup(string) slog.Handler { return h }
