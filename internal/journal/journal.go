// Package journal provides the durable operation journal backing the build
// pipeline: an append-only sqlite log of entity mutations (create, update,
// delete, render) that phases stream in id order and the render scheduler
// writes results back to.
//
// The database runs embedded (ncruces/go-sqlite3) with WAL for concurrent
// render-job completions. All mutation goes through Append and Update;
// callers never touch rows directly.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/loomkit/loom/internal/entity"
	"github.com/loomkit/loom/internal/progress"
)

// defaultBatchSize bounds how many rows a stream materializes at once.
const defaultBatchSize = 1000

// Entry is one journal row. Rows are owned by the journal; plugins only see
// them through Stream and mutate them through Update.
type Entry struct {
	ID        int64
	Operation entity.Operation
	Entity    *entity.Entity
	Context   map[string]any
	Options   entity.Options
	Output    *Output
}

// Output is the recorded outcome of a render entry.
type Output struct {
	Success *bool          `json:"success,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Patch is a partial update applied to an entry by id. Nil fields are left
// untouched.
type Patch struct {
	Entity *entity.Entity
	Output *Output
}

// Config holds journal configuration.
type Config struct {
	// Logger for journal activity. Defaults to slog.Default().
	Logger *slog.Logger

	// Tracker receives stream totals and increments. Defaults to a no-op.
	Tracker progress.Tracker

	// BatchSize overrides the stream batch size. Used by tests.
	BatchSize int
}

// Journal is the durable operation log.
type Journal struct {
	conn    *sql.DB
	path    string
	logger  *slog.Logger
	tracker progress.Tracker
	batch   int

	fetches atomic.Int64 // batch queries issued, for tests
}

// Open creates a fresh journal database at path. Any journal left over from
// a previous process is discarded; non-abortable entries only survive cycle
// cancellation within one process lifetime.
//
// Pass ":memory:" for an in-memory journal (tests).
func Open(path string, config *Config) (*Journal, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Tracker == nil {
		config.Tracker = progress.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale journal: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{
		conn:    conn,
		path:    path,
		logger:  config.Logger,
		tracker: config.Tracker,
		batch:   config.BatchSize,
	}

	if path == ":memory:" {
		// A second connection would see a different in-memory database.
		conn.SetMaxOpenConns(1)
	} else {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := j.initSchema(context.Background()); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		entity TEXT,
		context TEXT,
		options TEXT,
		output TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_operations_operation ON operations(operation);
	`
	if _, err := j.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	if j.conn == nil {
		return nil
	}
	if err := j.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	j.conn = nil
	return nil
}

// Release closes the journal and deletes its backing file. Used in one-shot
// (non-watch) mode after a clean finalize.
func (j *Journal) Release() error {
	if err := j.Close(); err != nil {
		return err
	}
	if j.path == ":memory:" {
		return nil
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release journal storage: %w", err)
	}
	return nil
}

// Append records a new entry and returns its id. Ids are strictly increasing
// and define replay order.
func (j *Journal) Append(ctx context.Context, op entity.Operation, ent *entity.Entity, opCtx map[string]any, opts entity.Options) (int64, error) {
	entityJSON, err := json.Marshal(ent)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal entity: %w", err)
	}
	contextJSON, err := json.Marshal(opCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal context: %w", err)
	}
	optionsJSON, err := json.Marshal(opts)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal options: %w", err)
	}

	res, err := j.conn.ExecContext(ctx,
		`INSERT INTO operations (operation, entity, context, options) VALUES (?, ?, ?, ?)`,
		string(op), string(entityJSON), string(contextJSON), string(optionsJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to append journal entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read journal entry id: %w", err)
	}
	return id, nil
}

// Update merges a partial patch into an entry by id. Updating an unknown id
// is a logged no-op, not an error: render completions may race a purge.
func (j *Journal) Update(ctx context.Context, id int64, patch Patch) error {
	var sets []string
	var args []any

	if patch.Entity != nil {
		entityJSON, err := json.Marshal(patch.Entity)
		if err != nil {
			return fmt.Errorf("failed to marshal entity: %w", err)
		}
		sets = append(sets, "entity = ?")
		args = append(args, string(entityJSON))
	}
	if patch.Output != nil {
		outputJSON, err := json.Marshal(patch.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, string(outputJSON))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := j.conn.ExecContext(ctx,
		"UPDATE operations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update journal entry %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		j.logger.Warn("journal update for unknown entry", "id", id)
	}
	return nil
}

// Count returns the number of entries matching the given operation kinds.
// An empty kind set matches everything.
func (j *Journal) Count(ctx context.Context, ops []entity.Operation) (int64, error) {
	query, args := buildFilter("SELECT COUNT(*) FROM operations", ops)
	var total int64
	if err := j.conn.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count journal entries: %w", err)
	}
	return total, nil
}

// Stream calls fn for every entry matching ops, ordered by id, fetching
// fixed-size batches to bound memory. The total matching count is reported
// to the progress tracker before the first entry is delivered.
//
// If ctx is cancelled, the stream stops at the next batch boundary and
// returns the cancellation error; callers must treat that as a distinct
// "cancelled mid-iteration" outcome, not end-of-stream. A non-nil error from
// fn also stops the stream and is returned as-is.
func (j *Journal) Stream(ctx context.Context, label string, ops []entity.Operation, fn func(*Entry) error) error {
	total, err := j.Count(ctx, ops)
	if err != nil {
		return err
	}
	j.tracker.Start(label, total)
	defer j.tracker.Stop()
	if total == 0 {
		return nil
	}

	query, args := buildFilter(
		`SELECT id, operation, entity, context, options, output FROM operations`, ops)
	query += " ORDER BY id LIMIT ? OFFSET ?"

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("journal stream %q cancelled: %w", label, err)
		}

		entries, err := j.fetchBatch(ctx, query, args, offset)
		if err != nil {
			return err
		}
		for _, e := range entries {
			j.tracker.Increment()
			if err := fn(e); err != nil {
				return err
			}
		}
		offset += len(entries)
		// The count taken above bounds the fetches: a total that divides
		// evenly into batches must not cost an extra empty query.
		if len(entries) < j.batch || int64(offset) >= total {
			return nil
		}
	}
}

func (j *Journal) fetchBatch(ctx context.Context, query string, args []any, offset int) ([]*Entry, error) {
	j.fetches.Add(1)

	batchArgs := append(append([]any{}, args...), j.batch, offset)
	rows, err := j.conn.QueryContext(ctx, query, batchArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e           Entry
			op          string
			entityJSON  sql.NullString
			contextJSON sql.NullString
			optionsJSON sql.NullString
			outputJSON  sql.NullString
		)
		if err := rows.Scan(&e.ID, &op, &entityJSON, &contextJSON, &optionsJSON, &outputJSON); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Operation = entity.Operation(op)

		// Corrupted stored JSON is fatal: a broken durable log is not
		// something the engine tries to repair.
		if err := unmarshalColumn(entityJSON, &e.Entity); err != nil {
			return nil, fmt.Errorf("corrupt journal entity (entry %d): %w", e.ID, err)
		}
		if err := unmarshalColumn(contextJSON, &e.Context); err != nil {
			return nil, fmt.Errorf("corrupt journal context (entry %d): %w", e.ID, err)
		}
		if err := unmarshalColumn(optionsJSON, &e.Options); err != nil {
			return nil, fmt.Errorf("corrupt journal options (entry %d): %w", e.ID, err)
		}
		if err := unmarshalColumn(outputJSON, &e.Output); err != nil {
			return nil, fmt.Errorf("corrupt journal output (entry %d): %w", e.ID, err)
		}

		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}
	return entries, nil
}

// Purge deletes journal entries at cycle finalization.
//
// After a clean finalize (aborted=false) everything is removed. After a
// cancelled cycle (aborted=true) entries explicitly marked abortable=false
// survive and are the first entries the next cycle sees.
func (j *Journal) Purge(ctx context.Context, aborted bool) error {
	query := `DELETE FROM operations`
	if aborted {
		query += ` WHERE COALESCE(json_extract(options, '$.abortable'), 1) != 0`
	}
	if _, err := j.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to purge journal: %w", err)
	}
	return nil
}

func buildFilter(query string, ops []entity.Operation) (string, []any) {
	if len(ops) == 0 {
		return query, nil
	}
	placeholders := make([]string, len(ops))
	args := make([]any, len(ops))
	for i, op := range ops {
		placeholders[i] = "?"
		args[i] = string(op)
	}
	return query + " WHERE operation IN (" + strings.Join(placeholders, ", ") + ")", args
}

func unmarshalColumn[T any](col sql.NullString, dst *T) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
