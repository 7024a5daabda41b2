// Package catalog maintains the materialized entity table: the queryable
// current state of every content entity, kept in step with the journal
// during the persist phase. The journal stays the source of truth for
// changes; the catalog only answers "what exists right now".
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/loomkit/loom/internal/entity"
	"github.com/loomkit/loom/internal/journal"
)

// Catalog is the sqlite-backed entity table.
type Catalog struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open creates or reopens the catalog database at path. Unlike the journal,
// the catalog persists across process runs; incremental builds compare
// against it. Pass ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	c := &Catalog{conn: conn, logger: logger}
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	} else {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := c.initSchema(context.Background()); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		collection TEXT,
		name TEXT,
		type TEXT,
		source TEXT,
		destination TEXT,
		checksum TEXT,
		meta TEXT,
		content TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entities_collection ON entities(collection);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);
	`
	if _, err := c.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close catalog: %w", err)
	}
	c.conn = nil
	return nil
}

// Apply streams create/update/delete entries from the journal and folds them
// into the entity table. Registered on the persist phase.
func (c *Catalog) Apply(ctx context.Context, j *journal.Journal) error {
	kinds := []entity.Operation{entity.OperationCreate, entity.OperationUpdate, entity.OperationDelete}
	return j.Stream(ctx, "catalog", kinds, func(e *journal.Entry) error {
		if e.Entity == nil {
			return nil
		}
		c.logger.Debug("catalog", "operation", e.Operation, "collection", e.Entity.Collection, "entity", e.Entity.ID)
		switch e.Operation {
		case entity.OperationDelete:
			return c.Delete(ctx, e.Entity.ID)
		default:
			return c.Upsert(ctx, e.Entity)
		}
	})
}

// Upsert inserts or replaces an entity by id.
func (c *Catalog) Upsert(ctx context.Context, ent *entity.Entity) error {
	metaJSON, err := json.Marshal(ent.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal entity meta: %w", err)
	}

	query := `
	INSERT INTO entities (id, collection, name, type, source, destination, checksum, meta, content)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		collection = excluded.collection,
		name = excluded.name,
		type = excluded.type,
		source = excluded.source,
		destination = excluded.destination,
		checksum = excluded.checksum,
		meta = excluded.meta,
		content = excluded.content
	`
	_, err = c.conn.ExecContext(ctx, query,
		ent.ID, ent.Collection, ent.Name, ent.Type, ent.Source,
		ent.Destination, ent.Checksum, string(metaJSON), ent.Content)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", ent.ID, err)
	}
	return nil
}

// Delete removes an entity by id. Deleting an unknown id is a no-op.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, err := c.conn.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// FindEntity retrieves a single entity by id. Returns (nil, nil) when the
// entity does not exist.
func (c *Catalog) FindEntity(ctx context.Context, id string) (*entity.Entity, error) {
	row := c.conn.QueryRowContext(ctx,
		`SELECT id, collection, name, type, source, destination, checksum, meta, content
		 FROM entities WHERE id = ?`, id)

	ent, err := scanEntity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entity %s: %w", id, err)
	}
	return ent, nil
}

// Filter configures FindEntities. Zero values match everything.
type Filter struct {
	Collection string
	Type       string

	// Prefix matches entity ids starting with the given string.
	Prefix string
}

// FindEntities retrieves entities matching the filter, ordered by id.
func (c *Catalog) FindEntities(ctx context.Context, filter Filter) ([]*entity.Entity, error) {
	var conditions []string
	var args []any

	if filter.Collection != "" {
		conditions = append(conditions, "collection = ?")
		args = append(args, filter.Collection)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Prefix != "" {
		conditions = append(conditions, "id LIKE ?")
		args = append(args, filter.Prefix+"%")
	}

	query := `SELECT id, collection, name, type, source, destination, checksum, meta, content FROM entities`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []*entity.Entity
	for rows.Next() {
		ent, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

func scanEntity(scan func(...any) error) (*entity.Entity, error) {
	var ent entity.Entity
	var metaJSON sql.NullString
	err := scan(&ent.ID, &ent.Collection, &ent.Name, &ent.Type, &ent.Source,
		&ent.Destination, &ent.Checksum, &metaJSON, &ent.Content)
	if err != nil {
		return nil, err
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &ent.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entity meta: %w", err)
		}
	}
	return &ent, nil
}
