// Package source provides the built-in file source: it scans collection
// folders, detects created, changed, and deleted entities against the
// catalog, and declares the corresponding journal operations. Documents
// with YAML front matter contribute it as entity metadata.
package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/loomkit/loom/internal/catalog"
	"github.com/loomkit/loom/internal/checksum"
	"github.com/loomkit/loom/internal/engine"
	"github.com/loomkit/loom/internal/entity"
	"github.com/loomkit/loom/internal/frontmatter"
)

// Files is the file-backed content source.
type Files struct {
	engine       *engine.Engine
	catalog      *catalog.Catalog
	logger       *slog.Logger
	collections  map[string]string // name -> folder
	outputFolder string
}

// NewFiles creates a file source over the given collections.
func NewFiles(e *engine.Engine, cat *catalog.Catalog, logger *slog.Logger, collections map[string]string, outputFolder string) *Files {
	if logger == nil {
		logger = slog.Default()
	}
	return &Files{
		engine:       e,
		catalog:      cat,
		logger:       logger,
		collections:  collections,
		outputFolder: outputFolder,
	}
}

// Register wires the source into the engine lifecycle: entity scanning on
// process, catalog maintenance on persist, and a sync handler per
// collection.
func (f *Files) Register() error {
	if err := f.engine.OnProcess(f.process); err != nil {
		return err
	}
	if err := f.engine.OnPersist(func(ctx context.Context) error {
		return f.catalog.Apply(ctx, f.engine.Journal())
	}); err != nil {
		return err
	}
	for name := range f.collections {
		if err := f.engine.OnSync(name, f.sync); err != nil {
			return err
		}
	}
	return nil
}

// sync votes on whether a change under one of our collections warrants a
// build.
func (f *Files) sync(_ context.Context, n engine.Notification) (engine.Verdict, error) {
	if n.Action == engine.ActionTrigger {
		return engine.Relevant, nil
	}
	rel, _ := n.Context["relativePath"].(string)
	if rel == "" {
		return engine.NoOpinion, nil
	}
	if strings.HasPrefix(filepath.Base(rel), ".") || strings.HasSuffix(rel, "~") {
		return engine.Irrelevant, nil
	}
	return engine.Relevant, nil
}

// process scans every collection and journals creates, updates, and deletes
// relative to the catalog.
func (f *Files) process(ctx context.Context) error {
	for name, folder := range f.collections {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.scanCollection(ctx, name, folder); err != nil {
			return fmt.Errorf("failed to scan collection %s: %w", name, err)
		}
	}
	return nil
}

func (f *Files) scanCollection(ctx context.Context, name, folder string) error {
	present := make(map[string]bool)

	err := filepath.WalkDir(folder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // empty collection
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(folder, p)
		if err != nil {
			return err
		}
		present[entityID(name, rel)] = true
		return f.scanFile(ctx, name, folder, rel)
	})
	if err != nil {
		return err
	}

	// Entities whose source files disappeared are deleted.
	known, err := f.catalog.FindEntities(ctx, catalog.Filter{Collection: name})
	if err != nil {
		return err
	}
	for _, ent := range known {
		if present[ent.ID] {
			continue
		}
		f.logger.Debug("entity removed", "collection", name, "entity", ent.ID)
		if err := f.engine.DeleteEntity(ctx, ent); err != nil {
			return err
		}
	}
	return nil
}

func (f *Files) scanFile(ctx context.Context, name, folder, rel string) error {
	source := filepath.Join(folder, rel)
	sum, err := checksum.File(source)
	if err != nil {
		return err
	}

	id := entityID(name, rel)
	existing, err := f.catalog.FindEntity(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil && existing.Checksum == sum {
		return nil // unchanged
	}

	ent := &entity.Entity{
		ID:          id,
		Collection:  name,
		Name:        rel,
		Type:        "file",
		Source:      source,
		Destination: filepath.Join(f.outputFolder, name, rel),
		Checksum:    sum,
	}
	if isDocument(rel) {
		if err := f.readDocument(ent, source); err != nil {
			return err
		}
	}

	if existing == nil {
		f.logger.Debug("entity created", "collection", name, "entity", id)
		if err := f.engine.CreateEntity(ctx, ent); err != nil {
			return err
		}
	} else {
		f.logger.Debug("entity updated", "collection", name, "entity", id)
		if err := f.engine.UpdateEntity(ctx, ent); err != nil {
			return err
		}
	}

	return f.engine.RenderEntity(ctx, ent, entity.Options{Renderer: "copy"}, nil)
}

func (f *Files) readDocument(ent *entity.Entity, source string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", source, err)
	}
	meta, body, err := frontmatter.Split(data)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	ent.Meta = meta
	ent.Content = string(body)
	ent.Type = "document"
	return nil
}

func entityID(collection, rel string) string {
	return path.Join("/", collection, filepath.ToSlash(rel))
}

func isDocument(rel string) bool {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".md", ".markdown":
		return true
	default:
		return false
	}
}
