package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/loomkit/loom/internal/catalog"
	"github.com/loomkit/loom/internal/config"
	"github.com/loomkit/loom/internal/engine"
	"github.com/loomkit/loom/internal/journal"
	"github.com/loomkit/loom/internal/progress"
	"github.com/loomkit/loom/internal/source"
)

// pipeline bundles the collaborators one loom run wires together.
type pipeline struct {
	config  *config.Config
	logger  *slog.Logger
	journal *journal.Journal
	catalog *catalog.Catalog
	engine  *engine.Engine
}

// newPipeline opens the journal and catalog, constructs the engine, and
// registers the file source over the configured collections.
func newPipeline(cfg *config.Config, logger *slog.Logger, watch bool) (*pipeline, error) {
	if cfg.Clear {
		logger.Info("clearing output and runtime folders")
		if err := os.RemoveAll(cfg.OutputFolder); err != nil {
			return nil, fmt.Errorf("failed to clear output folder: %w", err)
		}
		if err := os.RemoveAll(cfg.RuntimeFolder); err != nil {
			return nil, fmt.Errorf("failed to clear runtime folder: %w", err)
		}
	}

	j, err := journal.Open(cfg.JournalPath(), &journal.Config{
		Logger:  logger,
		Tracker: progress.New(logger),
	})
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.CatalogPath(), logger)
	if err != nil {
		_ = j.Close()
		return nil, err
	}

	e := engine.New(j, &engine.Config{
		Logger:   logger,
		Threads:  cfg.Threads,
		Debounce: cfg.Debounce,
		Watch:    watch,
		Renderer: source.CopyRenderer(),
	})

	files := source.NewFiles(e, cat, logger, cfg.Collections, cfg.OutputFolder)
	if err := files.Register(); err != nil {
		e.Close()
		_ = cat.Close()
		_ = j.Close()
		return nil, err
	}

	return &pipeline{config: cfg, logger: logger, journal: j, catalog: cat, engine: e}, nil
}

// Close releases the pipeline's resources. The journal may already be
// released by a one-shot finalize; closing twice is safe.
func (p *pipeline) Close() {
	p.engine.Close()
	if err := p.catalog.Close(); err != nil {
		p.logger.Error("failed to close catalog", "err", err)
	}
	_ = p.journal.Close()
}
