// Package watcher feeds external change notifications into the engine's
// sync coordinator: filesystem events on collection folders, and periodic
// trigger notifications for scheduled rebuilds. Debouncing and cycle
// requests belong to the engine; the watcher only reports what changed.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomkit/loom/internal/engine"
)

// Watcher monitors collection folders and forwards change notifications.
type Watcher struct {
	engine  *engine.Engine
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	// folder -> collection name, longest-prefix matched per event
	collections map[string]string

	wg sync.WaitGroup
}

// New creates a watcher bound to the engine.
func New(e *engine.Engine, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		engine:      e,
		logger:      logger,
		watcher:     fsw,
		collections: make(map[string]string),
	}, nil
}

// Watch registers a collection folder. Events under the folder are reported
// with the collection's name and the path relative to the folder.
//
// fsnotify watches are not recursive, so every subdirectory of the folder is
// watched individually; folders created while watching are picked up by the
// event loop.
func (w *Watcher) Watch(collection, folder string) error {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", folder, err)
	}
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		return w.watcher.Add(p)
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	w.collections[abs] = collection
	w.logger.Debug("watching", "collection", collection, "folder", abs)
	return nil
}

// Start processes filesystem events until ctx is cancelled. It blocks.
func (w *Watcher) Start(ctx context.Context) error {
	w.wg.Add(1)
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	// Dotfiles and editor temp files are not content.
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	// A folder created under a watched tree needs its own watch.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Error("failed to watch new folder", "folder", event.Name, "err", err)
			}
			return
		}
	}

	action, ok := actionFor(event.Op)
	if !ok {
		return
	}

	folder, collection := w.match(event.Name)
	if folder == "" {
		return
	}
	relativePath, err := filepath.Rel(folder, event.Name)
	if err != nil {
		relativePath = event.Name
	}

	w.logger.Debug("file event", "collection", collection, "action", action, "path", relativePath)
	synced, err := w.engine.TriggerSync(ctx, engine.Notification{
		Collection: collection,
		Action:     action,
		Context:    map[string]any{"relativePath": relativePath},
	})
	if err != nil {
		w.logger.Error("sync failed", "collection", collection, "err", err)
		return
	}
	if !synced {
		w.logger.Debug("change not relevant", "collection", collection, "path", relativePath)
	}
}

func (w *Watcher) match(path string) (folder, collection string) {
	for f, c := range w.collections {
		if strings.HasPrefix(path, f+string(filepath.Separator)) && len(f) > len(folder) {
			folder, collection = f, c
		}
	}
	return folder, collection
}

func actionFor(op fsnotify.Op) (engine.Action, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return engine.ActionCreate, true
	case op.Has(fsnotify.Write):
		return engine.ActionUpdate, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return engine.ActionDelete, true
	default:
		return "", false
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// Schedule fires trigger notifications for name at the given interval until
// ctx is cancelled. It blocks; run it on its own goroutine.
func Schedule(ctx context.Context, e *engine.Engine, logger *slog.Logger, name string, every time.Duration, payload map[string]any) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.TriggerSync(ctx, engine.Notification{
				Collection: name,
				Action:     engine.ActionTrigger,
				Context:    payload,
			}); err != nil {
				logger.Error("scheduled sync failed", "name", name, "err", err)
			}
		}
	}
}
