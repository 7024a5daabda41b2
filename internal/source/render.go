package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loomkit/loom/internal/render"
)

// CopyRenderer returns the default render function: it materializes an
// entity at its destination. Documents write their front-matter-stripped
// body; plain files are copied byte for byte.
func CopyRenderer() render.Func {
	return func(ctx context.Context, job *render.Job, logger *slog.Logger) (map[string]any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ent := job.Entity
		if ent.Destination == "" {
			return nil, fmt.Errorf("entity %s has no destination", ent.ID)
		}
		if err := os.MkdirAll(filepath.Dir(ent.Destination), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output folder: %w", err)
		}

		var written int64
		if ent.Type == "document" {
			if err := os.WriteFile(ent.Destination, []byte(ent.Content), 0o644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", ent.Destination, err)
			}
			written = int64(len(ent.Content))
		} else {
			n, err := copyFile(ent.Source, ent.Destination)
			if err != nil {
				return nil, err
			}
			written = n
		}

		logger.Debug("wrote artifact", "entity", ent.ID, "destination", ent.Destination, "bytes", written)
		return map[string]any{"destination": ent.Destination, "bytes": written}, nil
	}
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("failed to copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return n, nil
}
