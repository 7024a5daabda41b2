package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomkit/loom/internal/export"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run a build cycle and export its journal as JSONL",
	Long: `Run one build cycle and dump the operation journal as JSONL, one
entry per line in operation order, before the journal is purged.

Useful for inspecting what a build decided to do: which entities changed,
what was scheduled for render, and how each render fared.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}

		var out io.Writer = os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", exportOutput, err)
				os.Exit(1)
			}
			defer f.Close()
			out = f
		}

		p, err := newPipeline(cfg, logger, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error preparing pipeline: %v\n", err)
			os.Exit(1)
		}
		defer p.Close()

		// The finalize phase still sees the full journal; finalized purges it.
		var exported int
		err = p.engine.OnFinalize(func(ctx context.Context) error {
			n, err := export.ToJSONL(ctx, p.journal, nil, out)
			exported = n
			return err
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error registering export hook: %v\n", err)
			os.Exit(1)
		}

		if err := p.engine.Start(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: build failed: %v\n", err)
			os.Exit(1)
		}
		if exportOutput != "" {
			fmt.Printf("Exported %d journal entries to %s\n", exported, exportOutput)
		}
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write JSONL to a file instead of stdout")
}
