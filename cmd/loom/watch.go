package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomkit/loom/internal/watcher"
)

var (
	watchThreads int
	watchEvery   time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Build, then rebuild on changes until interrupted",
	Long: `Run the pipeline resident: build once, then watch the collection
folders and rebuild when files change.

A burst of changes is debounced into one cycle. A change arriving while a
cycle runs aborts that cycle and starts a fresh one; in-flight render jobs
are drained first. Stop with Ctrl-C.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		if watchThreads > 0 {
			cfg.Threads = watchThreads
		}

		p, err := newPipeline(cfg, logger, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error preparing pipeline: %v\n", err)
			os.Exit(1)
		}
		defer p.Close()

		w, err := watcher.New(p.engine, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		for name, folder := range cfg.Collections {
			if err := w.Watch(name, folder); err != nil {
				fmt.Fprintf(os.Stderr, "Error watching %s: %v\n", folder, err)
				os.Exit(1)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			if err := w.Start(ctx); err != nil {
				logger.Error("watcher stopped", "err", err)
			}
		}()
		if watchEvery > 0 {
			go watcher.Schedule(ctx, p.engine, logger, "", watchEvery, nil)
		}

		if err := p.engine.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: initial build failed: %v\n", err)
			os.Exit(1)
		}
		logger.Info("watching for changes", "collections", len(cfg.Collections))

		<-ctx.Done()
		logger.Info("shutting down")
	},
}

func init() {
	watchCmd.Flags().IntVar(&watchThreads, "threads", 0, "concurrent render jobs (default from config)")
	watchCmd.Flags().DurationVar(&watchEvery, "every", 0, "also rebuild on a fixed interval (0 disables)")
}
