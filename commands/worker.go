package commands

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codestoryhq/codestory/worker"
)

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone ingestion worker",
		Long: `Run a worker that consumes ingestion tasks from the queue. Any number
of workers may run against the same queue; each task is claimed by
exactly one of them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), opts, concurrency)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "How many tasks run side by side")

	return cmd
}

func runWorker(ctx context.Context, opts *rootOptions, concurrency int) error {
	logger := opts.logger()
	slog.SetDefault(logger)

	cfg, err := opts.loadConfig(logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, q, llmClient, err := connectAdapters(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAdapters(store, q, logger)

	w, err := worker.New(worker.Options{
		Queue:       q,
		Graph:       store,
		LLM:         llmClient,
		Logger:      logger,
		Concurrency: concurrency,
	})
	if err != nil {
		return err
	}

	if err := w.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
