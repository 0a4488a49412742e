package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codestoryhq/codestory/config"
	"github.com/codestoryhq/codestory/graph"
	"github.com/codestoryhq/codestory/llm"
	"github.com/codestoryhq/codestory/orchestrator"
	"github.com/codestoryhq/codestory/queue"
	"github.com/codestoryhq/codestory/service"
	"github.com/codestoryhq/codestory/worker"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		listen       string
		pipelinePath string
		workers      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion service",
		Long: `Run the ingestion service: the HTTP and WebSocket API, the job
scheduler, health and metrics endpoints, and (by default) one in-process
worker. Set --workers 0 for an API-only instance and scale workers
separately with "codestory worker".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, listen, pipelinePath, workers)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Bind address (default from config, :8900)")
	cmd.Flags().StringVar(&pipelinePath, "pipeline", "", "Pipeline YAML path (default: built-in pipeline)")
	cmd.Flags().IntVar(&workers, "workers", 1, "In-process worker concurrency (0 disables)")

	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, listen, pipelinePath string, workers int) error {
	logger := opts.logger()
	slog.SetDefault(logger)
	logger.Info("starting codestory", "version", Version, "build", BuildTime)

	cfg, err := opts.loadConfig(logger)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Service.Listen = listen
	}

	var pipeline *config.Pipeline
	if pipelinePath != "" {
		pipeline, err = config.LoadPipeline(pipelinePath)
		if err != nil {
			return fmt.Errorf("load pipeline: %w", err)
		}
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, q, llmClient, err := connectAdapters(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAdapters(store, q, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Queue:    q,
		Jobs:     q.JobStore(),
		Pipeline: pipeline,
		Logger:   logger,
		Liveness: cfg.Queue.LivenessWindow,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	svc, err := service.New(service.Options{
		Runner: orch,
		Events: q,
		Logger: logger,
		Checks: map[string]service.HealthCheck{
			"graph": store.CheckHealth,
			"queue": q.CheckHealth,
			"llm":   llmClient.CheckHealth,
		},
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	mux := http.NewServeMux()
	svc.RegisterHTTPHandlers("/v1", mux)
	svc.RegisterSystemHandlers(mux)

	server := &http.Server{
		Addr:              cfg.Service.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(signalCtx)

	if workers > 0 {
		w, err := worker.New(worker.Options{
			Queue:       q,
			Graph:       store,
			LLM:         llmClient,
			Logger:      logger,
			Concurrency: workers,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("service listening", "addr", cfg.Service.Listen, "workers", workers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("service stopped")
	return nil
}

// connectAdapters dials the graph store, the task queue and the LLM
// endpoint from one config.
func connectAdapters(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*graph.Store, *queue.Queue, *llm.Client, error) {
	store, err := graph.NewStore(ctx, graph.Config{
		URI:        cfg.Graph.URI,
		Username:   cfg.Graph.Username,
		Password:   cfg.Graph.Password,
		Database:   cfg.Graph.Database,
		MaxRetries: cfg.Graph.MaxRetries,
		RetryBase:  cfg.Graph.RetryBase,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	q, err := queue.Connect(ctx, queue.Config{
		URL:            cfg.Queue.URL,
		Stream:         cfg.Queue.Stream,
		ResultTTL:      cfg.Queue.ResultTTL,
		LivenessWindow: cfg.Queue.LivenessWindow,
	}, logger)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = store.Close(closeCtx)
		return nil, nil, nil, err
	}

	llmClient, err := llm.NewClient(llm.Config{
		Provider:       cfg.LLM.Provider,
		Endpoint:       cfg.LLM.Endpoint,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        cfg.LLM.Timeout,
	}, llm.WithLogger(logger))
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = store.Close(closeCtx)
		_ = q.Close()
		return nil, nil, nil, err
	}

	return store, q, llmClient, nil
}

func closeAdapters(store *graph.Store, q *queue.Queue, logger *slog.Logger) {
	if err := q.Close(); err != nil {
		logger.Warn("close queue", "error", err)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("close graph store", "error", err)
	}
}
