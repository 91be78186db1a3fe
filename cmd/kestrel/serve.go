package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/segment"
	"github.com/opensource-finance/kestrel/internal/worker"
)

func serveCmd() *cobra.Command {
	var (
		port     int
		datasets []string
		noWorker bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the pipeline workers",
		Long: `Start the Kestrel HTTP API. Unless --no-worker is set, the same
process also runs the workers that execute runs requested over the event bus.

Examples:
  kestrel serve --port 8080
  kestrel serve --datasets shop-eu,shop-us
  KESTREL_TIER=pro kestrel serve --no-worker`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(datasets, !noWorker)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default server.port)")
	cmd.Flags().StringSliceVar(&datasets, "datasets", nil, "datasets that accept runs (default server.run_datasets, then pipeline.dataset_id)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API only")

	return cmd
}

func serve(datasets []string, runWorkers bool) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
	)

	if len(datasets) > 0 {
		cfg.Server.RunDatasets = datasets
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	store, err := openArtifacts(ctx)
	if err != nil {
		return err
	}

	segments, err := segment.NewEngine(cfg.Pipeline.Workers)
	if err != nil {
		return fmt.Errorf("failed to initialize segment engine: %w", err)
	}

	var runWorker *worker.Worker
	if runWorkers {
		runner := pipeline.NewRunner(repo, store, busImpl)
		runWorker = worker.NewWorker(busImpl, runner, cacheImpl, cfg)
		if err := runWorker.Start(nil); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}

	// An in-process bus without local workers has nobody to run requests.
	var runBus domain.EventBus = busImpl
	if !runWorkers && cfg.EventBus.Type == "channel" {
		slog.Warn("channel bus without workers, POST /runs is disabled")
		runBus = nil
	}

	srv := api.NewServer(cfg, repo, cacheImpl, runBus, segments, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"workers", runWorkers,
		"run_datasets", cfg.ServedDatasets(),
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	// Stop accepting runs before the server goes away
	if runWorker != nil {
		if err := runWorker.Stop(); err != nil {
			slog.Error("failed to stop workers", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Fraud analytics pipeline")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Dataset:  %s\n", cfg.Pipeline.DatasetID)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /runs                - Enqueue a pipeline run")
	fmt.Println("    GET    /runs                - List recent runs")
	fmt.Println("    GET    /runs/{id}           - Get a run record")
	fmt.Println("    GET    /runs/{id}/features  - Top feature importances of a run")
	fmt.Println("    GET    /aggregations        - Grouped counts or means (by, measure, where)")
	fmt.Println("    GET    /rates               - Grouped means computed in the store")
	fmt.Println("    GET    /dataset             - Row count of the dataset")
	fmt.Println("    DELETE /dataset             - Drop the dataset's transactions")
	fmt.Println("    GET    /metrics             - Prometheus metrics")
	fmt.Println("    GET    /health              - Health check")
	fmt.Println()
}
