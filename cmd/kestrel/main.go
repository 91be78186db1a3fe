// Kestrel - Batch fraud analytics for e-commerce transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/artifact"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	configPath string
	datasetID  string
	seed       uint64

	// cfg and syncLogs are set by the root PersistentPreRunE.
	cfg      *domain.Config
	syncLogs func() error
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "kestrel",
		Short:             "Kestrel - Fraud analytics pipeline for e-commerce transactions",
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if syncLogs != nil {
				_ = syncLogs()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default kestrel.yaml if present)")
	rootCmd.PersistentFlags().StringVarP(&datasetID, "dataset", "d", "", "dataset ID (default from config)")
	rootCmd.PersistentFlags().Uint64Var(&seed, "seed", 42, "random seed for generation, split and trees")

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// setup loads configuration, applies global flag overrides and installs
// the logger.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if datasetID != "" {
		loaded.Pipeline.DatasetID = datasetID
	}
	if cmd.Flags().Changed("seed") {
		loaded.Pipeline.Seed = seed
	}

	sync, err := logging.Setup(loaded.Logging)
	if err != nil {
		return err
	}

	cfg = loaded
	syncLogs = sync

	slog.Debug("configuration loaded",
		"tier", cfg.Tier,
		"dataset_id", cfg.Pipeline.DatasetID,
		"seed", cfg.Pipeline.Seed,
		"repository", cfg.Repository.Driver,
		"artifacts", cfg.Artifacts.Type,
	)
	return nil
}

// openRepository opens the configured transaction store.
func openRepository() (domain.Repository, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	slog.Debug("repository initialized", "driver", cfg.Repository.Driver)
	return repo, nil
}

// openArtifacts opens the configured artifact store; nil when disabled.
func openArtifacts(ctx context.Context) (artifact.Store, error) {
	store, err := artifact.New(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	return store, nil
}

// exitCode distinguishes data problems from infrastructure failures.
func exitCode(err error) int {
	var (
		schemaErr       *domain.SchemaError
		insufficientErr *domain.InsufficientDataError
		storageErr      *domain.StorageError
	)
	switch {
	case errors.As(err, &schemaErr), errors.As(err, &insufficientErr):
		return 2
	case errors.As(err, &storageErr):
		return 3
	default:
		return 1
	}
}
