package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/workstead/provisioner/config"
	"github.com/workstead/provisioner/internal/adapters/reaper"
	"github.com/workstead/provisioner/internal/adapters/worker"
)

// WorkerRunConfig contains configuration for the batch worker pool.
type WorkerRunConfig struct {
	Services ServiceContainer
	Worker   config.WorkerConfig
	Cache    config.CacheConfig
	Logger   *slog.Logger
}

// RunWorker starts the batch worker pool and blocks until it stops.
func RunWorker(ctx context.Context, cfg WorkerRunConfig) error {
	if cfg.Services.Repos == nil {
		return errors.New("repositories are required")
	}

	runner, err := worker.NewRunner(worker.RunnerOptions{
		Tasks:             cfg.Services.Tasks,
		Ledger:            cfg.Services.Ledger,
		LedgerSrc:         cfg.Services.Repos.Ledger,
		Resolver:          cfg.Services.Resolver,
		Processor:         cfg.Services.Processor,
		Cache:             cfg.Services.Repos.Cache,
		Lease:             cfg.Worker.TaskLease,
		Concurrency:       cfg.Worker.Concurrency,
		RecordParallelism: cfg.Worker.RecordParallelism,
		MarkerTTL:         cfg.Cache.RecordMarkerTTL,
		Logger:            cfg.Logger,
		Metrics:           cfg.Services.Observability.MetricsSink,
	})
	if err != nil {
		return fmt.Errorf("create worker runner: %w", err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run worker: %w", runErr)
	}
	return nil
}

// ReaperRunConfig contains configuration for the lease reaper.
type ReaperRunConfig struct {
	Services ServiceContainer
	Config   config.ReaperConfig
	Logger   *slog.Logger
}

// RunReaper starts the lease reaper and blocks until it stops.
func RunReaper(ctx context.Context, cfg ReaperRunConfig) error {
	if cfg.Services.Repos == nil {
		return errors.New("repositories are required")
	}

	sweeper, err := reaper.New(reaper.Options{
		Tasks:   cfg.Services.Repos.Tasks,
		Ledger:  cfg.Services.Ledger,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Services.Observability.MetricsSink,
	})
	if err != nil {
		return fmt.Errorf("create reaper: %w", err)
	}

	if runErr := sweeper.Run(ctx); runErr != nil {
		return fmt.Errorf("run reaper: %w", runErr)
	}
	return nil
}
