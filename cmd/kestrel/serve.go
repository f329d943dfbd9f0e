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
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(loadConfig func() (*domain.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the audit API and the async worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *domain.Config) error {
	logger := config.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"reject_threshold", cfg.Audit.RejectThreshold,
	)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()
	if src, ok := cacheImpl.(metrics.StatsSource); ok {
		m.RegisterCache(src)
	}
	if src, ok := busImpl.(metrics.DropSource); ok {
		m.RegisterBus(src)
	}

	evaluator := rules.NewEvaluator(
		rules.WithWeights(cfg.Audit.WeightTable()),
		rules.WithMerchantPlaceholders(cfg.Audit.MerchantPlaceholders...),
	)

	cat := catalog.NewService(repo,
		catalog.WithCache(cacheImpl, cfg.Audit.CatalogTTL),
		catalog.WithEventBus(busImpl),
		catalog.WithEvaluator(evaluator),
		catalog.WithPresets(cfg.Audit.SeedPresets),
		catalog.WithObserver(m),
		catalog.WithLogger(logger),
	)

	processor := review.NewProcessor(cfg.Audit.RejectThreshold, "kestrel-"+Version)
	slog.Info("review processor initialized", "reject_threshold", processor.RejectThreshold)

	pipe := pipeline.New(cat, evaluator, processor,
		pipeline.WithRepository(repo),
		pipeline.WithRecorder(m),
		pipeline.WithLogger(logger),
	)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, pipe, cat, logger)
		if err := asyncWorker.Start(worker.Config{
			TenantIDs:    cfg.Worker.TenantIDs,
			WatchCatalog: true,
		}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, cat, pipe, m, Version)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		if asyncWorker != nil {
			if err := asyncWorker.Stop(); err != nil {
				slog.Error("failed to stop async worker", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	err = g.Wait()
	slog.Info("kestrel shutdown complete")
	return err
}
