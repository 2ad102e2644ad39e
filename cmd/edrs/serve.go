package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/edrs/internal/api"
	"github.com/opensource-finance/edrs/internal/bus"
	"github.com/opensource-finance/edrs/internal/cache"
	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/metrics"
	"github.com/opensource-finance/edrs/internal/repository"
	"github.com/opensource-finance/edrs/internal/worker"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and web views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfg, logger, err := loadConfig(configPath, os.Stdout)
	if err != nil {
		return err
	}

	logger.Info("starting edrs",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	logger.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async", cfg.Scoring.Async,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	logger.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	logger.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	logger.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()

	sc, source, err := scorecardSource(ctx, cfg.Scoring.ScorecardPath, repo, cfg.Server.DefaultTenant)
	if err != nil {
		return err
	}
	service, err := newService(cfg, sc, m, logger)
	if err != nil {
		return err
	}
	logger.Info("scorecard loaded",
		"version", sc.Version,
		"source", source,
		"rules_count", len(sc.Rules),
		"catalog", service.Catalog().Version(),
	)

	runs := cache.NewRuns(cacheImpl, runTTL(cfg.Cache))

	var asyncWorker *worker.Worker
	if cfg.Scoring.Async {
		asyncWorker = worker.NewWorker(busImpl, repo, service, runs, logger)
		tenantIDs := workerTenants(os.Getenv("EDRS_TENANTS"), cfg.Server.DefaultTenant)
		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		logger.Info("async worker started", "tenant_count", len(tenantIDs))
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Service:     service,
		Repository:  repo,
		Cache:       cacheImpl,
		Runs:        runs,
		Bus:         busImpl,
		Metrics:     m,
		Logger:      logger,
		Version:     Version,
		Async:       cfg.Scoring.Async,
		DefaultTopN: cfg.Scoring.DefaultTopN,
		MaxUploadMB: cfg.Server.MaxUploadMB,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	logger.Info("edrs is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			logger.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("edrs shutdown complete")
	return nil
}

// workerTenants parses a comma-separated tenant list, falling back to the
// default tenant.
func workerTenants(env, defaultTenant string) []string {
	var tenants []string
	for _, t := range strings.Split(env, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	if len(tenants) == 0 && defaultTenant != "" {
		tenants = []string{defaultTenant}
	}
	return tenants
}

func runTTL(cfg domain.CacheConfig) time.Duration {
	if cfg.RemoteTTL > 0 {
		return cfg.RemoteTTL
	}
	return cfg.LocalTTL
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  EDRS - Early Delinquency Risk Score")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /                         - Priority table")
	fmt.Println("    POST /datasets                 - Upload and score a dataset")
	fmt.Println("    POST /score                    - Score accounts given as JSON")
	fmt.Println("    GET  /runs                     - List scoring runs")
	fmt.Println("    GET  /runs/{id}                - Get a run (id may be latest)")
	fmt.Println("    GET  /runs/{id}/accounts/{id}  - Get one scored account")
	fmt.Println("    GET  /runs/{id}/failures       - Get the error report")
	fmt.Println("    GET  /runs/{id}/export         - Download the workbook")
	fmt.Println("    GET  /scorecard                - Get the active scorecard")
	fmt.Println("    PUT  /scorecard                - Replace the active scorecard")
	fmt.Println("    GET  /narratives               - Get the narrative catalog")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println()
}
