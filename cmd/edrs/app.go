package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/opensource-finance/edrs/internal/config"
	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/metrics"
	"github.com/opensource-finance/edrs/internal/narrative"
	"github.com/opensource-finance/edrs/internal/pipeline"
	"github.com/opensource-finance/edrs/internal/repository"
	"github.com/opensource-finance/edrs/internal/rules"
)

// loadConfig reads the configuration and installs the process logger
// writing to w.
func loadConfig(path string, w io.Writer) (*domain.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(w, cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// scorecardSource picks the scorecard to start with: an explicit file wins,
// then the tenant's stored scorecard, then the built-in one.
func scorecardSource(ctx context.Context, path string, repo domain.Repository, tenantID string) (*domain.Scorecard, string, error) {
	if path != "" {
		sc, err := rules.LoadScorecardFile(path)
		return sc, path, err
	}
	if repo != nil {
		sc, err := repo.ActiveScorecard(ctx, tenantID)
		switch {
		case err == nil:
			return sc, "repository", nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, "", fmt.Errorf("failed to load stored scorecard: %w", err)
		}
	}
	return rules.DefaultScorecard(), "built-in", nil
}

// newService builds the scoring pipeline around sc and the configured catalog.
func newService(cfg *domain.Config, sc *domain.Scorecard, m *metrics.Metrics, logger *slog.Logger) (*pipeline.Service, error) {
	engine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}
	if _, err := engine.Load(sc); err != nil {
		return nil, fmt.Errorf("scorecard %s: %w", sc.Version, err)
	}

	catalog, err := narrative.LoadFile(cfg.Scoring.NarrativePath)
	if err != nil {
		return nil, err
	}

	return pipeline.New(engine, catalog,
		pipeline.WithMetrics(m),
		pipeline.WithLogger(logger),
		pipeline.WithReporting(cfg.Scoring.FlaggedBuckets, cfg.Scoring.TopSheetRows),
	)
}
