// Package worker scores uploaded datasets asynchronously from the EventBus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/edrs/internal/bus"
	"github.com/opensource-finance/edrs/internal/cache"
	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/pipeline"
)

// Worker consumes dataset uploads, scores them and stores the runs.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	service *pipeline.Service
	runs    *cache.Runs
	logger  *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string
}

// NewWorker creates a new async worker. runs may be nil.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, service *pipeline.Service, runs *cache.Runs, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     eventBus,
		repo:    repo,
		service: service,
		runs:    runs,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to dataset uploads of every configured tenant.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return errors.New("worker needs at least one tenant")
	}

	started := 0
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no tenant worker could be started")
	}

	w.logger.Info("workers started", "tenant_count", started)
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicDatasetUploaded, func(ctx context.Context, msg *domain.Message) error {
		return w.processDataset(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicDatasetUploaded,
	)
	return nil
}

// processDataset scores one uploaded dataset. Failures are stored as a
// failed run and announced on TopicRunFailed.
func (w *Worker) processDataset(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var event domain.DatasetUploaded
	if err := bus.Decode(msg, &event); err != nil {
		w.logger.Error("failed to parse dataset message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.logger.Debug("processing dataset",
		"tenant_id", tenantID,
		"dataset_id", event.DatasetID,
		"run_id", event.RunID,
	)

	run, err := w.score(ctx, tenantID, event)
	if err != nil {
		w.fail(ctx, tenantID, event, start, err)
		return err
	}

	if w.runs != nil {
		if err := w.runs.Put(ctx, run); err != nil {
			w.logger.Warn("failed to cache run", "run_id", run.ID, "error", err)
		}
	}

	completed := domain.RunEvent{
		RunID:     run.ID,
		DatasetID: run.DatasetID,
		Scored:    len(run.Table),
		Failed:    len(run.Failures),
	}
	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicRunCompleted, completed); err != nil {
		w.logger.Error("failed to publish run completion",
			"run_id", run.ID,
			"error", err,
		)
	}

	w.logger.Info("dataset processed",
		"tenant_id", tenantID,
		"dataset_id", event.DatasetID,
		"run_id", run.ID,
		"scored", len(run.Table),
		"failed", len(run.Failures),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) score(ctx context.Context, tenantID string, event domain.DatasetUploaded) (*domain.ScoringRun, error) {
	ds, err := w.repo.GetDataset(ctx, tenantID, event.DatasetID)
	if err != nil {
		return nil, err
	}
	run, err := w.service.ScoreDataset(ctx, ds)
	if err != nil {
		return nil, err
	}
	if event.RunID != "" {
		run.ID = event.RunID
	}
	if err := w.repo.SaveRun(ctx, tenantID, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (w *Worker) fail(ctx context.Context, tenantID string, event domain.DatasetUploaded, start time.Time, cause error) {
	w.logger.Error("dataset scoring failed",
		"tenant_id", tenantID,
		"dataset_id", event.DatasetID,
		"run_id", event.RunID,
		"error", cause,
	)

	if event.RunID != "" {
		run := &domain.ScoringRun{
			ID:               event.RunID,
			TenantID:         tenantID,
			DatasetID:        event.DatasetID,
			ScorecardVersion: w.service.Model().Version(),
			Status:           domain.RunFailed,
			Error:            cause.Error(),
			CreatedAt:        start.UTC(),
			DurationMs:       time.Since(start).Milliseconds(),
		}
		if err := w.repo.SaveRun(ctx, tenantID, run); err != nil {
			w.logger.Error("failed to save failed run", "run_id", run.ID, "error", err)
		}
	}

	failed := domain.RunEvent{RunID: event.RunID, DatasetID: event.DatasetID, Error: cause.Error()}
	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicRunFailed, failed); err != nil {
		w.logger.Error("failed to publish run failure", "run_id", event.RunID, "error", err)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
