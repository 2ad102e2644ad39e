// Package pipeline runs a batch of accounts through scoring, narrative
// lookup and ranking, producing a scoring run with its error report.
package pipeline

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/export"
	"github.com/opensource-finance/edrs/internal/ingest"
	"github.com/opensource-finance/edrs/internal/metrics"
	"github.com/opensource-finance/edrs/internal/narrative"
	"github.com/opensource-finance/edrs/internal/priority"
	"github.com/opensource-finance/edrs/internal/rules"
)

// Service scores batches against the engine's active scorecard.
type Service struct {
	engine  *rules.Engine
	catalog *narrative.Catalog
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	flaggedBuckets int
	topSheetRows   int
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithReporting sets how many top buckets get their own export sheet and
// how many rows each holds.
func WithReporting(flaggedBuckets, topSheetRows int) Option {
	return func(s *Service) {
		s.flaggedBuckets = flaggedBuckets
		s.topSheetRows = topSheetRows
	}
}

// New creates a service. The engine must already have an active scorecard
// and the catalog must cover all of its buckets.
func New(engine *rules.Engine, catalog *narrative.Catalog, opts ...Option) (*Service, error) {
	s := &Service{
		engine:         engine,
		catalog:        catalog,
		logger:         slog.Default(),
		tracer:         otel.Tracer("edrs/pipeline"),
		now:            time.Now,
		flaggedBuckets: 2,
		topSheetRows:   200,
	}
	for _, opt := range opts {
		opt(s)
	}

	model := engine.Model()
	if model == nil {
		return nil, fmt.Errorf("engine has no active scorecard")
	}
	if err := catalog.Covers(model.Buckets()); err != nil {
		return nil, err
	}
	return s, nil
}

// Model returns the active scorecard model.
func (s *Service) Model() *rules.Model { return s.engine.Model() }

// Catalog returns the narrative catalog.
func (s *Service) Catalog() *narrative.Catalog { return s.catalog }

// SetScorecard compiles sc and activates it once the catalog is known to
// cover its buckets. On error the active scorecard is unchanged.
func (s *Service) SetScorecard(sc *domain.Scorecard) (*rules.Model, error) {
	m, err := s.PrepareScorecard(sc)
	if err != nil {
		return nil, err
	}
	s.Activate(m)
	return m, nil
}

// PrepareScorecard compiles sc and checks narrative coverage without
// activating it.
func (s *Service) PrepareScorecard(sc *domain.Scorecard) (*rules.Model, error) {
	m, err := s.engine.Compile(sc)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Covers(m.Buckets()); err != nil {
		return nil, err
	}
	return m, nil
}

// Activate switches scoring to a prepared model.
func (s *Service) Activate(m *rules.Model) {
	s.engine.Activate(m)
	s.logger.Info("scorecard activated", "version", m.Version(), "rules", len(m.Scorecard().Rules))
}

// Batch is one set of accounts to score.
type Batch struct {
	TenantID  string
	DatasetID string
	Accounts  []domain.Account

	// Failures carries rows rejected before scoring, e.g. by the file parser.
	Failures []domain.RecordFailure
	HasLabel bool
}

// Score processes the batch to completion. Invalid records are listed in the
// run's failures; a rule or narrative configuration defect aborts the batch.
func (s *Service) Score(ctx context.Context, b Batch) (*domain.ScoringRun, error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.Score",
		trace.WithAttributes(
			attribute.String("tenant_id", b.TenantID),
			attribute.Int("accounts", len(b.Accounts)),
		))
	defer span.End()

	start := s.now()
	model := s.engine.Model()

	run, err := s.score(ctx, model, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordRun(domain.RunFailed, nil, nil, time.Since(start))
		return nil, err
	}

	run.ID = uuid.New().String()
	run.TenantID = b.TenantID
	run.DatasetID = b.DatasetID
	run.ScorecardVersion = model.Version()
	run.Status = domain.RunCompleted
	run.HasLabel = b.HasLabel
	run.Scored = len(run.Table)
	run.Failed = len(run.Failures)
	run.Bands = model.Bands()
	run.Flagged = model.Flagged(s.flaggedBuckets)
	run.CreatedAt = start.UTC()
	run.DurationMs = s.now().Sub(start).Milliseconds()

	buckets := make(map[string]int)
	for _, r := range run.Table {
		buckets[string(r.Bucket)]++
	}
	kinds := make(map[string]int)
	for _, f := range run.Failures {
		kinds[f.Kind]++
	}
	s.metrics.RecordRun(domain.RunCompleted, buckets, kinds, time.Since(start))

	span.SetAttributes(
		attribute.String("run_id", run.ID),
		attribute.Int("scored", len(run.Table)),
		attribute.Int("failed", len(run.Failures)),
	)
	s.logger.Info("scoring run completed",
		"tenant_id", b.TenantID,
		"run_id", run.ID,
		"scorecard", run.ScorecardVersion,
		"scored", len(run.Table),
		"failed", len(run.Failures),
		"duration_ms", run.DurationMs,
	)
	return run, nil
}

// ScoreDataset parses an uploaded dataset and scores it. A dataset that
// cannot be read at all is an error; unreadable rows become failures.
func (s *Service) ScoreDataset(ctx context.Context, ds *domain.Dataset) (*domain.ScoringRun, error) {
	format, err := ingest.ParseFormat(ds.Format)
	if err != nil {
		return nil, err
	}
	res, err := ingest.Read(bytes.NewReader(ds.Content), format)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", ds.ID, err)
	}
	return s.Score(ctx, Batch{
		TenantID:  ds.TenantID,
		DatasetID: ds.ID,
		Accounts:  res.Accounts,
		Failures:  res.Failures,
		HasLabel:  res.HasLabel,
	})
}

func (s *Service) score(ctx context.Context, model *rules.Model, b Batch) (*domain.ScoringRun, error) {
	records := make([]domain.ScoredRecord, 0, len(b.Accounts))
	failures := slices.Clone(b.Failures)
	firstRow := make(map[string]int, len(b.Accounts))

	for i := range b.Accounts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		acc := b.Accounts[i]
		acc.ID = strings.TrimSpace(acc.ID)
		row := acc.Row
		if row == 0 {
			row = i + 1
		}

		// The first occurrence claims the identifier even when it fails
		// validation.
		if acc.ID != "" {
			if prev, dup := firstRow[acc.ID]; dup {
				failures = append(failures, domain.FailureFromValidation(row, &domain.ValidationError{
					AccountID: acc.ID,
					Field:     "id",
					Reason:    fmt.Sprintf("duplicate identifier, first seen in row %d", prev),
				}))
				continue
			}
			firstRow[acc.ID] = row
		}

		rec, err := model.Evaluate(&acc)
		if err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				failures = append(failures, domain.FailureFromValidation(row, verr))
				continue
			}
			return nil, err
		}

		n, err := s.catalog.Lookup(rec.Bucket, rec.Breach)
		if err != nil {
			return nil, err
		}
		rec.Narrative = &n
		records = append(records, rec)
	}

	assignLimitPercentiles(records)
	slices.SortStableFunc(failures, func(a, b domain.RecordFailure) int {
		return cmp.Compare(rowKey(a.Row), rowKey(b.Row))
	})

	table := priority.Build(records)
	return &domain.ScoringRun{
		Table:    table,
		Failures: failures,
		Summary:  priority.Summarize(table, model.Buckets()),
	}, nil
}

// rowKey sorts failures without a source row last.
func rowKey(row int) int {
	if row <= 0 {
		return int(^uint(0) >> 1)
	}
	return row
}

// assignLimitPercentiles ranks credit limits within the batch, averaging
// the ranks of ties, as a percentage of the batch size.
func assignLimitPercentiles(records []domain.ScoredRecord) {
	n := len(records)
	if n == 0 {
		return
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	limit := func(i int) float64 { return records[i].Features.LimitBalance }
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(limit(a), limit(b)) })

	for i := 0; i < n; {
		j := i
		for j+1 < n && limit(order[j+1]) == limit(order[i]) {
			j++
		}
		// Positions i..j share the average of 1-based ranks i+1..j+1.
		avg := float64(i+j+2) / 2
		for k := i; k <= j; k++ {
			records[order[k]].LimitPercentile = avg / float64(n) * 100
		}
		i = j + 1
	}
}

// Insight describes one scored record of run using the bucket bands the run
// was scored with.
func (s *Service) Insight(run *domain.ScoringRun, rec domain.ScoredRecord) string {
	bands := run.Bands
	if len(bands) == 0 {
		bands = s.engine.Model().Bands()
	}
	return narrative.Insight(rec, bands)
}

// Report assembles the export of a run with the flagged buckets it was
// scored with.
func (s *Service) Report(run *domain.ScoringRun) *export.Report {
	top := run.Flagged
	if len(top) == 0 {
		top = s.engine.Model().Flagged(s.flaggedBuckets)
	}
	return &export.Report{
		GeneratedAt: s.now(),
		Table:       run.Table,
		Failures:    run.Failures,
		Summary:     run.Summary,
		TopBuckets:  top,
		TopRows:     s.topSheetRows,
		HasLabel:    run.HasLabel,
	}
}

// Flagged returns the buckets that count as flagged for follow-up.
func (s *Service) Flagged() []domain.RiskBucket {
	return s.engine.Model().Flagged(s.flaggedBuckets)
}
