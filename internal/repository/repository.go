// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/edrs/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and migrates it.
func New(ctx context.Context, cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDataset stores an uploaded file with tenant isolation.
func (r *SQLRepository) SaveDataset(ctx context.Context, tenantID string, ds *domain.Dataset) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if ds.ID == "" {
		return fmt.Errorf("%w: dataset id is required", ErrInvalidInput)
	}
	if ds.UploadedAt.IsZero() {
		ds.UploadedAt = time.Now().UTC()
	}
	ds.TenantID = tenantID
	ds.Size = len(ds.Content)

	query := `
		INSERT INTO datasets (id, tenant_id, name, format, content, size, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ds.ID, tenantID, ds.Name, ds.Format, ds.Content, ds.Size, ds.UploadedAt.UTC(),
	)
	return err
}

// GetDataset retrieves a dataset by ID with tenant isolation.
func (r *SQLRepository) GetDataset(ctx context.Context, tenantID string, datasetID string) (*domain.Dataset, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	query := `
		SELECT id, tenant_id, name, format, content, size, uploaded_at
		FROM datasets
		WHERE tenant_id = ? AND id = ?
	`
	return r.scanDataset(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, datasetID))
}

// LatestDataset retrieves the tenant's most recent upload.
func (r *SQLRepository) LatestDataset(ctx context.Context, tenantID string) (*domain.Dataset, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	query := `
		SELECT id, tenant_id, name, format, content, size, uploaded_at
		FROM datasets
		WHERE tenant_id = ?
		ORDER BY uploaded_at DESC
		LIMIT 1
	`
	return r.scanDataset(r.db.QueryRowContext(ctx, r.rebind(query), tenantID))
}

func (r *SQLRepository) scanDataset(row *sql.Row) (*domain.Dataset, error) {
	var ds domain.Dataset
	err := row.Scan(&ds.ID, &ds.TenantID, &ds.Name, &ds.Format, &ds.Content, &ds.Size, &ds.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// SaveRun stores a run with its priority table and failures in one
// transaction.
func (r *SQLRepository) SaveRun(ctx context.Context, tenantID string, run *domain.ScoringRun) (err error) {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.TenantID = tenantID

	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	bands, err := json.Marshal(run.Bands)
	if err != nil {
		return fmt.Errorf("failed to encode run bands: %w", err)
	}
	flagged, err := json.Marshal(run.Flagged)
	if err != nil {
		return fmt.Errorf("failed to encode run flagged buckets: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := `
		INSERT INTO scoring_runs (
			id, tenant_id, dataset_id, scorecard_version, status, error,
			has_label, summary, bands, flagged, scored, failed, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err = tx.ExecContext(ctx, r.rebind(query),
		run.ID, tenantID, run.DatasetID, run.ScorecardVersion, run.Status, run.Error,
		boolInt(run.HasLabel), string(summary), string(bands), string(flagged), len(run.Table), len(run.Failures),
		run.DurationMs, run.CreatedAt.UTC(),
	); err != nil {
		return err
	}

	if err = r.insertRecords(ctx, tx, tenantID, run); err != nil {
		return err
	}
	if err = r.insertFailures(ctx, tx, tenantID, run); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) insertRecords(ctx context.Context, tx *sql.Tx, tenantID string, run *domain.ScoringRun) error {
	if len(run.Table) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO scored_accounts (run_id, tenant_id, position, account_id, score, bucket, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rec := range run.Table {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.Account.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, run.ID, tenantID, i, rec.Account.ID, rec.Score, string(rec.Bucket), string(data)); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLRepository) insertFailures(ctx context.Context, tx *sql.Tx, tenantID string, run *domain.ScoringRun) error {
	if len(run.Failures) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO record_failures (run_id, tenant_id, position, row_num, account_id, kind, field, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, f := range run.Failures {
		if _, err := stmt.ExecContext(ctx, run.ID, tenantID, i, f.Row, f.AccountID, f.Kind, f.Field, f.Reason); err != nil {
			return err
		}
	}
	return nil
}

const runColumns = `id, tenant_id, dataset_id, scorecard_version, status, error,
	has_label, summary, bands, flagged, scored, failed, duration_ms, created_at`

// GetRun retrieves a run and its rows by ID with tenant isolation.
func (r *SQLRepository) GetRun(ctx context.Context, tenantID string, runID string) (*domain.ScoringRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	query := `SELECT ` + runColumns + ` FROM scoring_runs WHERE tenant_id = ? AND id = ?`
	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID))
	if err != nil {
		return nil, err
	}
	return run, r.loadRows(ctx, tenantID, run)
}

// LatestRun retrieves the tenant's most recent completed run.
func (r *SQLRepository) LatestRun(ctx context.Context, tenantID string) (*domain.ScoringRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	query := `SELECT ` + runColumns + ` FROM scoring_runs
		WHERE tenant_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1`
	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, domain.RunCompleted))
	if err != nil {
		return nil, err
	}
	return run, r.loadRows(ctx, tenantID, run)
}

// ListRuns returns the newest runs first. Tables and failures are not
// loaded; use GetRun for those.
func (r *SQLRepository) ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.ScoringRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM scoring_runs
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.ScoringRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.ScoringRun, error) {
	var (
		run                   domain.ScoringRun
		datasetID, errMessage sql.NullString
		hasLabel              int
		summary, bands        string
		flagged               string
	)
	err := row.Scan(
		&run.ID, &run.TenantID, &datasetID, &run.ScorecardVersion, &run.Status, &errMessage,
		&hasLabel, &summary, &bands, &flagged, &run.Scored, &run.Failed, &run.DurationMs, &run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.DatasetID = datasetID.String
	run.Error = errMessage.String
	run.HasLabel = hasLabel == 1
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(bands), &run.Bands); err != nil {
		return nil, fmt.Errorf("failed to parse bands of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(flagged), &run.Flagged); err != nil {
		return nil, fmt.Errorf("failed to parse flagged buckets of run %s: %w", run.ID, err)
	}
	return &run, nil
}

func (r *SQLRepository) loadRows(ctx context.Context, tenantID string, run *domain.ScoringRun) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT record FROM scored_accounts
		WHERE tenant_id = ? AND run_id = ?
		ORDER BY position
	`), tenantID, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	run.Table = []domain.ScoredRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		var rec domain.ScoredRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return fmt.Errorf("failed to parse scored record of run %s: %w", run.ID, err)
		}
		run.Table = append(run.Table, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	frows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT row_num, account_id, kind, field, reason FROM record_failures
		WHERE tenant_id = ? AND run_id = ?
		ORDER BY position
	`), tenantID, run.ID)
	if err != nil {
		return err
	}
	defer frows.Close()

	run.Failures = []domain.RecordFailure{}
	for frows.Next() {
		var f domain.RecordFailure
		var accountID, field sql.NullString
		if err := frows.Scan(&f.Row, &accountID, &f.Kind, &field, &f.Reason); err != nil {
			return err
		}
		f.AccountID = accountID.String
		f.Field = field.String
		run.Failures = append(run.Failures, f)
	}
	return frows.Err()
}

// SaveScorecard stores a scorecard version and makes it the tenant's active
// one. Saving an existing version replaces it.
func (r *SQLRepository) SaveScorecard(ctx context.Context, tenantID string, sc *domain.Scorecard) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if sc.Version == "" {
		return fmt.Errorf("%w: scorecard version is required", ErrInvalidInput)
	}
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	doc, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to encode scorecard: %w", err)
	}

	query := `
		INSERT INTO scorecards (tenant_id, version, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, version) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), tenantID, sc.Version, string(doc), sc.CreatedAt.UTC(), now)
	return err
}

// ActiveScorecard returns the most recently saved scorecard of the tenant.
func (r *SQLRepository) ActiveScorecard(ctx context.Context, tenantID string) (*domain.Scorecard, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	query := `
		SELECT document FROM scorecards
		WHERE tenant_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sc domain.Scorecard
	if err := json.Unmarshal([]byte(doc), &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scorecard: %w", err)
	}
	return &sc, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Repository = (*SQLRepository)(nil)
