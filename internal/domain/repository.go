// Package domain defines the core interfaces and types for EDRS.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Uploaded datasets; the most recent one is the tenant's default dataset.
	SaveDataset(ctx context.Context, tenantID string, ds *Dataset) error
	GetDataset(ctx context.Context, tenantID string, datasetID string) (*Dataset, error)
	LatestDataset(ctx context.Context, tenantID string) (*Dataset, error)

	// Scoring runs with their priority table and error report
	SaveRun(ctx context.Context, tenantID string, run *ScoringRun) error
	GetRun(ctx context.Context, tenantID string, runID string) (*ScoringRun, error)
	LatestRun(ctx context.Context, tenantID string) (*ScoringRun, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]*ScoringRun, error)

	// Scorecard versions
	SaveScorecard(ctx context.Context, tenantID string, sc *Scorecard) error
	ActiveScorecard(ctx context.Context, tenantID string) (*Scorecard, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlitepath"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgreshost"`
	PostgresPort     int    `mapstructure:"postgresport"`
	PostgresUser     string `mapstructure:"postgresuser"`
	PostgresPassword string `mapstructure:"postgrespassword"`
	PostgresDB       string `mapstructure:"postgresdb"`
	PostgresSSLMode  string `mapstructure:"postgressslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"maxopenconns"`
	MaxIdleConns    int           `mapstructure:"maxidleconns"`
	ConnMaxLifetime time.Duration `mapstructure:"connmaxlifetime"`
}
