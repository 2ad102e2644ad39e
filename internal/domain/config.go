package domain

import "time"

// Config holds the complete EDRS configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Scoring controls the scorecard, narrative catalog and reporting limits
	Scoring ScoringConfig `json:"scoring" mapstructure:"scoring"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"eventbus"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"readtimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"writetimeout"` // seconds

	// DefaultTenant is used when a request carries no X-Tenant-ID header.
	DefaultTenant string `json:"defaultTenant" mapstructure:"defaulttenant"`

	// MaxUploadMB bounds dataset uploads.
	MaxUploadMB int `json:"maxUploadMb" mapstructure:"maxuploadmb"`
}

// ScoringConfig holds scoring and reporting settings.
type ScoringConfig struct {
	// ScorecardPath points at a YAML scorecard; empty uses the built-in one.
	ScorecardPath string `json:"scorecardPath" mapstructure:"scorecardpath"`

	// NarrativePath points at a YAML narrative catalog; empty uses the built-in one.
	NarrativePath string `json:"narrativePath" mapstructure:"narrativepath"`

	// FlaggedBuckets is how many of the highest buckets count as flagged
	// for top sheets and backtests.
	FlaggedBuckets int `json:"flaggedBuckets" mapstructure:"flaggedbuckets"`

	// TopSheetRows caps the per-bucket top sheets of the export.
	TopSheetRows int `json:"topSheetRows" mapstructure:"topsheetrows"`

	// DefaultTopN is the table size shown when a request gives none.
	DefaultTopN int `json:"defaultTopN" mapstructure:"defaulttopn"`

	// Async scores uploads on the worker instead of inside the request.
	Async bool `json:"async" mapstructure:"async"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"servicename"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-memory cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   30,
			WriteTimeout:  60,
			DefaultTenant: "default",
			MaxUploadMB:   32,
		},
		Tier: TierCommunity,
		Scoring: ScoringConfig{
			FlaggedBuckets: 2,
			TopSheetRows:   200,
			DefaultTopN:    20,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./edrs.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 256,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "edrs",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Scoring.Async = true
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "edrs",
		PostgresSSLMode: "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   64,
		LocalTTL:       time.Minute,
		RemoteTTL:      30 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
