// Package config loads the EDRS configuration from defaults, an optional
// YAML file and EDRS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/edrs/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. EDRS_SERVER_PORT.
const EnvPrefix = "EDRS"

// Load reads the configuration. An explicit path must exist; without one an
// edrs.yaml in the working directory is used when present. The tier preset
// (EDRS_TIER or the file's tier key) supplies the defaults.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("edrs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	preset := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		preset = domain.ProConfig()
	}
	setDefaults(v, "", reflect.ValueOf(preset).Elem())

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Tier = domain.Tier(strings.ToLower(string(cfg.Tier)))
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every leaf of the preset so that environment
// variables can override keys the file never mentions.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Validate checks that the configuration can start a server.
func Validate(cfg *domain.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Tier == domain.TierCommunity || cfg.Tier == domain.TierPro, "unknown tier %q", cfg.Tier)
	check(cfg.Server.Port > 0 && cfg.Server.Port < 65536, "server port %d out of range", cfg.Server.Port)
	check(cfg.Server.DefaultTenant != "", "server default tenant is required")
	check(cfg.Server.MaxUploadMB > 0, "server max upload must be positive")
	check(cfg.Repository.Driver == "sqlite" || cfg.Repository.Driver == "postgres",
		"unknown repository driver %q", cfg.Repository.Driver)
	check(cfg.Cache.Type == "memory" || cfg.Cache.Type == "redis", "unknown cache type %q", cfg.Cache.Type)
	check(cfg.EventBus.Type == "channel" || cfg.EventBus.Type == "nats", "unknown event bus type %q", cfg.EventBus.Type)
	check(cfg.Scoring.FlaggedBuckets >= 0, "flagged bucket count must not be negative")
	check(cfg.Scoring.TopSheetRows > 0, "top sheet rows must be positive")
	check(cfg.Scoring.DefaultTopN >= 0, "default top n must not be negative")
	_, err := ParseLevel(cfg.Logging.Level)
	check(err == nil, "unknown log level %q", cfg.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
