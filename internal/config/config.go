// Package config provides typed configuration for the kline ingestion
// pipeline: store location, request pacing, display timezone and logging.
// Values load from a YAML file with environment variable overrides; every
// component receives its configuration explicitly, there is no process-wide
// mutable state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/johnayoung/go-kline-ingest/internal/errs"
	"github.com/johnayoung/go-kline-ingest/internal/exchange"
)

// StoreConfig configures the persisted CSV store.
type StoreConfig struct {
	// PathTemplate is the store file path with {symbol} and {interval}
	// placeholders, e.g. "data/{symbol}_{interval}.csv".
	PathTemplate string `yaml:"path"`
}

// RequestConfig configures the remote kline source client.
type RequestConfig struct {
	BaseURL    string `yaml:"base_url"`
	KlinesPath string `yaml:"klines_path"`
	// Limit is the page size, capped by the source at 1000.
	Limit int `yaml:"limit"`
	// Pause is the inter-page delay, e.g. "200ms".
	Pause string `yaml:"pause"`
	// Timeout bounds a single page request, e.g. "30s".
	Timeout string `yaml:"timeout"`
	// MaxRetries bounds retries of a page request on transient failures.
	MaxRetries int `yaml:"max_retries"`
}

// PauseDuration returns the parsed inter-page delay.
func (r *RequestConfig) PauseDuration() (time.Duration, error) {
	return parseDurationField("request.pause", r.Pause)
}

// TimeoutDuration returns the parsed request timeout.
func (r *RequestConfig) TimeoutDuration() (time.Duration, error) {
	return parseDurationField("request.timeout", r.Timeout)
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Level    string `yaml:"level"`  // debug, info, warn, error
	Format   string `yaml:"format"` // text or json
	Output   string `yaml:"output"` // stdout, stderr or file
	FilePath string `yaml:"file_path"`
	// Rotation settings, used when Output is "file".
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// AppConfig is the complete application configuration.
type AppConfig struct {
	Store   StoreConfig   `yaml:"store"`
	Request RequestConfig `yaml:"request"`
	// Timezone is the display timezone for stored timestamps; empty means UTC.
	Timezone string        `yaml:"timezone"`
	Logging  LoggingConfig `yaml:"logging"`
}

// Default returns the configuration used when no file or override supplies a
// value.
func Default() *AppConfig {
	return &AppConfig{
		Store: StoreConfig{
			PathTemplate: "data/{symbol}_{interval}.csv",
		},
		Request: RequestConfig{
			Limit:      exchange.MaxPageLimit,
			Pause:      "200ms",
			Timeout:    "30s",
			MaxRetries: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads the YAML file at path, fills unset fields with defaults, applies
// environment overrides and validates the result. A missing file is not an
// error; defaults plus environment apply.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errs.NewConfigError("config", fmt.Sprintf("read %s: %v", path, err))
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.NewConfigError("config", fmt.Sprintf("parse %s: %v", path, err))
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. The variable names match
// the ones the source client historically honored.
func (c *AppConfig) applyEnv() {
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		c.Request.BaseURL = v
	}
	if v := os.Getenv("BINANCE_KLINES_PATH"); v != "" {
		c.Request.KlinesPath = v
	}
	if v := os.Getenv("KLINE_STORE_PATH"); v != "" {
		c.Store.PathTemplate = v
	}
	if v := os.Getenv("KLINE_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("KLINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KLINE_REQUEST_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Request.Limit = n
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *AppConfig) Validate() error {
	if c.Store.PathTemplate == "" {
		return errs.NewConfigError("store.path", "path template cannot be empty")
	}
	if c.Request.Limit <= 0 || c.Request.Limit > exchange.MaxPageLimit {
		return errs.NewConfigError("request.limit",
			fmt.Sprintf("page limit must be in 1..%d, got %d", exchange.MaxPageLimit, c.Request.Limit))
	}
	if c.Request.MaxRetries < 0 {
		return errs.NewConfigError("request.max_retries", "retry budget cannot be negative")
	}
	if _, err := c.Request.PauseDuration(); err != nil {
		return err
	}
	if d, err := c.Request.TimeoutDuration(); err != nil {
		return err
	} else if d <= 0 {
		return errs.NewConfigError("request.timeout", "timeout must be positive")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return errs.NewConfigError("timezone", fmt.Sprintf("unknown timezone %q", c.Timezone))
		}
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			return errs.NewConfigError("logging.file_path", "file path is required when output is file")
		}
	default:
		return errs.NewConfigError("logging.output",
			fmt.Sprintf("unsupported output %q", c.Logging.Output))
	}
	return nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errs.NewConfigError(field, fmt.Sprintf("invalid duration %q", value))
	}
	if d < 0 {
		return 0, errs.NewConfigError(field, "duration cannot be negative")
	}
	return d, nil
}
