// Package config loads server configuration from an optional YAML file,
// a .env file and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vaultos/ledger-engine/internal/ledger"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Risk     RiskConfig     `yaml:"risk"`
	Storage  StorageConfig  `yaml:"storage"`
	Clearing ClearingConfig `yaml:"clearing"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig holds business parameters. Amounts are strings so they
// parse into exact decimals.
type LedgerConfig struct {
	MinDeposit       string        `yaml:"min_deposit"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	APR              string        `yaml:"apr"`
	RefundFraction   string        `yaml:"refund_fraction"`
	DefaultLiquidity string        `yaml:"default_liquidity"`
}

// RiskConfig sets position limits. Empty or zero disables a limit.
type RiskConfig struct {
	MaxPerMarket string `yaml:"max_per_market"`
	MaxTotal     string `yaml:"max_total"`
}

// StorageConfig selects the store. Without a database URL the in-memory
// store is used.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// ClearingConfig enables the clearing network when URL is set.
type ClearingConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// RecorderConfig enables the settlement outbox when Path is set, and the
// relay when PublishURL is set too.
type RecorderConfig struct {
	Path       string        `yaml:"path"`
	PublishURL string        `yaml:"publish_url"`
	Interval   time.Duration `yaml:"interval"`
	RatePerSec float64       `yaml:"rate_per_sec"`
}

// LogConfig controls log level, format and optional rotated file output.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // json | text
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads path (skipped when empty), then .env, then the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)
	if _, err := cfg.LedgerConfig(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"PORT":                 &cfg.Server.Port,
		"DATABASE_URL":         &cfg.Storage.DatabaseURL,
		"REDIS_URL":            &cfg.Storage.RedisURL,
		"CLEARING_URL":         &cfg.Clearing.URL,
		"CLEARING_SECRET":      &cfg.Clearing.Secret,
		"RECORDER_PATH":        &cfg.Recorder.Path,
		"RECORDER_PUBLISH_URL": &cfg.Recorder.PublishURL,
		"MIN_DEPOSIT":          &cfg.Ledger.MinDeposit,
		"YIELD_APR":            &cfg.Ledger.APR,
		"REFUND_FRACTION":      &cfg.Ledger.RefundFraction,
		"DEFAULT_LIQUIDITY":    &cfg.Ledger.DefaultLiquidity,
		"RISK_MAX_PER_MARKET":  &cfg.Risk.MaxPerMarket,
		"RISK_MAX_TOTAL":       &cfg.Risk.MaxTotal,
		"LOG_LEVEL":            &cfg.Log.Level,
		"LOG_FORMAT":           &cfg.Log.Format,
		"LOG_FILE":             &cfg.Log.File,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"SESSION_TTL":      &cfg.Ledger.SessionTTL,
		"CLEARING_TIMEOUT": &cfg.Clearing.Timeout,
		"CACHE_TTL":        &cfg.Storage.CacheTTL,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v := os.Getenv("RECORDER_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RECORDER_RATE_PER_SEC: %w", err)
		}
		cfg.Recorder.RatePerSec = f
	}
	return nil
}

func setDefaults(cfg *Config) {
	def := ledger.DefaultConfig()
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Ledger.MinDeposit == "" {
		cfg.Ledger.MinDeposit = def.MinDeposit.String()
	}
	if cfg.Ledger.SessionTTL <= 0 {
		cfg.Ledger.SessionTTL = def.SessionTTL
	}
	if cfg.Ledger.APR == "" {
		cfg.Ledger.APR = def.APR.String()
	}
	if cfg.Ledger.RefundFraction == "" {
		cfg.Ledger.RefundFraction = def.RefundFraction.String()
	}
	if cfg.Ledger.DefaultLiquidity == "" {
		cfg.Ledger.DefaultLiquidity = def.DefaultLiquidity.String()
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Clearing.Timeout <= 0 {
		cfg.Clearing.Timeout = def.ClearingTimeout
	}
	if cfg.Recorder.Interval <= 0 {
		cfg.Recorder.Interval = 5 * time.Second
	}
	if cfg.Recorder.RatePerSec <= 0 {
		cfg.Recorder.RatePerSec = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 14
	}
}

// LedgerConfig converts the ledger section into ledger.Config.
func (c *Config) LedgerConfig() (ledger.Config, error) {
	out := ledger.DefaultConfig()
	fields := []struct {
		name     string
		raw      string
		dst      *decimal.Decimal
		positive bool
	}{
		{"min_deposit", c.Ledger.MinDeposit, &out.MinDeposit, false},
		{"apr", c.Ledger.APR, &out.APR, false},
		{"refund_fraction", c.Ledger.RefundFraction, &out.RefundFraction, false},
		// Markets created without a liquidity fall back to this as b.
		{"default_liquidity", c.Ledger.DefaultLiquidity, &out.DefaultLiquidity, true},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return out, fmt.Errorf("ledger.%s: %w", f.name, err)
		}
		if f.positive && !v.IsPositive() {
			return out, fmt.Errorf("ledger.%s: must be positive", f.name)
		}
		if v.IsNegative() {
			return out, fmt.Errorf("ledger.%s: must not be negative", f.name)
		}
		*f.dst = v
	}
	if c.Ledger.SessionTTL > 0 {
		out.SessionTTL = c.Ledger.SessionTTL
	}
	if c.Clearing.Timeout > 0 {
		out.ClearingTimeout = c.Clearing.Timeout
	}
	return out, nil
}

// Limits parses the risk section. Both zero means limits are off.
func (c *Config) Limits() (maxPerMarket, maxTotal decimal.Decimal, err error) {
	parse := func(name, raw string) (decimal.Decimal, error) {
		if raw == "" {
			return decimal.Zero, nil
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("risk.%s: %w", name, err)
		}
		return v, nil
	}
	if maxPerMarket, err = parse("max_per_market", c.Risk.MaxPerMarket); err != nil {
		return
	}
	maxTotal, err = parse("max_total", c.Risk.MaxTotal)
	return
}
