package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration, loaded from YAML with
// environment variable overrides.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Sync      SyncConfig      `yaml:"sync"`
	Session   SessionConfig   `yaml:"session"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
	LogLevel  string          `yaml:"log_level"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// LedgerConfig holds external ledger API settings. The service is rate- and
// load-sensitive, so pacing and page size are capped here.
type LedgerConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	PageSize       int           `yaml:"page_size"`
}

// SyncConfig holds the scheduler's cadences and guards.
type SyncConfig struct {
	BalanceInterval time.Duration `yaml:"balance_interval"`
	HistoryInterval time.Duration `yaml:"history_interval"`
	Stagger         time.Duration `yaml:"stagger"`
	MinSpacing      time.Duration `yaml:"min_spacing"`
	MaxCredDepth    int           `yaml:"max_cred_depth"`
}

// SessionConfig holds session-expiry settings.
type SessionConfig struct {
	PollExpiryThreshold int `yaml:"poll_expiry_threshold"`
}

// RedisConfig holds the change-feed publisher settings.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Channel string `yaml:"channel"`
	Enabled bool   `yaml:"enabled"`
}

// HTTPConfig holds the admin/metrics listener settings.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// MaxPageSize is the hard cap on history page pulls; the external ledger
// rejects larger requests.
const MaxPageSize = 4000

// setDuration parses a human readable duration string, leaving dst alone for
// absent keys so defaults survive partial config files.
func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// UnmarshalYAML accepts human readable duration strings like "30s".
func (c *DatabaseConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		QueryTimeout    string `yaml:"query_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.DSN != "" {
		c.DSN = raw.DSN
	}
	if raw.MaxOpenConns != 0 {
		c.MaxOpenConns = raw.MaxOpenConns
	}
	if raw.MaxIdleConns != 0 {
		c.MaxIdleConns = raw.MaxIdleConns
	}
	if err := setDuration(&c.ConnMaxLifetime, raw.ConnMaxLifetime); err != nil {
		return err
	}
	return setDuration(&c.QueryTimeout, raw.QueryTimeout)
}

// UnmarshalYAML accepts human readable duration strings like "10s".
func (c *LedgerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL        string  `yaml:"base_url"`
		RequestTimeout string  `yaml:"request_timeout"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		PageSize       int     `yaml:"page_size"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.BaseURL != "" {
		c.BaseURL = raw.BaseURL
	}
	if raw.RateLimitRPS != 0 {
		c.RateLimitRPS = raw.RateLimitRPS
	}
	if raw.PageSize != 0 {
		c.PageSize = raw.PageSize
	}
	return setDuration(&c.RequestTimeout, raw.RequestTimeout)
}

// UnmarshalYAML accepts human readable duration strings like "30s".
func (c *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BalanceInterval string `yaml:"balance_interval"`
		HistoryInterval string `yaml:"history_interval"`
		Stagger         string `yaml:"stagger"`
		MinSpacing      string `yaml:"min_spacing"`
		MaxCredDepth    int    `yaml:"max_cred_depth"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxCredDepth != 0 {
		c.MaxCredDepth = raw.MaxCredDepth
	}
	if err := setDuration(&c.BalanceInterval, raw.BalanceInterval); err != nil {
		return err
	}
	if err := setDuration(&c.HistoryInterval, raw.HistoryInterval); err != nil {
		return err
	}
	if err := setDuration(&c.Stagger, raw.Stagger); err != nil {
		return err
	}
	return setDuration(&c.MinSpacing, raw.MinSpacing)
}

// Default returns the reference-deployment defaults.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Ledger: LedgerConfig{
			RequestTimeout: 10 * time.Second,
			RateLimitRPS:   2.0,
			PageSize:       500,
		},
		Sync: SyncConfig{
			BalanceInterval: 30 * time.Second,
			HistoryInterval: 30 * time.Second,
			Stagger:         15 * time.Second,
			MinSpacing:      25 * time.Second,
			MaxCredDepth:    10,
		},
		Session: SessionConfig{
			PollExpiryThreshold: 60,
		},
		Redis: RedisConfig{
			Channel: "ledgersync.balance_changes",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8087",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from path (if it exists), applies environment
// overrides, fills defaults and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the engine relies on.
func (c *Config) Validate() error {
	if c.Ledger.PageSize <= 0 || c.Ledger.PageSize > MaxPageSize {
		return fmt.Errorf("ledger page_size must be in 1..%d, got %d", MaxPageSize, c.Ledger.PageSize)
	}
	if c.Sync.BalanceInterval <= 0 || c.Sync.HistoryInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.Sync.MinSpacing >= c.Sync.BalanceInterval && c.Sync.MinSpacing >= c.Sync.HistoryInterval {
		return fmt.Errorf("min_spacing must sit below the loop cadence")
	}
	if c.Sync.MaxCredDepth <= 0 {
		return fmt.Errorf("max_cred_depth must be positive")
	}
	if c.Session.PollExpiryThreshold <= 0 {
		return fmt.Errorf("poll_expiry_threshold must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("LEDGERSYNC_PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if base := os.Getenv("LEDGERSYNC_LEDGER_URL"); base != "" {
		cfg.Ledger.BaseURL = base
	}
	if addr := os.Getenv("LEDGERSYNC_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if listen := os.Getenv("LEDGERSYNC_LISTEN_ADDR"); listen != "" {
		cfg.HTTP.ListenAddr = listen
	}
	if level := os.Getenv("LEDGERSYNC_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if v := os.Getenv("LEDGERSYNC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ledger.PageSize = n
		}
	}
	if v := os.Getenv("LEDGERSYNC_POLL_EXPIRY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.PollExpiryThreshold = n
		}
	}
	if v := os.Getenv("LEDGERSYNC_BALANCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BalanceInterval = d
		}
	}
	if v := os.Getenv("LEDGERSYNC_HISTORY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.HistoryInterval = d
		}
	}
	if v := os.Getenv("LEDGERSYNC_MIN_SPACING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.MinSpacing = d
		}
	}
}
