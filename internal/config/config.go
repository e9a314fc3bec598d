// Package config loads and validates cluster configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Search      SearchConfig      `mapstructure:"search"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Solver      SolverConfig      `mapstructure:"solver"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig selects and configures the shared state store.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig governs task backlog and retry behavior.
type QueueConfig struct {
	MaxBacklog      int `mapstructure:"max_backlog"`
	MaxAttempts     int `mapstructure:"max_attempts"`
	RetryDelaySec   int `mapstructure:"retry_delay_seconds"`
	MaxTaskAgeSec   int `mapstructure:"max_task_age_seconds"`
	ResultTTLSec    int `mapstructure:"result_ttl_seconds"`
	TickIntervalSec int `mapstructure:"tick_interval_seconds"`
}

// RegistryConfig sets the worker liveness windows.
type RegistryConfig struct {
	ActiveWithinSec int `mapstructure:"active_within_seconds"`
	StaleWithinSec  int `mapstructure:"stale_within_seconds"`
	RetentionSec    int `mapstructure:"retention_seconds"`
}

// CredentialsConfig holds the CAPTCHA key pool and cooldown policy.
type CredentialsConfig struct {
	Keys             []string `mapstructure:"keys"`
	FailureThreshold int      `mapstructure:"failure_threshold"`
	CooldownBaseSec  int      `mapstructure:"cooldown_base_seconds"`
	CooldownMaxSec   int      `mapstructure:"cooldown_max_seconds"`
}

// SearchConfig governs request splitting and aggregation.
type SearchConfig struct {
	SegmentSize        int `mapstructure:"segment_size"`
	MaxLimit           int `mapstructure:"max_limit"`
	DefaultDeadlineSec int `mapstructure:"default_deadline_seconds"`
	CacheTTLSec        int `mapstructure:"cache_ttl_seconds"`
}

// WorkerConfig controls the worker runtime.
type WorkerConfig struct {
	ID                   string `mapstructure:"id"`
	Node                 string `mapstructure:"node"`
	Capacity             int    `mapstructure:"capacity"`
	HeartbeatIntervalSec int    `mapstructure:"heartbeat_interval_seconds"`
	PollIntervalMs       int    `mapstructure:"poll_interval_ms"`
	CaptchaAttempts      int    `mapstructure:"captcha_attempts"`
	SolveTimeoutSec      int    `mapstructure:"solve_timeout_seconds"`
	PreflightEnabled     bool   `mapstructure:"preflight_enabled"`
}

// BrowserConfig configures the headless browser driver.
type BrowserConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	UserAgent     string `mapstructure:"user_agent"`
	Language      string `mapstructure:"language"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	ScrollPauseMs int    `mapstructure:"scroll_pause_ms"`
	MaxScrolls    int    `mapstructure:"max_scrolls"`
}

// SolverConfig points at the CAPTCHA solving service.
type SolverConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	PollIntervalSec int    `mapstructure:"poll_interval_seconds"`
	HTTPTimeoutSec  int    `mapstructure:"http_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.db", 0)
	v.SetDefault("queue.max_backlog", 256)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_delay_seconds", 2)
	v.SetDefault("queue.max_task_age_seconds", 600)
	v.SetDefault("queue.result_ttl_seconds", 180)
	v.SetDefault("queue.tick_interval_seconds", 1)
	v.SetDefault("registry.active_within_seconds", 15)
	v.SetDefault("registry.stale_within_seconds", 60)
	v.SetDefault("registry.retention_seconds", 300)
	v.SetDefault("credentials.failure_threshold", 3)
	v.SetDefault("credentials.cooldown_base_seconds", 30)
	v.SetDefault("credentials.cooldown_max_seconds", 1800)
	v.SetDefault("search.segment_size", 10)
	v.SetDefault("search.max_limit", 50)
	v.SetDefault("search.default_deadline_seconds", 120)
	v.SetDefault("search.cache_ttl_seconds", 86400)
	v.SetDefault("worker.node", "local")
	v.SetDefault("worker.capacity", 2)
	v.SetDefault("worker.heartbeat_interval_seconds", 5)
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.captcha_attempts", 2)
	v.SetDefault("worker.solve_timeout_seconds", 120)
	v.SetDefault("worker.preflight_enabled", true)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.language", "pt-BR")
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.scroll_pause_ms", 900)
	v.SetDefault("browser.max_scrolls", 12)
	v.SetDefault("solver.base_url", "http://2captcha.com")
	v.SetDefault("solver.poll_interval_seconds", 5)
	v.SetDefault("solver.http_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Addr == "" {
		return fmt.Errorf("store.addr must be set when store.backend is redis")
	}
	if c.Queue.MaxBacklog <= 0 {
		return fmt.Errorf("queue.max_backlog must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Registry.ActiveWithinSec <= 0 {
		return fmt.Errorf("registry.active_within_seconds must be > 0")
	}
	if c.Registry.StaleWithinSec <= c.Registry.ActiveWithinSec {
		return fmt.Errorf("registry.stale_within_seconds must exceed registry.active_within_seconds")
	}
	if c.Search.SegmentSize <= 0 {
		return fmt.Errorf("search.segment_size must be > 0")
	}
	if c.Search.MaxLimit < c.Search.SegmentSize {
		return fmt.Errorf("search.max_limit must be >= search.segment_size")
	}
	if c.Worker.Capacity <= 0 {
		return fmt.Errorf("worker.capacity must be > 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when browser is enabled")
	}
	return nil
}

// Durations converts second/millisecond knobs where callers want them.

// RetryDelay returns the queue retry delay.
func (c QueueConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

// MaxTaskAge returns the overall task age cap.
func (c QueueConfig) MaxTaskAge() time.Duration {
	return time.Duration(c.MaxTaskAgeSec) * time.Second
}

// ResultTTL returns how long terminal tasks stay readable.
func (c QueueConfig) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSec) * time.Second
}

// TickInterval returns the coordinator sweep period.
func (c QueueConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

// ActiveWithin returns the window in which a worker counts as active.
func (c RegistryConfig) ActiveWithin() time.Duration {
	return time.Duration(c.ActiveWithinSec) * time.Second
}

// StaleWithin returns the window after which a worker counts as dead.
func (c RegistryConfig) StaleWithin() time.Duration {
	return time.Duration(c.StaleWithinSec) * time.Second
}

// Retention returns how long dead workers stay listed.
func (c RegistryConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSec) * time.Second
}

// CooldownBase returns the first cooldown window.
func (c CredentialsConfig) CooldownBase() time.Duration {
	return time.Duration(c.CooldownBaseSec) * time.Second
}

// CooldownMax returns the cooldown cap.
func (c CredentialsConfig) CooldownMax() time.Duration {
	return time.Duration(c.CooldownMaxSec) * time.Second
}

// DefaultDeadline returns the synchronous wait bound.
func (c SearchConfig) DefaultDeadline() time.Duration {
	return time.Duration(c.DefaultDeadlineSec) * time.Second
}

// CacheTTL returns the result cache lifetime.
func (c SearchConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// HeartbeatInterval returns the worker beat period.
func (c WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// PollInterval returns the claim poll delay.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// SolveTimeout returns the per-challenge solve budget.
func (c WorkerConfig) SolveTimeout() time.Duration {
	return time.Duration(c.SolveTimeoutSec) * time.Second
}

// NavTimeout returns the navigation budget.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// ScrollPause returns the pause between result scrolls.
func (c BrowserConfig) ScrollPause() time.Duration {
	return time.Duration(c.ScrollPauseMs) * time.Millisecond
}

// PollInterval returns the solver poll period.
func (c SolverConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// HTTPTimeout returns the solver HTTP client timeout.
func (c SolverConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}
