package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"forward-factor-alerts/internal/logging"
	"forward-factor-alerts/internal/usercfg"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig            `mapstructure:"app"`
	Logging   logging.Config       `mapstructure:"logging"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Redis     RedisConfig          `mapstructure:"redis"`
	Queues    QueueConfig          `mapstructure:"queues"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Discovery DiscoveryConfig      `mapstructure:"discovery"`
	Scanner   ScannerConfig        `mapstructure:"scanner"`
	Stability StabilityConfig      `mapstructure:"stability"`
	Provider  ProviderConfig       `mapstructure:"provider"`
	Alerting  AlertingConfig       `mapstructure:"alerting"`
	Reminders ReminderConfig       `mapstructure:"reminders"`
	Defaults  usercfg.SignalConfig `mapstructure:"defaults"`
	HTTP      HTTPConfig           `mapstructure:"http"`
	Export    ExportConfig         `mapstructure:"export"`
	Retention RetentionConfig      `mapstructure:"retention"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig covers the coordination store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// QueueConfig names the shared queues and worker polling behaviour.
type QueueConfig struct {
	Scan         string        `mapstructure:"scan"`
	Discovery    string        `mapstructure:"discovery"`
	Notification string        `mapstructure:"notification"`
	Reminder     string        `mapstructure:"reminder"`
	PopTimeout   time.Duration `mapstructure:"pop_timeout"`
	IdleSleep    time.Duration `mapstructure:"idle_sleep"`
}

// SchedulerConfig governs tier cadences and registry refresh.
type SchedulerConfig struct {
	HighInterval     time.Duration `mapstructure:"high_interval"`
	MediumInterval   time.Duration `mapstructure:"medium_interval"`
	LowInterval      time.Duration `mapstructure:"low_interval"`
	RegistryInterval time.Duration `mapstructure:"registry_interval"`
	AlignToBucket    bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
}

// DiscoveryConfig controls the market-wide universe refresh.
type DiscoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	Limit    int    `mapstructure:"limit"`
}

// ScannerConfig sizes the scan worker pool.
type ScannerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// StabilityConfig tunes the per-pair state and lock.
type StabilityConfig struct {
	StateTTL     time.Duration `mapstructure:"state_ttl"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	LockAttempts int           `mapstructure:"lock_attempts"`
	LockRetry    time.Duration `mapstructure:"lock_retry"`
}

// ProviderConfig captures market-data vendor connectivity.
type ProviderConfig struct {
	Name              string        `mapstructure:"name"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryMinBackoff   time.Duration `mapstructure:"retry_min_backoff"`
	RetryMaxBackoff   time.Duration `mapstructure:"retry_max_backoff"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
	MaxPages          int           `mapstructure:"max_pages"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	APIBase     string        `mapstructure:"api_base"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// ReminderConfig controls expiry reminders.
type ReminderConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MarketOpen   string        `mapstructure:"market_open"`
}

// HTTPConfig exposes the operational endpoints.
type HTTPConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// RetentionConfig bounds how long signals are kept.
type RetentionConfig struct {
	SignalMaxAge time.Duration `mapstructure:"signal_max_age"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FFALERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ffalerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("queues.scan", "scan_queue")
	v.SetDefault("queues.discovery", "discovery_queue")
	v.SetDefault("queues.notification", "notification_queue")
	v.SetDefault("queues.reminder", "reminder_queue")
	v.SetDefault("queues.pop_timeout", "1s")
	v.SetDefault("queues.idle_sleep", "1s")

	v.SetDefault("scheduler.high_interval", "3m")
	v.SetDefault("scheduler.medium_interval", "15m")
	v.SetDefault("scheduler.low_interval", "60m")
	v.SetDefault("scheduler.registry_interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x46466131))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.schedule", "@every 1h")
	v.SetDefault("discovery.limit", 100)

	v.SetDefault("scanner.concurrency", 2)

	v.SetDefault("stability.state_ttl", "24h")
	v.SetDefault("stability.lock_ttl", "5s")
	v.SetDefault("stability.lock_attempts", 20)
	v.SetDefault("stability.lock_retry", "50ms")

	v.SetDefault("provider.name", "polygon")
	v.SetDefault("provider.base_url", "https://api.polygon.io")
	v.SetDefault("provider.request_timeout", "30s")
	v.SetDefault("provider.user_agent", "")
	v.SetDefault("provider.requests_per_second", 5.0)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("provider.retry_attempts", 3)
	v.SetDefault("provider.retry_min_backoff", "2s")
	v.SetDefault("provider.retry_max_backoff", "10s")
	v.SetDefault("provider.breaker_failures", 5)
	v.SetDefault("provider.breaker_timeout", "30s")
	v.SetDefault("provider.max_pages", 40)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.poll_timeout", "30s")

	v.SetDefault("reminders.enabled", true)
	v.SetDefault("reminders.poll_interval", "1m")
	v.SetDefault("reminders.market_open", "09:30")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":9090")
	v.SetDefault("http.read_header_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("retention.signal_max_age", "2160h")

	setUserDefaults(v, usercfg.Default())
}

func setUserDefaults(v *viper.Viper, d usercfg.SignalConfig) {
	pairs := make([]map[string]any, 0, len(d.DTEPairs))
	for _, p := range d.DTEPairs {
		pairs = append(pairs, map[string]any{
			"front": p.Front, "back": p.Back, "front_tol": p.FrontTol, "back_tol": p.BackTol,
		})
	}

	v.SetDefault("defaults.ff_threshold", d.FFThreshold)
	v.SetDefault("defaults.dte_pairs", pairs)
	v.SetDefault("defaults.vol_point", d.VolPoint)
	v.SetDefault("defaults.back_vol_point", d.BackVolPoint)
	v.SetDefault("defaults.min_open_interest", d.MinOpenInterest)
	v.SetDefault("defaults.min_volume", d.MinVolume)
	v.SetDefault("defaults.max_bid_ask_pct", d.MaxBidAskPct)
	v.SetDefault("defaults.sigma_fwd_floor", d.SigmaFwdFloor)
	v.SetDefault("defaults.stability_scans", d.StabilityScans)
	v.SetDefault("defaults.cooldown_minutes", d.CooldownMinutes)
	v.SetDefault("defaults.delta_ff_min", d.DeltaFFMin)
	v.SetDefault("defaults.quiet_hours.enabled", d.QuietHours.Enabled)
	v.SetDefault("defaults.quiet_hours.start", d.QuietHours.Start)
	v.SetDefault("defaults.quiet_hours.end", d.QuietHours.End)
	v.SetDefault("defaults.timezone", d.Timezone)
	v.SetDefault("defaults.scan_priority", string(d.ScanPriority))
	v.SetDefault("defaults.discovery_mode", d.DiscoveryMode)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	var errs []error
	if c.Export.MaxDataPoints <= 0 {
		errs = append(errs, fmt.Errorf("export.max_data_points must be greater than zero"))
	}
	for name, d := range map[string]time.Duration{
		"scheduler.high_interval":     c.Scheduler.HighInterval,
		"scheduler.medium_interval":   c.Scheduler.MediumInterval,
		"scheduler.low_interval":      c.Scheduler.LowInterval,
		"scheduler.registry_interval": c.Scheduler.RegistryInterval,
		"queues.pop_timeout":          c.Queues.PopTimeout,
		"stability.state_ttl":         c.Stability.StateTTL,
		"stability.lock_ttl":          c.Stability.LockTTL,
		"reminders.poll_interval":     c.Reminders.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than zero", name))
		}
	}
	if c.Queues.Scan == "" || c.Queues.Discovery == "" || c.Queues.Notification == "" || c.Queues.Reminder == "" {
		errs = append(errs, errors.New("queues.* names must not be empty"))
	}
	if c.Scanner.Concurrency <= 0 {
		errs = append(errs, errors.New("scanner.concurrency must be greater than zero"))
	}
	if c.Stability.LockAttempts <= 0 {
		errs = append(errs, errors.New("stability.lock_attempts must be greater than zero"))
	}
	if c.Discovery.Enabled {
		if _, err := cron.ParseStandard(c.Discovery.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("discovery.schedule: %w", err))
		}
		if c.Discovery.Limit <= 0 {
			errs = append(errs, errors.New("discovery.limit must be greater than zero"))
		}
	}
	if _, err := time.Parse("15:04", c.Reminders.MarketOpen); err != nil {
		errs = append(errs, fmt.Errorf("reminders.market_open must be HH:MM: %w", err))
	}
	if !strings.EqualFold(c.Provider.Name, "polygon") {
		errs = append(errs, fmt.Errorf("provider.name %q is not supported", c.Provider.Name))
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		errs = append(errs, fmt.Errorf("alerting.telegram.bot_token 必须配置"))
	}
	if err := c.Defaults.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	return errors.Join(errs...)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// TierIntervals maps tier names to their scan cadence.
func (c *Config) TierIntervals() map[string]time.Duration {
	return map[string]time.Duration{
		"high":   c.Scheduler.HighInterval,
		"medium": c.Scheduler.MediumInterval,
		"low":    c.Scheduler.LowInterval,
	}
}
