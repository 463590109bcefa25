package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"engagement-ledger/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	Attribution AttributionConfig `mapstructure:"attribution"`
	Rewards     RewardsConfig     `mapstructure:"rewards"`
	Holdings    HoldingsConfig    `mapstructure:"holdings"`
	Activity    ActivityConfig    `mapstructure:"activity"`
	Export      ExportConfig      `mapstructure:"export"`
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
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// SchedulerConfig governs the cadence of the background jobs.
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AwardCron       string        `mapstructure:"award_cron"`
	ResetCron       string        `mapstructure:"reset_cron"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// MarketDataConfig captures the market-cap source and its retry policy.
type MarketDataConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	MarketCapPath     string        `mapstructure:"market_cap_path"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Backoff           time.Duration `mapstructure:"backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// AttributionConfig tunes contract submissions.
type AttributionConfig struct {
	Cooldown   time.Duration `mapstructure:"cooldown"`
	Badge      string        `mapstructure:"badge"`
	SweepBatch int           `mapstructure:"sweep_batch"`
}

// RewardsConfig defines the daily holder award.
type RewardsConfig struct {
	Timezone   string `mapstructure:"timezone"`
	BasePoints int64  `mapstructure:"base_points"`
	Step       int64  `mapstructure:"step"`
	MaxDaily   int64  `mapstructure:"max_daily"`
}

// HoldingsConfig covers on-chain holder lookups.
type HoldingsConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	CollectionAddress string        `mapstructure:"collection_address"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// ActivityConfig captures marketplace activity feed connectivity.
type ActivityConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	PageSize       int           `mapstructure:"page_size"`
	MaxPages       int           `mapstructure:"max_pages"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
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
	v.SetDefault("app.name", "ledgerd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("scheduler.poll_interval", "1m")
	v.SetDefault("scheduler.sweep_interval", "6h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.award_cron", "0 5 0 * * *")
	v.SetDefault("scheduler.reset_cron", "0 0 0 * * *")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c656467))

	v.SetDefault("market_data.market_cap_path", "marketCapUsd")
	v.SetDefault("market_data.request_timeout", "10s")
	v.SetDefault("market_data.user_agent", "ledgerd/1.0")
	v.SetDefault("market_data.max_attempts", 5)
	v.SetDefault("market_data.backoff", "1s")
	v.SetDefault("market_data.requests_per_second", 5.0)
	v.SetDefault("market_data.burst", 5)

	v.SetDefault("attribution.cooldown", "60s")
	v.SetDefault("attribution.badge", "trench-caller")
	v.SetDefault("attribution.sweep_batch", 200)

	v.SetDefault("rewards.timezone", "UTC")
	v.SetDefault("rewards.base_points", 18)
	v.SetDefault("rewards.step", 5)
	v.SetDefault("rewards.max_daily", 1000)

	v.SetDefault("holdings.request_timeout", "10s")

	v.SetDefault("activity.base_url", "https://api-mainnet.magiceden.dev/v2")
	v.SetDefault("activity.page_size", 100)
	v.SetDefault("activity.max_pages", 1)
	v.SetDefault("activity.request_timeout", "10s")
	v.SetDefault("activity.user_agent", "ledgerd/1.0")

	v.SetDefault("export.max_data_points", 365)
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
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than zero")
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be greater than zero")
	}
	if c.MarketData.MaxAttempts <= 0 {
		return fmt.Errorf("market_data.max_attempts must be greater than zero")
	}
	if c.MarketData.Backoff < 0 {
		return fmt.Errorf("market_data.backoff cannot be negative")
	}
	if c.Attribution.Cooldown < 0 {
		return fmt.Errorf("attribution.cooldown cannot be negative")
	}
	if c.Rewards.Step <= 0 {
		return fmt.Errorf("rewards.step must be greater than zero")
	}
	if c.Rewards.MaxDaily < 0 {
		return fmt.Errorf("rewards.max_daily cannot be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if addr := c.Holdings.CollectionAddress; addr != "" && !common.IsHexAddress(addr) {
		return fmt.Errorf("holdings.collection_address %q is not a valid address", addr)
	}
	if c.Activity.PageSize <= 0 {
		return fmt.Errorf("activity.page_size must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// Location resolves the timezone that defines a reward "day".
func (c *Config) Location() (*time.Location, error) {
	if c.Rewards.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Rewards.Timezone)
	if err != nil {
		return nil, fmt.Errorf("rewards.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
