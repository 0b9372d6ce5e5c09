package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	decimal "github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the metering service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Processor     ProcessorConfig     `mapstructure:"processor"`
	Aggregator    AggregatorConfig    `mapstructure:"aggregator"`
	Billing       BillingConfig       `mapstructure:"billing"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MinConns        int32         `mapstructure:"min_conns"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type QueueConfig struct {
	Key string `mapstructure:"key"`
}

type ProcessorConfig struct {
	BatchSize  int           `mapstructure:"batch_size"`
	IdleDelay  time.Duration `mapstructure:"idle_delay"`
	ErrorDelay time.Duration `mapstructure:"error_delay"`
}

type AggregatorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	WindowDays int           `mapstructure:"window_days"`
}

type BillingConfig struct {
	PriceIncrement    string        `mapstructure:"price_increment"`
	SummaryTTL        time.Duration `mapstructure:"summary_ttl"`
	SummaryStaleAfter time.Duration `mapstructure:"summary_stale_after"`
	AggregateTTL      time.Duration `mapstructure:"aggregate_ttl"`
}

// Increment returns the monetary rounding granularity as a decimal.
func (b BillingConfig) Increment() decimal.Decimal {
	inc, err := decimal.NewFromString(strings.TrimSpace(b.PriceIncrement))
	if err != nil || !inc.IsPositive() {
		return decimal.RequireFromString("0.25")
	}
	return inc
}

type RateLimitConfig struct {
	ReportRequestsPerMinute int `mapstructure:"report_requests_per_minute"`
}

type ReportingConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else {
		if cfg := os.Getenv("METER_CONFIG_FILE"); cfg != "" {
			v.SetConfigFile(cfg)
			explicitFile = true
		}
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("meter")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("METER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "METER_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "METER_REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor.batch_size must be > 0")
	}
	if c.Processor.IdleDelay <= 0 || c.Processor.ErrorDelay <= 0 {
		return fmt.Errorf("processor delays must be > 0")
	}
	if c.Aggregator.Interval <= 0 {
		return fmt.Errorf("aggregator.interval must be > 0")
	}
	if c.Aggregator.WindowDays <= 0 {
		return fmt.Errorf("aggregator.window_days must be > 0")
	}
	if inc, err := decimal.NewFromString(strings.TrimSpace(c.Billing.PriceIncrement)); err != nil || !inc.IsPositive() {
		return fmt.Errorf("billing.price_increment must be a positive decimal")
	}
	if c.Billing.SummaryTTL <= 0 || c.Billing.SummaryStaleAfter <= 0 || c.Billing.AggregateTTL <= 0 {
		return fmt.Errorf("billing TTLs must be > 0")
	}
	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}

	reportingTZ := strings.TrimSpace(c.Reporting.Timezone)
	if reportingTZ == "" {
		reportingTZ = "UTC"
	}
	if _, err := time.LoadLocation(reportingTZ); err != nil {
		return fmt.Errorf("reporting.timezone is invalid: %w", err)
	}
	c.Reporting.Timezone = reportingTZ

	if strings.TrimSpace(c.Queue.Key) == "" {
		c.Queue.Key = "usage:events"
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("queue.key", "usage:events")

	v.SetDefault("processor.batch_size", 50)
	v.SetDefault("processor.idle_delay", "5s")
	v.SetDefault("processor.error_delay", "1s")

	v.SetDefault("aggregator.interval", "5m")
	v.SetDefault("aggregator.window_days", 30)

	v.SetDefault("billing.price_increment", "0.25")
	v.SetDefault("billing.summary_ttl", "30m")
	v.SetDefault("billing.summary_stale_after", "30m")
	v.SetDefault("billing.aggregate_ttl", "2160h")

	v.SetDefault("rate_limits.report_requests_per_minute", 10)

	v.SetDefault("reporting.timezone", "UTC")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
