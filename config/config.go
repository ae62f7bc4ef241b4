package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/notification-engine/internal/delivery/push"
	"github.com/jwalitptl/notification-engine/internal/repository/sqlstore"
	"github.com/jwalitptl/notification-engine/internal/service/dispatch"
	"github.com/jwalitptl/notification-engine/internal/service/notification"
	"github.com/jwalitptl/notification-engine/internal/worker"
	"github.com/jwalitptl/notification-engine/pkg/logger"
	"github.com/jwalitptl/notification-engine/pkg/messaging/redis"
)

const envPrefix = "NOTIFY"

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestBody  int64         `mapstructure:"max_request_body"`
	Mode            string        `mapstructure:"mode"`
}

type DatabaseConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	// URL empty disables completion events.
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type PushConfig struct {
	// BaseURL empty selects the log-only sender.
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type DispatchConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	DetailCap      int           `mapstructure:"detail_cap"`
	SendRate       float64       `mapstructure:"send_rate"`
	SendBurst      int           `mapstructure:"send_burst"`
	Inline         bool          `mapstructure:"inline"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	Owner        string        `mapstructure:"owner"`
}

type CacheConfig struct {
	StatusTTL       time.Duration `mapstructure:"status_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type JWTConfig struct {
	// Secret empty disables authentication.
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Port      int    `mapstructure:"port"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Push      PushConfig      `mapstructure:"push"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// Secrets are read from the environment only, never from the config file.
type Secrets struct {
	DBPassword string `envconfig:"DB_PASSWORD"`
	PushAPIKey string `envconfig:"PUSH_API_KEY"`
	JWTSecret  string `envconfig:"JWT_SECRET"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_request_body", 1<<20)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", sqlstore.DriverPostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "notifications")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("push.base_url", "")
	v.SetDefault("push.api_key", "")
	v.SetDefault("push.timeout", 10*time.Second)
	v.SetDefault("push.breaker_failures", 5)
	v.SetDefault("push.breaker_timeout", 30*time.Second)

	d := dispatch.DefaultConfig()
	v.SetDefault("dispatch.concurrency", d.Concurrency)
	v.SetDefault("dispatch.max_attempts", d.MaxAttempts)
	v.SetDefault("dispatch.initial_backoff", d.InitialBackoff)
	v.SetDefault("dispatch.max_backoff", d.MaxBackoff)
	v.SetDefault("dispatch.send_timeout", d.SendTimeout)
	v.SetDefault("dispatch.detail_cap", d.DetailCap)
	v.SetDefault("dispatch.send_rate", 0)
	v.SetDefault("dispatch.send_burst", 0)
	v.SetDefault("dispatch.inline", true)

	s := worker.DefaultSchedulerConfig()
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", s.PollInterval)
	v.SetDefault("scheduler.batch_size", s.BatchSize)
	v.SetDefault("scheduler.lease_ttl", s.LeaseTTL)
	v.SetDefault("scheduler.max_in_flight", s.MaxInFlight)
	v.SetDefault("scheduler.owner", "")

	v.SetDefault("cache.status_ttl", 5*time.Minute)
	v.SetDefault("cache.cleanup_interval", 10*time.Minute)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "notification-engine")
	v.SetDefault("jwt.ttl", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "notification")
	v.SetDefault("metrics.port", 9090)
}

// LoadConfig reads configFile, or config.yml from the usual locations when
// configFile is empty. A missing default file is not an error. NOTIFY_*
// environment variables override file values, e.g. NOTIFY_DISPATCH_CONCURRENCY.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var secrets Secrets
	if err := envconfig.Process(envPrefix, &secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	config.applySecrets(secrets)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applySecrets(s Secrets) {
	if s.DBPassword != "" {
		c.Database.Password = s.DBPassword
	}
	if s.PushAPIKey != "" {
		c.Push.APIKey = s.PushAPIKey
	}
	if s.JWTSecret != "" {
		c.JWT.Secret = s.JWTSecret
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case sqlstore.DriverPostgres, sqlstore.DriverSQLite, "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == sqlstore.DriverSQLite && c.Database.DSN == "" {
		return errors.New("database.dsn is required for sqlite")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Dispatch.MaxAttempts < 0 || c.Dispatch.Concurrency < 0 {
		return errors.New("dispatch settings must not be negative")
	}
	if c.Scheduler.LeaseTTL > 0 && c.Dispatch.SendTimeout*3 > c.Scheduler.LeaseTTL {
		return fmt.Errorf("scheduler.lease_ttl %s must be at least three send timeouts (%s)",
			c.Scheduler.LeaseTTL, c.Dispatch.SendTimeout)
	}
	return nil
}

// DataSourceName returns the configured DSN, building a postgres URL from the parts when unset.
func (c *DatabaseConfig) DataSourceName() string {
	if c.DSN != "" || c.Driver != sqlstore.DriverPostgres {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *DatabaseConfig) ToStoreConfig() sqlstore.Config {
	return sqlstore.Config{
		Driver:          c.Driver,
		DSN:             c.DataSourceName(),
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func (c *PushConfig) ToPushConfig() push.Config {
	return push.Config{
		BaseURL:         c.BaseURL,
		APIKey:          c.APIKey,
		Timeout:         c.Timeout,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
	}
}

// ToEngineConfig shares the scheduler's lease TTL so the dispatch heartbeat
// renews leases of the same length they were claimed with.
func (c *Config) ToEngineConfig() dispatch.Config {
	return dispatch.Config{
		Concurrency:    c.Dispatch.Concurrency,
		MaxAttempts:    c.Dispatch.MaxAttempts,
		InitialBackoff: c.Dispatch.InitialBackoff,
		MaxBackoff:     c.Dispatch.MaxBackoff,
		SendTimeout:    c.Dispatch.SendTimeout,
		DetailCap:      c.Dispatch.DetailCap,
		SendRate:       c.Dispatch.SendRate,
		SendBurst:      c.Dispatch.SendBurst,
		LeaseTTL:       c.Scheduler.LeaseTTL,
	}
}

func (c *SchedulerConfig) ToSchedulerConfig() worker.SchedulerConfig {
	return worker.SchedulerConfig{
		PollInterval: c.PollInterval,
		BatchSize:    c.BatchSize,
		LeaseTTL:     c.LeaseTTL,
		MaxInFlight:  c.MaxInFlight,
		Owner:        c.Owner,
	}
}

func (c *Config) ToServiceConfig(owner string) notification.Config {
	return notification.Config{
		Owner:          owner,
		LeaseTTL:       c.Scheduler.LeaseTTL,
		CacheTTL:       c.Cache.StatusTTL,
		CacheCleanup:   c.Cache.CleanupInterval,
		DispatchInline: c.Dispatch.Inline,
	}
}

func (c *LogConfig) ToLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      logger.ParseLevel(c.Level),
		TimeFormat: time.RFC3339,
		JSON:       !strings.EqualFold(c.Format, "console"),
	}
}
