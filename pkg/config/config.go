package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	OTel       OTelConfig       `mapstructure:"otel"`
	Saga       SagaConfig       `mapstructure:"saga"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Resiliency ResiliencyConfig `mapstructure:"resiliency"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Fraud      FraudConfig      `mapstructure:"fraud"`
	Accounts   AccountsConfig   `mapstructure:"accounts"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	ClientID      string   `mapstructure:"client_id"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// SagaConfig holds saga driver settings
type SagaConfig struct {
	Deadline        time.Duration `mapstructure:"deadline"`
	StepTimeout     time.Duration `mapstructure:"step_timeout"`
	MaxStepRetries  int           `mapstructure:"max_step_retries"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	DriverPollEvery time.Duration `mapstructure:"driver_poll_every"`
	DriverBatchSize int           `mapstructure:"driver_batch_size"`
	DriverWorkers   int           `mapstructure:"driver_workers"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
}

// LimitsConfig holds limit engine settings
type LimitsConfig struct {
	ReservationTTL  time.Duration `mapstructure:"reservation_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize  int           `mapstructure:"sweep_batch_size"`
	DefaultDaily    string        `mapstructure:"default_daily"`
	DefaultMonthly  string        `mapstructure:"default_monthly"`
	DefaultPerTxn   string        `mapstructure:"default_per_txn"`
	DefaultDayCount int64         `mapstructure:"default_day_count"`
}

// ResiliencyConfig holds circuit breaker, retry and offline queue settings
type ResiliencyConfig struct {
	FailureThreshold  float64       `mapstructure:"failure_threshold"`
	SlowCallThreshold float64       `mapstructure:"slow_call_threshold"`
	SlowCallDuration  time.Duration `mapstructure:"slow_call_duration"`
	WindowSize        int           `mapstructure:"window_size"`
	WaitDuration      time.Duration `mapstructure:"wait_duration"`
	HalfOpenMaxCalls  int           `mapstructure:"half_open_max_calls"`
	SuccessThreshold  int           `mapstructure:"success_threshold"`

	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBaseWait time.Duration `mapstructure:"retry_base_wait"`
	RetryMaxWait  time.Duration `mapstructure:"retry_max_wait"`

	BulkheadSize int           `mapstructure:"bulkhead_size"`
	BulkheadWait time.Duration `mapstructure:"bulkhead_wait"`

	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthTTL      time.Duration `mapstructure:"health_ttl"`

	QueueMaxRetries  int           `mapstructure:"queue_max_retries"`
	QueueBackoffBase time.Duration `mapstructure:"queue_backoff_base"`
	QueueBackoffMax  time.Duration `mapstructure:"queue_backoff_max"`
	QueueExpiry      time.Duration `mapstructure:"queue_expiry"`
	QueuePollEvery   time.Duration `mapstructure:"queue_poll_every"`
	QueueBatchSize   int           `mapstructure:"queue_batch_size"`
	QueueWorkers     int           `mapstructure:"queue_workers"`
}

// RoutingConfig holds routing engine settings
type RoutingConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// FraudConfig holds fraud scoring settings
type FraudConfig struct {
	ProviderURL     string        `mapstructure:"provider_url"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	DefaultFallback string        `mapstructure:"default_fallback"` // fail_open, fail_closed, rule_based
}

// AccountsConfig holds account adapter settings
type AccountsConfig struct {
	SnapshotStaleness time.Duration `mapstructure:"snapshot_staleness"`
	HoldTTL           time.Duration `mapstructure:"hold_ttl"`
	RegistryRefresh   time.Duration `mapstructure:"registry_refresh"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// Read from .env file (optional)
	if err := v.ReadInConfig(); err != nil {
		// It's okay if .env doesn't exist, we'll use environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Only log if it's not a "file not found" error
			// We still continue because env vars might be set
		}
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "payments-engine")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")

	// Server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	// Database defaults
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "payments_engine")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 100)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 10)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "30m")

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Kafka defaults
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "payments-engine")
	v.SetDefault("KAFKA_CLIENT_ID", "payments-engine")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", true)
	v.SetDefault("OTEL_SERVICE_NAME", "payments-engine")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Saga defaults
	v.SetDefault("SAGA_DEADLINE", "15m")
	v.SetDefault("SAGA_STEP_TIMEOUT", "30s")
	v.SetDefault("SAGA_MAX_STEP_RETRIES", 3)
	v.SetDefault("SAGA_LEASE_TTL", "30s")
	v.SetDefault("SAGA_DRIVER_POLL_EVERY", "500ms")
	v.SetDefault("SAGA_DRIVER_BATCH_SIZE", 50)
	v.SetDefault("SAGA_DRIVER_WORKERS", 10)
	v.SetDefault("SAGA_RETENTION_PERIOD", "720h") // 30 days

	// Limits defaults
	v.SetDefault("LIMITS_RESERVATION_TTL", "30m")
	v.SetDefault("LIMITS_SWEEP_INTERVAL", "1m")
	v.SetDefault("LIMITS_SWEEP_BATCH_SIZE", 100)
	v.SetDefault("LIMITS_DEFAULT_DAILY", "100000")
	v.SetDefault("LIMITS_DEFAULT_MONTHLY", "500000")
	v.SetDefault("LIMITS_DEFAULT_PER_TXN", "50000")
	v.SetDefault("LIMITS_DEFAULT_DAY_COUNT", 50)

	// Resiliency defaults
	v.SetDefault("RESILIENCY_FAILURE_THRESHOLD", 0.5)
	v.SetDefault("RESILIENCY_SLOW_CALL_THRESHOLD", 0.8)
	v.SetDefault("RESILIENCY_SLOW_CALL_DURATION", "2s")
	v.SetDefault("RESILIENCY_WINDOW_SIZE", 20)
	v.SetDefault("RESILIENCY_WAIT_DURATION", "30s")
	v.SetDefault("RESILIENCY_HALF_OPEN_MAX_CALLS", 3)
	v.SetDefault("RESILIENCY_SUCCESS_THRESHOLD", 2)
	v.SetDefault("RESILIENCY_MAX_RETRIES", 3)
	v.SetDefault("RESILIENCY_RETRY_BASE_WAIT", "200ms")
	v.SetDefault("RESILIENCY_RETRY_MAX_WAIT", "5s")
	v.SetDefault("RESILIENCY_BULKHEAD_SIZE", 32)
	v.SetDefault("RESILIENCY_BULKHEAD_WAIT", "0s")
	v.SetDefault("RESILIENCY_HEALTH_INTERVAL", "10s")
	v.SetDefault("RESILIENCY_HEALTH_TTL", "15s")
	v.SetDefault("RESILIENCY_QUEUE_MAX_RETRIES", 10)
	v.SetDefault("RESILIENCY_QUEUE_BACKOFF_BASE", "10s")
	v.SetDefault("RESILIENCY_QUEUE_BACKOFF_MAX", "10m")
	v.SetDefault("RESILIENCY_QUEUE_EXPIRY", "24h")
	v.SetDefault("RESILIENCY_QUEUE_POLL_EVERY", "5s")
	v.SetDefault("RESILIENCY_QUEUE_BATCH_SIZE", 50)
	v.SetDefault("RESILIENCY_QUEUE_WORKERS", 5)

	// Routing defaults
	v.SetDefault("ROUTING_CACHE_TTL", "5m")

	// Fraud defaults
	v.SetDefault("FRAUD_PROVIDER_URL", "http://localhost:9200")
	v.SetDefault("FRAUD_PROVIDER_TIMEOUT", "2s")
	v.SetDefault("FRAUD_DEFAULT_FALLBACK", "fail_open")

	// Accounts defaults
	v.SetDefault("ACCOUNTS_SNAPSHOT_STALENESS", "5m")
	v.SetDefault("ACCOUNTS_HOLD_TTL", "30m")
	v.SetDefault("ACCOUNTS_REGISTRY_REFRESH", "5m")
}

func bindConfig(v *viper.Viper, cfg *Config) error {
	// App
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")

	// Server
	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	// Database
	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxOpenConns = v.GetInt("DATABASE_MAX_OPEN_CONNS")
	cfg.Database.MaxIdleConns = v.GetInt("DATABASE_MAX_IDLE_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")

	// Redis
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	// Kafka
	brokersStr := v.GetString("KAFKA_BROKERS")
	cfg.Kafka.Brokers = strings.Split(brokersStr, ",")
	cfg.Kafka.ConsumerGroup = v.GetString("KAFKA_CONSUMER_GROUP")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	// Saga
	cfg.Saga.Deadline = v.GetDuration("SAGA_DEADLINE")
	cfg.Saga.StepTimeout = v.GetDuration("SAGA_STEP_TIMEOUT")
	cfg.Saga.MaxStepRetries = v.GetInt("SAGA_MAX_STEP_RETRIES")
	cfg.Saga.LeaseTTL = v.GetDuration("SAGA_LEASE_TTL")
	cfg.Saga.DriverPollEvery = v.GetDuration("SAGA_DRIVER_POLL_EVERY")
	cfg.Saga.DriverBatchSize = v.GetInt("SAGA_DRIVER_BATCH_SIZE")
	cfg.Saga.DriverWorkers = v.GetInt("SAGA_DRIVER_WORKERS")
	cfg.Saga.RetentionPeriod = v.GetDuration("SAGA_RETENTION_PERIOD")

	// Limits
	cfg.Limits.ReservationTTL = v.GetDuration("LIMITS_RESERVATION_TTL")
	cfg.Limits.SweepInterval = v.GetDuration("LIMITS_SWEEP_INTERVAL")
	cfg.Limits.SweepBatchSize = v.GetInt("LIMITS_SWEEP_BATCH_SIZE")
	cfg.Limits.DefaultDaily = v.GetString("LIMITS_DEFAULT_DAILY")
	cfg.Limits.DefaultMonthly = v.GetString("LIMITS_DEFAULT_MONTHLY")
	cfg.Limits.DefaultPerTxn = v.GetString("LIMITS_DEFAULT_PER_TXN")
	cfg.Limits.DefaultDayCount = v.GetInt64("LIMITS_DEFAULT_DAY_COUNT")

	// Resiliency
	cfg.Resiliency.FailureThreshold = v.GetFloat64("RESILIENCY_FAILURE_THRESHOLD")
	cfg.Resiliency.SlowCallThreshold = v.GetFloat64("RESILIENCY_SLOW_CALL_THRESHOLD")
	cfg.Resiliency.SlowCallDuration = v.GetDuration("RESILIENCY_SLOW_CALL_DURATION")
	cfg.Resiliency.WindowSize = v.GetInt("RESILIENCY_WINDOW_SIZE")
	cfg.Resiliency.WaitDuration = v.GetDuration("RESILIENCY_WAIT_DURATION")
	cfg.Resiliency.HalfOpenMaxCalls = v.GetInt("RESILIENCY_HALF_OPEN_MAX_CALLS")
	cfg.Resiliency.SuccessThreshold = v.GetInt("RESILIENCY_SUCCESS_THRESHOLD")
	cfg.Resiliency.MaxRetries = v.GetInt("RESILIENCY_MAX_RETRIES")
	cfg.Resiliency.RetryBaseWait = v.GetDuration("RESILIENCY_RETRY_BASE_WAIT")
	cfg.Resiliency.RetryMaxWait = v.GetDuration("RESILIENCY_RETRY_MAX_WAIT")
	cfg.Resiliency.BulkheadSize = v.GetInt("RESILIENCY_BULKHEAD_SIZE")
	cfg.Resiliency.BulkheadWait = v.GetDuration("RESILIENCY_BULKHEAD_WAIT")
	cfg.Resiliency.HealthInterval = v.GetDuration("RESILIENCY_HEALTH_INTERVAL")
	cfg.Resiliency.HealthTTL = v.GetDuration("RESILIENCY_HEALTH_TTL")
	cfg.Resiliency.QueueMaxRetries = v.GetInt("RESILIENCY_QUEUE_MAX_RETRIES")
	cfg.Resiliency.QueueBackoffBase = v.GetDuration("RESILIENCY_QUEUE_BACKOFF_BASE")
	cfg.Resiliency.QueueBackoffMax = v.GetDuration("RESILIENCY_QUEUE_BACKOFF_MAX")
	cfg.Resiliency.QueueExpiry = v.GetDuration("RESILIENCY_QUEUE_EXPIRY")
	cfg.Resiliency.QueuePollEvery = v.GetDuration("RESILIENCY_QUEUE_POLL_EVERY")
	cfg.Resiliency.QueueBatchSize = v.GetInt("RESILIENCY_QUEUE_BATCH_SIZE")
	cfg.Resiliency.QueueWorkers = v.GetInt("RESILIENCY_QUEUE_WORKERS")

	// Routing
	cfg.Routing.CacheTTL = v.GetDuration("ROUTING_CACHE_TTL")

	// Fraud
	cfg.Fraud.ProviderURL = v.GetString("FRAUD_PROVIDER_URL")
	cfg.Fraud.ProviderTimeout = v.GetDuration("FRAUD_PROVIDER_TIMEOUT")
	cfg.Fraud.DefaultFallback = v.GetString("FRAUD_DEFAULT_FALLBACK")

	// Accounts
	cfg.Accounts.SnapshotStaleness = v.GetDuration("ACCOUNTS_SNAPSHOT_STALENESS")
	cfg.Accounts.HoldTTL = v.GetDuration("ACCOUNTS_HOLD_TTL")
	cfg.Accounts.RegistryRefresh = v.GetDuration("ACCOUNTS_REGISTRY_REFRESH")

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("DATABASE_HOST is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("DATABASE_DBNAME is required")
	}

	if c.Saga.LeaseTTL <= 0 {
		return fmt.Errorf("SAGA_LEASE_TTL must be positive")
	}
	if c.Limits.ReservationTTL <= 0 {
		return fmt.Errorf("LIMITS_RESERVATION_TTL must be positive")
	}

	switch c.Fraud.DefaultFallback {
	case "fail_open", "fail_closed", "rule_based":
	default:
		return fmt.Errorf("invalid FRAUD_DEFAULT_FALLBACK: %s", c.Fraud.DefaultFallback)
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
