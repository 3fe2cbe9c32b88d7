package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notification-hub/internal/channel"
	"github.com/jwalitptl/notification-hub/internal/consumer"
	"github.com/jwalitptl/notification-hub/internal/handler/ws"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/presence"
	"github.com/jwalitptl/notification-hub/internal/repository/postgres"
	"github.com/jwalitptl/notification-hub/internal/router"
	"github.com/jwalitptl/notification-hub/internal/service/preference"
	"github.com/jwalitptl/notification-hub/internal/worker"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/messaging/redis"
)

const envPrefix = "NOTIFY"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Presence    PresenceConfig    `mapstructure:"presence"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Preferences PreferencesConfig `mapstructure:"preferences"`
	Email       EmailConfig       `mapstructure:"email"`
	SMS         GatewayConfig     `mapstructure:"sms"`
	Push        GatewayConfig     `mapstructure:"push"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	// Port serves /metrics and health probes from processes without an API.
	Port int `mapstructure:"port"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type DispatcherConfig struct {
	NodeID        string        `mapstructure:"node_id"`
	Workers       int           `mapstructure:"workers"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	MaxRetries    int           `mapstructure:"max_retries"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	Lease         time.Duration `mapstructure:"lease"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
}

type PresenceConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	ReplayDebounce   time.Duration `mapstructure:"replay_debounce"`
	DirectoryTTL     time.Duration `mapstructure:"directory_ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type WebSocketConfig struct {
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type PreferencesConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	CacheCleanup time.Duration `mapstructure:"cache_cleanup"`
}

type LimitConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type EmailConfig struct {
	Host     string      `mapstructure:"host"`
	Port     int         `mapstructure:"port"`
	Username string      `mapstructure:"username"`
	Password string      `mapstructure:"password"`
	From     string      `mapstructure:"from"`
	Limits   LimitConfig `mapstructure:"limits"`
}

type GatewayConfig struct {
	URL    string      `mapstructure:"url"`
	APIKey string      `mapstructure:"api_key"`
	Limits LimitConfig `mapstructure:"limits"`
}

type KafkaConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	GroupID  string        `mapstructure:"group_id"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	RetryMax time.Duration `mapstructure:"retry_max"`
}

type MaintenanceConfig struct {
	Timezone      string        `mapstructure:"timezone"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RetentionDays int           `mapstructure:"retention_days"`
	RetentionSpec string        `mapstructure:"retention_spec"`
}

// LoadConfig reads config.yml from the usual locations, then .env, then
// NOTIFY_* environment variables. A missing config file is not an error.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	if file := os.Getenv(envPrefix + "_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app/config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dispatcher := worker.DefaultDispatcherConfig()
	backoff := worker.DefaultBackoff()
	registry := presence.DefaultConfig()
	socket := ws.DefaultConfig()
	cache := preference.DefaultCacheConfig()
	guard := channel.DefaultGuardConfig("")
	kafka := consumer.DefaultConfig()
	maintenance := worker.DefaultMaintenanceConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.max_body_bytes", middleware.DefaultSizeLimitConfig().MaxBodySize)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "notifications")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("metrics.namespace", "notification_hub")
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("dispatcher.node_id", "")
	v.SetDefault("dispatcher.workers", dispatcher.Workers)
	v.SetDefault("dispatcher.poll_interval", dispatcher.PollInterval)
	v.SetDefault("dispatcher.batch_size", dispatcher.BatchSize)
	v.SetDefault("dispatcher.concurrency", dispatcher.Concurrency)
	v.SetDefault("dispatcher.max_retries", dispatcher.MaxRetries)
	v.SetDefault("dispatcher.send_timeout", dispatcher.SendTimeout)
	v.SetDefault("dispatcher.shutdown_grace", dispatcher.ShutdownGrace)
	v.SetDefault("dispatcher.lease", 60*time.Second)
	v.SetDefault("dispatcher.backoff_base", backoff.Base)
	v.SetDefault("dispatcher.backoff_max", backoff.Max)
	v.SetDefault("dispatcher.backoff_jitter", backoff.Jitter)

	v.SetDefault("presence.heartbeat_timeout", registry.HeartbeatTimeout)
	v.SetDefault("presence.replay_debounce", registry.ReplayDebounce)
	v.SetDefault("presence.directory_ttl", 2*time.Minute)
	v.SetDefault("presence.sweep_interval", 30*time.Second)

	v.SetDefault("websocket.read_timeout", socket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", socket.WriteTimeout)
	v.SetDefault("websocket.ping_interval", socket.PingInterval)
	v.SetDefault("websocket.max_message_size", socket.MaxMessageSize)

	v.SetDefault("preferences.cache_ttl", cache.TTL)
	v.SetDefault("preferences.cache_cleanup", cache.CleanupInterval)

	for _, ch := range []string{"email", "sms", "push"} {
		v.SetDefault(ch+".limits.timeout", guard.Timeout)
		v.SetDefault(ch+".limits.rate_per_second", guard.RatePerSecond)
		v.SetDefault(ch+".limits.burst", guard.Burst)
		v.SetDefault(ch+".limits.breaker_failures", guard.BreakerFailures)
		v.SetDefault(ch+".limits.breaker_timeout", guard.BreakerTimeout)
	}
	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "no-reply@example.com")
	v.SetDefault("sms.url", "")
	v.SetDefault("sms.api_key", "")
	v.SetDefault("push.url", "")
	v.SetDefault("push.api_key", "")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", kafka.Topic)
	v.SetDefault("kafka.group_id", kafka.GroupID)
	v.SetDefault("kafka.min_bytes", kafka.MinBytes)
	v.SetDefault("kafka.max_bytes", kafka.MaxBytes)
	v.SetDefault("kafka.retry_max", kafka.RetryMax)

	v.SetDefault("maintenance.timezone", "UTC")
	v.SetDefault("maintenance.job_timeout", time.Minute)
	v.SetDefault("maintenance.sweep_interval", maintenance.SweepInterval)
	v.SetDefault("maintenance.retention_days", maintenance.RetentionDays)
	v.SetDefault("maintenance.retention_spec", maintenance.RetentionSpec)
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.Dispatcher.MaxRetries < 1 {
		return fmt.Errorf("dispatcher.max_retries must be at least 1")
	}
	if c.Dispatcher.Lease <= c.Dispatcher.SendTimeout {
		return fmt.Errorf("dispatcher.lease must exceed dispatcher.send_timeout")
	}
	if c.Maintenance.RetentionDays < 1 {
		return fmt.Errorf("maintenance.retention_days must be at least 1")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

func (c *DatabaseConfig) ToDBConfig() postgres.Config {
	return postgres.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Name:            c.Name,
		SSLMode:         c.SSLMode,
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

func (c *LogConfig) ToLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      logger.ParseLevel(c.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       c.JSON,
	}
}

// ToDispatcherConfig fills unset fields from the dispatcher defaults. An empty
// node ID gets a fresh one per process.
func (c *DispatcherConfig) ToDispatcherConfig() worker.DispatcherConfig {
	cfg := worker.DefaultDispatcherConfig()
	if c.NodeID != "" {
		cfg.NodeID = c.NodeID
	}
	cfg.Workers = c.Workers
	cfg.PollInterval = c.PollInterval
	cfg.BatchSize = c.BatchSize
	cfg.Concurrency = c.Concurrency
	cfg.MaxRetries = c.MaxRetries
	cfg.SendTimeout = c.SendTimeout
	cfg.ShutdownGrace = c.ShutdownGrace
	cfg.Backoff.Base = c.BackoffBase
	cfg.Backoff.Max = c.BackoffMax
	cfg.Backoff.Jitter = c.BackoffJitter
	return cfg
}

func (c *PresenceConfig) ToRegistryConfig() presence.Config {
	return presence.Config{
		HeartbeatTimeout: c.HeartbeatTimeout,
		ReplayDebounce:   c.ReplayDebounce,
	}
}

func (c *WebSocketConfig) ToHandlerConfig(allowedOrigins []string) ws.Config {
	return ws.Config{
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		PingInterval:   c.PingInterval,
		MaxMessageSize: c.MaxMessageSize,
		AllowedOrigins: allowedOrigins,
	}
}

func (c *PreferencesConfig) ToCacheConfig() preference.CacheConfig {
	return preference.CacheConfig{
		TTL:             c.CacheTTL,
		CleanupInterval: c.CacheCleanup,
	}
}

func (c *LimitConfig) ToGuardConfig(name string) channel.GuardConfig {
	return channel.GuardConfig{
		Name:            name,
		Timeout:         c.Timeout,
		RatePerSecond:   c.RatePerSecond,
		Burst:           c.Burst,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
	}
}

func (c *EmailConfig) Enabled() bool {
	return c.Host != ""
}

func (c *EmailConfig) ToSenderConfig() channel.EmailConfig {
	return channel.EmailConfig{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		From:     c.From,
	}
}

func (c *GatewayConfig) Enabled() bool {
	return c.URL != ""
}

func (c *GatewayConfig) ToSenderConfig() channel.GatewayConfig {
	return channel.GatewayConfig{
		URL:     c.URL,
		APIKey:  c.APIKey,
		Timeout: c.Limits.Timeout,
	}
}

func (c *KafkaConfig) ToConsumerConfig() consumer.Config {
	return consumer.Config{
		Brokers:  c.Brokers,
		Topic:    c.Topic,
		GroupID:  c.GroupID,
		MinBytes: c.MinBytes,
		MaxBytes: c.MaxBytes,
		RetryMax: c.RetryMax,
	}
}

func (c *MaintenanceConfig) ToSchedulerConfig() worker.SchedulerConfig {
	return worker.SchedulerConfig{
		Timezone:   c.Timezone,
		JobTimeout: c.JobTimeout,
	}
}

func (c *MaintenanceConfig) ToMaintenanceConfig() worker.MaintenanceConfig {
	return worker.MaintenanceConfig{
		SweepInterval: c.SweepInterval,
		RetentionDays: c.RetentionDays,
		RetentionSpec: c.RetentionSpec,
	}
}

func (c *Config) ToRouterConfig() router.RouterConfig {
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = c.Server.AllowedOrigins
	size := middleware.DefaultSizeLimitConfig()
	size.MaxBodySize = c.Server.MaxBodyBytes

	return router.RouterConfig{
		Mode: c.Server.Mode,
		RateLimiter: middleware.RateLimiterConfig{
			Rate:  rate.Limit(c.RateLimit.RequestsPerSecond),
			Burst: c.RateLimit.Burst,
		},
		CORSConfig: cors,
		SizeLimit:  size,
		Validation: middleware.DefaultValidationConfig(),
		Security:   middleware.DefaultSecurityConfig(),
	}
}
