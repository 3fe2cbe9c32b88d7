package client

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jwalitptl/notification-hub/pkg/client/offline"
)

// Config is read from NOTIFY_CLIENT_* environment variables.
type Config struct {
	BaseURL           string        `envconfig:"BASE_URL" default:"http://localhost:8080"`
	Token             string        `envconfig:"TOKEN" required:"true"`
	StorePath         string        `envconfig:"STORE_PATH" default:"./data/notify-client.db"`
	Timeout           time.Duration `envconfig:"TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"25s"`
	ProbeInterval     time.Duration `envconfig:"PROBE_INTERVAL" default:"15s"`
	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"2s"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelay        time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
	DedupTTL          time.Duration `envconfig:"DEDUP_TTL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("NOTIFY_CLIENT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) QueueConfig() offline.QueueConfig {
	return offline.QueueConfig{
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RetryDelay,
	}
}
