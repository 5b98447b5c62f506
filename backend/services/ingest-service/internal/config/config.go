package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "fieldtelemetry/backend/libs/config"
	"fieldtelemetry/backend/services/ingest-service/internal/buffer"
)

// Config defines ingestion service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"INGEST_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"INGEST_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr        string        `yaml:"addr" env:"INGEST_REDIS_ADDR"`
		Password    string        `yaml:"password" env:"INGEST_REDIS_PASSWORD"`
		DB          int           `yaml:"db" env:"INGEST_REDIS_DB"`
		SnapshotTTL time.Duration `yaml:"snapshotTTL" env:"INGEST_REDIS_SNAPSHOT_TTL"`
	} `yaml:"redis"`
	WebSocket struct {
		PingInterval      time.Duration `yaml:"pingInterval" env:"INGEST_WS_PING_INTERVAL"`
		WriteTimeout      time.Duration `yaml:"writeTimeout" env:"INGEST_WS_WRITE_TIMEOUT"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"INGEST_WS_HEARTBEAT_INTERVAL"`
		ReadLimitBytes    int64         `yaml:"readLimitBytes" env:"INGEST_WS_READ_LIMIT"`
		MaxDecompressed   int64         `yaml:"maxDecompressedBytes" env:"INGEST_WS_MAX_DECOMPRESSED"`
	} `yaml:"websocket"`
	Buffer struct {
		Capacity           int  `yaml:"capacity" env:"INGEST_BUFFER_CAPACITY"`
		AutoFlushThreshold int  `yaml:"autoFlushThreshold" env:"INGEST_BUFFER_THRESHOLD"`
		AutoFlushEnabled   bool `yaml:"autoFlushEnabled" env:"INGEST_BUFFER_AUTO_FLUSH"`
	} `yaml:"buffer"`
	Auth struct {
		DeviceTokenSecret string        `yaml:"deviceTokenSecret" env:"INGEST_DEVICE_TOKEN_SECRET"`
		DeviceTokenTTL    time.Duration `yaml:"deviceTokenTTL" env:"INGEST_DEVICE_TOKEN_TTL"`
		OperatorKeyHash   string        `yaml:"operatorKeyHash" env:"INGEST_OPERATOR_KEY_HASH"`
	} `yaml:"auth"`
	Events struct {
		AMQPURL string `yaml:"amqpUrl" env:"INGEST_AMQP_URL"`
		Queue   string `yaml:"queue" env:"INGEST_AMQP_QUEUE"`
	} `yaml:"events"`
	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL"`
	} `yaml:"log"`
}

// Default returns the configuration used before file and env overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = "8090"
	cfg.WebSocket.PingInterval = 30 * time.Second
	cfg.WebSocket.WriteTimeout = 15 * time.Second
	cfg.WebSocket.HeartbeatInterval = 30 * time.Second
	cfg.WebSocket.ReadLimitBytes = 4 << 20
	cfg.WebSocket.MaxDecompressed = 32 << 20
	cfg.Buffer.Capacity = 100
	cfg.Buffer.AutoFlushThreshold = 80
	cfg.Buffer.AutoFlushEnabled = true
	cfg.Events.Queue = "telemetry.events"
	cfg.Log.Level = "info"
	return cfg
}

// Load uses shared config loader and validates required fields. An empty
// path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database DSN is required")
	}
	if err := c.BufferSettings().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// BufferSettings returns default settings for new station buffers.
func (c *Config) BufferSettings() buffer.Settings {
	return buffer.Settings{
		Capacity:           c.Buffer.Capacity,
		AutoFlushThreshold: c.Buffer.AutoFlushThreshold,
		AutoFlushEnabled:   c.Buffer.AutoFlushEnabled,
	}
}

// RedisEnabled reports whether buffer snapshots are persisted.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// EventsEnabled reports whether hub events are relayed to AMQP.
func (c *Config) EventsEnabled() bool {
	return strings.TrimSpace(c.Events.AMQPURL) != ""
}
