// Package config handles configuration loading for Payout Guardian.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"payout-guardian/internal/action"
	"payout-guardian/internal/archive"
	"payout-guardian/internal/dispatch"
	"payout-guardian/internal/history"
	"payout-guardian/internal/intake"
	"payout-guardian/internal/quota"
	"payout-guardian/internal/retention"
	"payout-guardian/internal/rules"
)

// Config holds the complete application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Kafka         *intake.KafkaConfig      `yaml:"kafka"`
	Redis         RedisConfig              `yaml:"redis"`
	History       history.Config           `yaml:"history"`
	HistoryWriter history.WriterConfig     `yaml:"history_writer"`
	Loader        history.LoaderConfig     `yaml:"context_loader"`
	Store         StoreConfig              `yaml:"store"`
	Quota         quota.Config             `yaml:"quota"`
	Platform      rules.PlatformRules      `yaml:"platform_rules"`
	Dispatch      dispatch.Config          `yaml:"dispatch"`
	Email         dispatch.EmailConfig     `yaml:"email"`
	Chat          dispatch.ChatConfig      `yaml:"chat"`
	Action        action.Config            `yaml:"action"`
	Controller    action.ControllerConfig  `yaml:"payout_controller"`
	Retention     retention.Config         `yaml:"retention"`
	Archive       ArchiveConfig            `yaml:"archive"`
	Logging       LoggingConfig            `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig holds Redis connection settings for quota counters and
// intake idempotency markers.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	MarkTTL  time.Duration `yaml:"mark_ttl"`
}

// StoreConfig selects the alert store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// DSN is the sqlite file path.
	DSN string `yaml:"dsn"`
}

// ArchiveConfig wraps the S3 settings with an enable switch.
type ArchiveConfig struct {
	Enabled bool              `yaml:"enabled"`
	S3      *archive.S3Config `yaml:"s3"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Kafka: intake.DefaultKafkaConfig(),
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			MarkTTL: 24 * time.Hour,
		},
		History:       history.DefaultConfig(),
		HistoryWriter: history.DefaultWriterConfig(),
		Loader:        history.DefaultLoaderConfig(),
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "guardian.db",
		},
		Quota:     quota.DefaultConfig(),
		Platform:  rules.DefaultPlatformRules(),
		Dispatch:  dispatch.DefaultConfig(),
		Action:    action.DefaultConfig(),
		Retention: retention.DefaultConfig(),
		Archive: ArchiveConfig{
			Enabled: false,
			S3:      archive.DefaultS3Config(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the file named by GUARDIAN_CONFIG_PATH
// (default configs/config.yaml), falling back to defaults when the file
// is absent, then applies environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("GUARDIAN_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("GUARDIAN_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = p
		}
	}
	if level := os.Getenv("GUARDIAN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		c.Kafka.Topic = topic
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.History.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.History.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.History.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.History.Password = pass
	}

	if dsn := os.Getenv("GUARDIAN_STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}

	if key := os.Getenv("GUARDIAN_EMAIL_API_KEY"); key != "" {
		c.Email.APIKey = key
	}
	if url := os.Getenv("GUARDIAN_CHAT_WEBHOOK"); url != "" {
		c.Chat.WebhookURL = url
	}
	if key := os.Getenv("GUARDIAN_CONTROLLER_API_KEY"); key != "" {
		c.Controller.APIKey = key
	}
}

// Validate checks cross-component configuration consistency.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("config: invalid http port %d", c.Server.HTTPPort)
	}
	if c.Kafka != nil {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: sqlite store requires a dsn")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Archive.Enabled {
		if c.Archive.S3 == nil {
			return fmt.Errorf("config: archive enabled without s3 settings")
		}
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}
