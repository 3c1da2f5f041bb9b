package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Presence PresenceConfig `yaml:"presence"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Commands CommandsConfig `yaml:"commands"`
	Auth     AuthConfig     `yaml:"auth"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Log      LogConfig      `yaml:"log"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// IngestConfig bounds pipeline stages.
type IngestConfig struct {
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

// PresenceConfig drives the stale device sweep. Zero disables it.
type PresenceConfig struct {
	OfflineAfter  time.Duration `yaml:"offline_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MQTTConfig configures the broker connection. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
	Workers  int    `yaml:"workers"`
	// ManualAck acks deliveries only after they are processed, so storage
	// failures are redelivered by the broker.
	ManualAck bool `yaml:"manual_ack"`
}

// CommandsConfig drives device command tracking.
type CommandsConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// AuthConfig holds shared secrets. Empty secrets disable the matching check.
type AuthConfig struct {
	JWTSecret         string `yaml:"jwt_secret"`
	IngestSecret      string `yaml:"ingest_secret"`
	IngestSkewSeconds int    `yaml:"ingest_skew_seconds"`
}

// WebhookConfig configures the optional trigger webhook.
type WebhookConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Database: DatabaseConfig{Driver: "postgres", MaxOpenConns: 20},
		Ingest:   IngestConfig{StageTimeout: 5 * time.Second},
		Presence: PresenceConfig{OfflineAfter: 10 * time.Minute},
		MQTT:     MQTTConfig{ClientID: "farm-telemetry", QoS: 1, Workers: 4, ManualAck: true},
		Commands: CommandsConfig{AckTimeout: 2 * time.Minute},
		Auth:     AuthConfig{IngestSkewSeconds: 300},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, the
// environment and finally command-line flags.
func Load(args []string) (Config, error) {
	flags := pflag.NewFlagSet("farm-telemetry", pflag.ContinueOnError)
	path := flags.String("config", os.Getenv("FARM_CONFIG"), "path to YAML config file")
	addr := flags.String("http-addr", "", "HTTP listen address")
	logLevel := flags.String("log-level", "", "log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *path != "" {
		data, err := os.ReadFile(*path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", *path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", *path, err)
		}
	}

	applyEnv(&cfg)

	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getenvDefault("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ShutdownTimeout = getenvDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout)

	cfg.Database.Driver = getenvDefault("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.Database.DSN))
	cfg.Database.MaxOpenConns = getenvIntDefault("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getenvIntDefault("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)

	cfg.Ingest.StageTimeout = getenvDuration("INGEST_STAGE_TIMEOUT", cfg.Ingest.StageTimeout)
	cfg.Presence.OfflineAfter = getenvDuration("PRESENCE_OFFLINE_AFTER", cfg.Presence.OfflineAfter)
	cfg.Presence.SweepInterval = getenvDuration("PRESENCE_SWEEP_INTERVAL", cfg.Presence.SweepInterval)

	cfg.MQTT.Broker = getenvDefault("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getenvDefault("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenvDefault("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.QoS = getenvIntDefault("MQTT_QOS", cfg.MQTT.QoS)
	cfg.MQTT.Workers = getenvIntDefault("MQTT_WORKERS", cfg.MQTT.Workers)
	cfg.MQTT.ManualAck = getenvBool("MQTT_MANUAL_ACK", cfg.MQTT.ManualAck)

	cfg.Commands.AckTimeout = getenvDuration("COMMAND_ACK_TIMEOUT", cfg.Commands.AckTimeout)

	cfg.Auth.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.Auth.JWTSecret))
	cfg.Auth.IngestSecret = getenvDefault("INGEST_HMAC_SECRET", cfg.Auth.IngestSecret)
	cfg.Auth.IngestSkewSeconds = getenvIntDefault("INGEST_MAX_SKEW_SECONDS", cfg.Auth.IngestSkewSeconds)

	cfg.Webhook.URL = getenvDefault("TRIGGER_WEBHOOK_URL", cfg.Webhook.URL)
	cfg.Webhook.Token = getenvDefault("TRIGGER_WEBHOOK_TOKEN", cfg.Webhook.Token)

	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
}

// Validate checks required settings.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("config: http.addr is required"))
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("config: database.dsn (or DATABASE_URL) is required"))
	}
	if c.Ingest.StageTimeout <= 0 {
		errs = append(errs, errors.New("config: ingest.stage_timeout must be positive"))
	}
	if c.Presence.OfflineAfter < 0 {
		errs = append(errs, errors.New("config: presence.offline_after must not be negative"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("config: mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.Broker != "" && c.MQTT.Workers <= 0 {
		errs = append(errs, errors.New("config: mqtt.workers must be positive"))
	}
	if c.Commands.AckTimeout <= 0 {
		errs = append(errs, errors.New("config: commands.ack_timeout must be positive"))
	}
	if c.Auth.IngestSkewSeconds < 0 {
		errs = append(errs, errors.New("config: auth.ingest_skew_seconds must not be negative"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// IngestSkew returns the allowed ingest signature clock skew.
func (c Config) IngestSkew() time.Duration {
	return time.Duration(c.Auth.IngestSkewSeconds) * time.Second
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
