package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all process configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// The three external endpoints: upstream sync server, database, listen
	// address.
	MeteorURL  string `env:"ROUTER_METEOR_URL" envDefault:"ws://127.0.0.1:3000/websocket"`
	MongoURL   string `env:"ROUTER_MONGO_URL" envDefault:"mongodb://127.0.0.1:27017/meteor"`
	ListenAddr string `env:"ROUTER_LISTEN_ADDR" envDefault:":4000"`

	// Change-notification ingestion.
	WatchTransport string `env:"ROUTER_WATCH_TRANSPORT" envDefault:"nats"` // "nats" or "kafka"
	NATSURL        string `env:"ROUTER_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	KafkaBrokers   string `env:"ROUTER_KAFKA_BROKERS" envDefault:"localhost:9092"`

	// Resource limits (from container, reused from the admission-control guard).
	CPULimit    float64 `env:"ROUTER_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"ROUTER_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Capacity and concurrency.
	MaxSessions        int `env:"ROUTER_MAX_SESSIONS" envDefault:"500"`
	PollWorkerCount    int `env:"ROUTER_POLL_WORKER_COUNT" envDefault:"8"`
	PollWorkerQueue    int `env:"ROUTER_POLL_WORKER_QUEUE" envDefault:"256"`
	MaxInboundMsgsRate int `env:"ROUTER_MAX_INBOUND_MSGS_RATE" envDefault:"50"` // per session, per second

	// Safety thresholds, relative to container CPU allocation.
	CPURejectThreshold float64 `env:"ROUTER_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"ROUTER_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Monitoring.
	MetricsAddr     string        `env:"ROUTER_METRICS_ADDR" envDefault:":9100"`
	MetricsInterval time.Duration `env:"ROUTER_METRICS_INTERVAL" envDefault:"15s"`

	// Logging.
	LogLevel  string `env:"ROUTER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ROUTER_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ROUTER_ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from an optional .env file and environment
// variables. Priority: env vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.MeteorURL == "" {
		return fmt.Errorf("ROUTER_METEOR_URL is required")
	}
	if c.MongoURL == "" {
		return fmt.Errorf("ROUTER_MONGO_URL is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("ROUTER_LISTEN_ADDR is required")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("ROUTER_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("ROUTER_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("ROUTER_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("ROUTER_CPU_PAUSE_THRESHOLD (%.1f) must be >= ROUTER_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("ROUTER_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("ROUTER_LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	validTransports := map[string]bool{"nats": true, "kafka": true}
	if !validTransports[c.WatchTransport] {
		return fmt.Errorf("ROUTER_WATCH_TRANSPORT must be one of: nats, kafka (got: %s)", c.WatchTransport)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format).
func (c *Config) Print() {
	fmt.Println("=== Router Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Listen Addr:     %s\n", c.ListenAddr)
	fmt.Printf("Meteor URL:      %s\n", c.MeteorURL)
	fmt.Printf("Mongo URL:       %s\n", c.MongoURL)
	fmt.Printf("Watch Transport: %s\n", c.WatchTransport)
	fmt.Println("\n=== Resource Limits ===")
	fmt.Printf("CPU Limit:       %.1f cores\n", c.CPULimit)
	fmt.Printf("Memory Limit:    %d MB\n", c.MemoryLimit/(1024*1024))
	fmt.Printf("Max Sessions:    %d\n", c.MaxSessions)
	fmt.Println("\n=== Safety Thresholds ===")
	fmt.Printf("CPU Reject:      %.1f%%\n", c.CPURejectThreshold)
	fmt.Printf("CPU Pause:       %.1f%%\n", c.CPUPauseThreshold)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("listen_addr", c.ListenAddr).
		Str("meteor_url", c.MeteorURL).
		Str("mongo_url", c.MongoURL).
		Str("watch_transport", c.WatchTransport).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int("max_sessions", c.MaxSessions).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("router configuration loaded")
}
