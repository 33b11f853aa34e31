// Package config loads the relay's configuration from a YAML file with
// environment-variable overrides. A missing config file is not an error:
// every field has a usable default so the daemon can start bare.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relay daemon.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Encoder EncoderConfig `yaml:"encoder"`
	Stream  StreamConfig  `yaml:"stream"`
	Plans   []PlanConfig  `yaml:"plans"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// TLS serves wss:// with a self-signed certificate, for local
	// development against browsers that refuse mixed content.
	TLS bool `yaml:"tls"`
}

// LoggingConfig selects log level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// EncoderConfig controls the external encoder subprocess. Durations are
// expressed in whole seconds in the YAML file.
type EncoderConfig struct {
	Binary              string `yaml:"binary"`
	SpawnTimeoutSeconds int    `yaml:"spawn_timeout_seconds"`
	StopGraceSeconds    int    `yaml:"stop_grace_seconds"`
}

// SpawnTimeout is the spawn deadline as a duration.
func (c EncoderConfig) SpawnTimeout() time.Duration {
	return time.Duration(c.SpawnTimeoutSeconds) * time.Second
}

// StopGrace is the graceful-stop window as a duration.
func (c EncoderConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// StreamConfig bounds per-session frame queueing and status reporting.
type StreamConfig struct {
	MaxPendingFrames      int `yaml:"max_pending_frames"`
	StatusIntervalSeconds int `yaml:"status_interval_seconds"`
}

// StatusInterval is the periodic status cadence as a duration.
func (c StreamConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds) * time.Second
}

// PlanConfig overrides or extends the built-in plan-tier quality table.
type PlanConfig struct {
	Name        string `yaml:"name"`
	BitrateKbps int    `yaml:"bitrate_kbps"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FrameRate   int    `yaml:"frame_rate"`
}

// Default returns the built-in configuration used when no file or
// environment overrides are present.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8787"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Encoder: EncoderConfig{
			Binary:              "ffmpeg",
			SpawnTimeoutSeconds: 5,
			StopGraceSeconds:    5,
		},
		Stream: StreamConfig{
			MaxPendingFrames:      8,
			StatusIntervalSeconds: 5,
		},
	}
}

// Load reads path (if non-empty and present), applies environment
// overrides, validates, and returns the result. A `.env` file in the
// working directory is loaded first so overrides can live there too.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // optional; absence is fine

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults + env
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = envOr("CANVASCAST_ADDR", cfg.Server.Addr)
	cfg.Logging.Level = envOr("CANVASCAST_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOr("CANVASCAST_LOG_FORMAT", cfg.Logging.Format)
	cfg.Encoder.Binary = envOr("CANVASCAST_FFMPEG", cfg.Encoder.Binary)
	cfg.Stream.MaxPendingFrames = envOrInt("CANVASCAST_MAX_PENDING_FRAMES", cfg.Stream.MaxPendingFrames)
	if v := os.Getenv("CANVASCAST_TLS"); v != "" {
		cfg.Server.TLS = v == "1" || v == "true"
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	if c.Encoder.Binary == "" {
		return fmt.Errorf("encoder.binary must not be empty")
	}
	if c.Encoder.SpawnTimeoutSeconds <= 0 {
		return fmt.Errorf("encoder.spawn_timeout_seconds must be positive")
	}
	if c.Encoder.StopGraceSeconds <= 0 {
		return fmt.Errorf("encoder.stop_grace_seconds must be positive")
	}
	if c.Stream.MaxPendingFrames < 1 {
		return fmt.Errorf("stream.max_pending_frames must be at least 1")
	}
	if c.Stream.StatusIntervalSeconds <= 0 {
		return fmt.Errorf("stream.status_interval_seconds must be positive")
	}
	for _, p := range c.Plans {
		if p.Name == "" {
			return fmt.Errorf("plan with empty name")
		}
		if p.BitrateKbps <= 0 || p.Width <= 0 || p.Height <= 0 || p.FrameRate <= 0 {
			return fmt.Errorf("plan %q has non-positive quality fields", p.Name)
		}
	}
	return nil
}

// envOr returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func envOr(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// envOrInt is envOr for integer-valued variables; non-integers fall back.
func envOrInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}
