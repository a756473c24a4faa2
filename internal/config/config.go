// Package config loads and validates widget configuration.
//
// Two kinds of configuration exist:
//
//   - [Config]: local settings for one widget instance (engine URL, embed id,
//     mock mode, stream mode, storage backend). Loaded once at startup from a
//     yaml file, CHATEMBED_* environment variables and defaults, in that
//     order of increasing precedence for env over file.
//   - [DeploymentConfig]: static-ish metadata fetched once from the engine's
//     public config endpoint (agent name, branding, welcome text). The
//     streaming core only reads it.
package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/viper"
)

// Stream mode names accepted in configuration. They mirror the transcript
// package's StreamMode values; config keeps plain strings so it stays a leaf
// package.
const (
	StreamModeReplace  = "replace"
	StreamModeAppend   = "append"
	StreamModeBuffered = "buffered"
)

// Store backend names accepted in configuration.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// DefaultEngineURL is the production chat engine endpoint.
const DefaultEngineURL = "https://chat-embed-deployment.onrender.com"

// Config is the local widget-instance configuration.
type Config struct {
	// EngineURL is the chat engine base URL.
	EngineURL string `mapstructure:"engine_url"`

	// EmbedID identifies the deployment this widget instance belongs to.
	// It is also the scope key partitioning durable session storage.
	EmbedID string `mapstructure:"embed_id"`

	// MockMode swaps the live transport for the deterministic mock.
	MockMode bool `mapstructure:"mock_mode"`

	// StreamMode selects token-by-token display ("replace" or "append")
	// versus reveal-on-completion ("buffered").
	StreamMode string `mapstructure:"stream_mode"`

	// StoreBackend selects the session persistence backend.
	StoreBackend string `mapstructure:"store_backend"`

	// StorePath is the directory (file backend) or database path (sqlite
	// backend) for persisted sessions.
	StorePath string `mapstructure:"store_path"`

	// RequestsPerSecond caps outbound message requests on the live
	// transport. Zero disables the limiter.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// LogJSON switches log output to JSON format.
	LogJSON bool `mapstructure:"log_json"`
}

// ErrMissingEmbedID indicates no embed id was configured for live mode.
var ErrMissingEmbedID = errors.New("embed_id is required unless mock_mode is enabled")

// Load reads configuration from chatembed.yaml (current directory or
// $HOME/.config/chatembed), applies CHATEMBED_* environment overrides and
// defaults, and validates the result. A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("chatembed")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/chatembed")

	setDefaults(v)

	v.SetEnvPrefix("CHATEMBED")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers defaults for every key so a bare environment still
// yields a usable (mock-ready) configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("engine_url", DefaultEngineURL)
	v.SetDefault("embed_id", "")
	v.SetDefault("mock_mode", false)
	v.SetDefault("stream_mode", StreamModeReplace)
	v.SetDefault("store_backend", StoreFile)
	v.SetDefault("store_path", "")
	v.SetDefault("requests_per_second", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Validate checks field values and cross-field requirements.
func (c *Config) Validate() error {
	switch c.StreamMode {
	case StreamModeReplace, StreamModeAppend, StreamModeBuffered:
	default:
		return fmt.Errorf("invalid stream_mode %q (want %s, %s or %s)",
			c.StreamMode, StreamModeReplace, StreamModeAppend, StreamModeBuffered)
	}

	switch c.StoreBackend {
	case StoreMemory, StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("invalid store_backend %q (want %s, %s or %s)",
			c.StoreBackend, StoreMemory, StoreFile, StoreSQLite)
	}

	if c.MockMode {
		return nil
	}

	if c.EmbedID == "" {
		return ErrMissingEmbedID
	}

	u, err := url.Parse(c.EngineURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid engine_url %q: must be an http(s) URL", c.EngineURL)
	}
	return nil
}
