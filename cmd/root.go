// Package cmd wires the chatembed CLI: an interactive chat against a live
// engine or the built-in mock, plus inspection of persisted sessions.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koopa0/chatembed/internal/config"
	"github.com/koopa0/chatembed/internal/log"
	"github.com/koopa0/chatembed/internal/store"
	"github.com/koopa0/chatembed/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "chatembed",
	Short: "chatembed - embeddable chat session engine",
	Long: `chatembed drives streaming chat conversations against a deployed
chat engine, with durable session persistence and a deterministic mock
mode for development.

Running chatembed with no arguments starts an interactive chat.`,
	RunE: runChat,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Bool("mock", false, "use the built-in mock engine instead of the network")
	flags.String("embed-id", "", "deployment embed id")
	flags.String("engine-url", "", "chat engine base URL")
	flags.String("stream-mode", "", "text display mode: replace, append or buffered")
	flags.String("store", "", "session storage backend: memory, file or sqlite")
	flags.String("log-level", "", "log level: debug, info, warn or error")
}

// loadConfig loads file/env configuration and applies any flags the user set
// on top. Flags win over everything.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	// Flag overrides must land before validation: --mock alone has to be a
	// valid way to run without an embed id.
	cfg, err := config.Load()
	if err != nil && !flags.Changed("mock") && !flags.Changed("embed-id") {
		return nil, err
	}
	if cfg == nil {
		cfg = &config.Config{
			EngineURL:    config.DefaultEngineURL,
			StreamMode:   config.StreamModeReplace,
			StoreBackend: config.StoreFile,
			LogLevel:     "info",
		}
	}

	if flags.Changed("mock") {
		cfg.MockMode, _ = flags.GetBool("mock")
	}
	if flags.Changed("embed-id") {
		cfg.EmbedID, _ = flags.GetString("embed-id")
	}
	if flags.Changed("engine-url") {
		cfg.EngineURL, _ = flags.GetString("engine-url")
	}
	if flags.Changed("stream-mode") {
		cfg.StreamMode, _ = flags.GetString("stream-mode")
	}
	if flags.Changed("store") {
		cfg.StoreBackend, _ = flags.GetString("store")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the application logger from configuration.
func newLogger(cfg *config.Config) log.Logger {
	return log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
}

// newStore opens the configured session storage backend.
func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		return store.NewSQLiteStore(cfg.StorePath)
	default:
		return store.NewFileStore(cfg.StorePath)
	}
}

// newAdapter builds the transport for the configured mode.
func newAdapter(cfg *config.Config, logger log.Logger) transport.Adapter {
	if cfg.MockMode {
		return transport.NewMock(transport.MockConfig{
			StreamMode: streamMode(cfg),
		})
	}
	return transport.NewClient(transport.ClientConfig{
		BaseURL:           cfg.EngineURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, logger.With("component", "transport"))
}

// scopeID returns the storage scope for this configuration. Mock mode has no
// embed id, so it scopes under a fixed name.
func scopeID(cfg *config.Config) string {
	if cfg.EmbedID != "" {
		return cfg.EmbedID
	}
	return "mock"
}

func fmtError(err error) string {
	return errorStyle.Render(fmt.Sprintf("error: %v", err))
}
