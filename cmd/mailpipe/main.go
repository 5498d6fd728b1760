// Package main is the entry point for mailpipe.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/mailpipe/internal/config"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailpipe",
	Short: "mailpipe - queued email delivery through SES, Graph and Gmail",
	Long: `mailpipe accepts messages over SMTP submission, applies rate limits and
quotas, and delivers them through a transactional email provider with
retries and circuit breaking.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
}

// loadConfig loads configuration from the --config path (YAML + env override)
// or from environment variables only, validates it, and installs the logger.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setupLogger(cfg.Logging.Level)
	return cfg, nil
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
