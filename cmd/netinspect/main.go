package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	// Registers the charset body decoder with the capture registry.
	_ "github.com/adamdrake/go_netinspect/internal/blob"
	"github.com/adamdrake/go_netinspect/internal/config"
	"github.com/adamdrake/go_netinspect/internal/logging"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "netinspect",
		Short: "Capture and inspect outgoing HTTP requests",
		Long: `netinspect records HTTP requests made through an intercepting transport
and serves them to debugging tools over a JSON, SSE and WebSocket API.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")
	pf.StringVar(&flags.logFile, "log-file", "", "Also write logs to this rotated file")

	rootCmd.AddCommand(newServeCmd(flags))
	rootCmd.AddCommand(newFetchCmd(flags))

	return rootCmd
}

// load reads the configuration and applies the logging flags over it.
func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}
	if f.logFile != "" {
		cfg.LogFile = f.logFile
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
		Output: os.Stderr,
		File:   cfg.LogFile,
	})
	slog.SetDefault(logger)
	return logger, closer
}
