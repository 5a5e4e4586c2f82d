// Package main provides the agentcomm binary entry point.
// Agentcomm is the file-based messaging and coordination core used by
// autonomous project-management agents to exchange task traffic.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/agentcomm/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "agentcomm"
)

// Exit codes reported to callers (supervisor scripts key off these).
const (
	exitOK         = 0
	exitValidation = 1
	exitIO         = 2
	exitProtocol   = 3
)

// exitError carries an explicit process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func validationErr(err error) error { return &exitError{code: exitValidation, err: err} }
func ioErr(err error) error         { return &exitError{code: exitIO, err: err} }
func protocolErr(err error) error   { return &exitError{code: exitProtocol, err: err} }

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitIO)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitValidation)
	}
}

// cliOptions are the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Inter-agent messaging core",
		Long: `Agentcomm is the messaging and coordination core for autonomous
project-management agents.

It provides:
- Durable priority queues and an append-only inbox channel per agent
- Delivery tracking with acknowledgements, retries, and a dead letter queue
- Task graph analysis and cross-agent handoff coordination

All state lives under the configured root directory; no broker is required.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(dlqCmd(opts))
	cmd.AddCommand(queueCmd(opts))
	cmd.AddCommand(validateCmd(opts))
	cmd.AddCommand(runCmd(opts))

	return cmd
}

// setup builds the logger and loads the layered configuration.
func (o *cliOptions) setup() (*config.Config, *slog.Logger, error) {
	logLevel := o.logLevel
	// Environment override applies when the flag is left at its default.
	if env := os.Getenv("AGENTCOMM_LOG_LEVEL"); env != "" && logLevel == "info" {
		logLevel = env
	}

	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if o.configPath != "" {
		cfg, err := config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, nil, ioErr(fmt.Errorf("load config: %w", err))
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, validationErr(fmt.Errorf("invalid configuration: %w", err))
		}
		return cfg, logger, nil
	}

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, nil, validationErr(fmt.Errorf("load config: %w", err))
	}
	return cfg, logger, nil
}
