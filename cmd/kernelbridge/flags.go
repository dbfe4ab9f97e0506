package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	LogFile         string
	Debug           bool
	ShutdownTimeout time.Duration
	Port            int
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, *flag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Flags fall back to environment variables
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("KERNELBRIDGE_CONFIG", ""),
		"Path to a JSON or YAML configuration file; defaults apply when empty (env: KERNELBRIDGE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("KERNELBRIDGE_CONFIG", ""),
		"Path to configuration file (env: KERNELBRIDGE_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("KERNELBRIDGE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: KERNELBRIDGE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("KERNELBRIDGE_LOG_FORMAT", "json"),
		"Log format: json, text (env: KERNELBRIDGE_LOG_FORMAT)")

	fs.StringVar(&cfg.LogFile, "log-file",
		getEnv("KERNELBRIDGE_LOG_FILE", ""),
		"Also append logs to this file (env: KERNELBRIDGE_LOG_FILE)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("KERNELBRIDGE_DEBUG", false),
		"Enable debug logging (env: KERNELBRIDGE_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("KERNELBRIDGE_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, overrides the config file (env: KERNELBRIDGE_SHUTDOWN_TIMEOUT)")

	fs.IntVar(&cfg.Port, "port",
		getEnvInt("KERNELBRIDGE_PORT", 0),
		"HTTP port, overrides the config file (env: KERNELBRIDGE_PORT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, fs, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}

	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - kernel supervisor and message bridge

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with defaults (HTTP on :5010, kernel link on ws://127.0.0.1:5011/link)
  %s

  # Run with a config file and text logs
  %s --config=/etc/kernelbridge/config.yaml --log-format=text

  # Keep a log file next to the pid directory
  %s --log-file=solidui/kernel.log

  # Validate configuration only
  %s --config=config.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
