// Package main runs the kernel bridge: it supervises the kernel manager
// process and relays commands and results between HTTP clients and it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/itsharex/SolidUI/config"
	"github.com/itsharex/SolidUI/metric"
	"github.com/itsharex/SolidUI/service"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "kernelbridge"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, fs, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger, closeLog, err := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, cliCfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	slog.Info("Starting kernel bridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"kernel_command", cfg.Kernel.Command,
		"transport", cfg.Link.Transport)

	coordinator, err := service.New(cfg,
		service.WithLogger(logger),
		service.WithMetrics(metric.NewMetricsRegistry()))
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Run(ctx); err != nil {
		return fmt.Errorf("kernel bridge: %w", err)
	}
	slog.Info("Kernel bridge shutdown complete")
	return nil
}

// loadConfig applies the config file, environment and flag overrides
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	loader.EnableValidation(false)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Port > 0 {
		cfg.HTTP.Port = cliCfg.Port
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = cliCfg.ShutdownTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
