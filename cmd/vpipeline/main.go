// Package main runs a VPipeline network participant as a standalone node.
// The node connects the configured tiers, preloads registered types, serves
// metrics and health, and saves every local object on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/VCore-Minecraft/VPipeline/config"
	vperrors "github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/metric"
	"github.com/VCore-Minecraft/VPipeline/participant"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "vpipeline"
)

// Exit codes
const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitDependency)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the node until ctx is done and returns the exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cliCfg, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		return exitConfig
	}
	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return exitOK
	}
	if err := validateFlags(cliCfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid flags: %v\n", err)
		return exitConfig
	}

	logger := setupLogger(stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("Starting VPipeline node",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		logger.Error("Configuration rejected", "error", err, "exit_code", exitConfig)
		return exitConfig
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "name", cfg.Name)
		return exitOK
	}

	node, err := participant.Build(ctx, cfg, logger)
	if err != nil {
		code := exitCode(err)
		logger.Error("Participant failed to start", "error", err, "exit_code", code)
		return code
	}

	code := serve(ctx, node, cfg, cliCfg, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
		if code == exitOK {
			code = exitDependency
		}
	}
	logger.Info("VPipeline node stopped", "exit_code", code)
	return code
}

// loadConfig loads and validates the configuration file and applies flag
// overrides
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cliCfg.MetricsPort >= 0 {
		cfg.Metrics.Port = cliCfg.MetricsPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve preloads, exposes metrics and blocks until ctx is done or the
// metrics server fails
func serve(ctx context.Context, node *participant.Participant, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) int {
	if cliCfg.Preload {
		if err := node.Pipeline().PreloadAll(ctx); err != nil {
			logger.Error("Preload failed", "error", err)
			return exitCode(err)
		}
	}

	serverErr := make(chan error, 1)
	if cfg.Metrics.Port > 0 {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, node.Metrics(), node.Health)
		go func() { serverErr <- server.Start() }()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
			defer cancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Warn("Metrics server did not stop cleanly", "error", err)
			}
		}()
		logger.Info("Serving metrics", "address", server.Address())
	}

	logger.Info("VPipeline node ready", "name", cfg.Name, "session", node.Pipeline().SessionID().String())

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		return exitOK
	case err := <-serverErr:
		if err == nil {
			return exitOK
		}
		logger.Error("Metrics server failed", "error", err)
		return exitDependency
	}
}

// exitCode maps a startup error to the process exit code
func exitCode(err error) int {
	if vperrors.IsInvalid(err) {
		return exitConfig
	}
	return exitDependency
}
