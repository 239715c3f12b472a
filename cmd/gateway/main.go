// Command gateway runs the hospital services API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hospitalcore/gateway/internal/config"
	"github.com/hospitalcore/gateway/internal/gateway"
	"github.com/hospitalcore/gateway/internal/observability"
)

const shutdownTimeout = 30 * time.Second

type cliFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	watch      bool
}

func parseFlags() cliFlags {
	var flags cliFlags
	flag.StringVar(&flags.configPath, "config", getEnvOrDefault("GATEWAY_CONFIG", "configs/gateway.yaml"), "path to configuration file")
	flag.StringVar(&flags.logLevel, "log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""), "log level override (debug, info, warn, error)")
	flag.StringVar(&flags.logFormat, "log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""), "log format override (json, console)")
	flag.BoolVar(&flags.watch, "watch", true, "reload configuration on file change")
	flag.Parse()
	return flags
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cliFlags) error {
	loader := config.NewLoader()
	cfg, err := loader.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}

	logger, err := initLogger(cfg, flags)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()
	observability.SetGlobalLogger(logger)

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	var watcher *config.Watcher
	if flags.watch {
		watcher, err = config.NewWatcher(flags.configPath, server.ApplyConfig,
			config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config watching disabled", observability.Error(err))
		} else {
			if err := watcher.Start(); err != nil {
				return err
			}
			defer watcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-waitForSignal():
		logger.Info("shutting down", observability.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func initLogger(cfg *config.GatewayConfig, flags cliFlags) (observability.Logger, error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}
	return observability.NewLogger(logCfg)
}

func waitForSignal() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return sigCh
}
