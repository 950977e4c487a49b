// Package main implements the entry point for the nostrelay server, a Nostr
// relay with Postgres or in-memory storage, live broadcast, NIP-42
// authentication, and an optional NATS event firehose.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/c360/nostrelay/config"
	"github.com/c360/nostrelay/firehose"
	"github.com/c360/nostrelay/metric"
	"github.com/c360/nostrelay/relay"
	"github.com/c360/nostrelay/storage"
	"github.com/c360/nostrelay/storage/memory"
	"github.com/c360/nostrelay/storage/postgres"
)

// Build information constants
const (
	Version = "1.0.0"
	appName = "nostrelay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("relay failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("starting nostrelay",
		"version", Version,
		"listen", cfg.Listen,
		"relay_url", cfg.RelayURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var publisher *firehose.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = firehose.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("connect firehose: %w", err)
		}
		defer publisher.Close()
	}

	registry := metric.NewMetricsRegistry()

	server, err := relay.NewServer(relay.Options{
		Config:          cfg,
		Store:           store,
		Logger:          logger,
		Firehose:        publisher,
		MetricsRegistry: registry,
	})
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	var metricsServer *metric.Server
	if cfg.MetricsListen != "" {
		metricsServer = metric.NewServer(cfg.MetricsListen, registry)
		group.Go(metricsServer.Start)
	}

	group.Go(func() error {
		watchMaintenanceSignals(groupCtx, server, logger)
		return nil
	})

	<-groupCtx.Done()
	slog.Info("shutting down", "timeout", cliCfg.ShutdownTimeout)

	if err := server.Stop(cliCfg.ShutdownTimeout); err != nil {
		slog.Warn("relay shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			slog.Warn("metrics shutdown", "error", err)
		}
	}
	return group.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openStore selects the event store backend. A Postgres DSN picks the
// durable backend; otherwise everything lives in memory.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	limits := cfg.Limits
	if cfg.Postgres.DSN != "" {
		return postgres.Connect(ctx, cfg.Postgres.DSN, limits.DefaultQueryLimit, limits.MaxLimit)
	}
	slog.Warn("no postgres dsn configured, using in-memory store")
	return memory.New(limits.DefaultQueryLimit, limits.MaxLimit), nil
}

// watchMaintenanceSignals toggles maintenance mode from the outside:
// SIGUSR1 enables it, SIGUSR2 disables it.
func watchMaintenanceSignals(ctx context.Context, server *relay.Server, logger *slog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				if err := server.EnterMaintenance(ctx); err != nil {
					logger.Error("enter maintenance failed", "error", err)
				}
			case syscall.SIGUSR2:
				if err := server.ExitMaintenance(ctx); err != nil {
					logger.Error("exit maintenance failed", "error", err)
				}
			}
		}
	}
}
