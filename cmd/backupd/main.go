package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/backupd/cmd/backupd/config"
	"github.com/onkernel/backupd/lib/otel"
	"github.com/onkernel/backupd/lib/service"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	// Load config early for OTel initialization
	cfg := config.Load()
	if cfg.Host == "" {
		return fmt.Errorf("HOST is not set and the hostname could not be determined")
	}

	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
		Host:              cfg.Host,
		Driver:            cfg.BackupDriver,
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otelCfg)
	if err != nil {
		// Log warning but don't fail - graceful degradation
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		otelProvider, otelShutdown, _ = otel.Init(context.Background(), otel.Config{ServiceName: cfg.OtelServiceName})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}()

	app, cleanup, err := initializeApp(cfg, otelProvider)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		slog.Info("cleaning up application resources")
		cleanup()
	}()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := app.Logger
	if cfg.OtelEnabled {
		logger.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}
	logger.Info("starting backup worker",
		"host", cfg.Host,
		"driver", cfg.BackupDriver,
		"availability_zone", cfg.AvailabilityZone,
		"inithost_offload", cfg.InitHostOffload)

	// Recovery runs inside Start, before the listener opens
	handle, err := service.Start(ctx, service.Options{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Manager: app.BackupManager,
		Server:  app.RPCServer,
	})
	if err != nil {
		return fmt.Errorf("start backup worker: %w", err)
	}

	// Error group for coordinated shutdown
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		select {
		case err := <-handle.Done():
			if err != nil {
				logger.Error("rpc server error", "error", err)
			}
			return err
		case <-gctx.Done():
			return nil
		}
	})

	// Shutdown handler
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Use WithoutCancel to preserve context values while preventing cancellation
		shutdownCtx := context.WithoutCancel(gctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 30*time.Second)
		defer cancel()

		if err := handle.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down backup worker", "error", err)
			return err
		}
		logger.Info("backup worker shutdown complete")
		return nil
	})

	err = grp.Wait()
	slog.Info("all goroutines finished")
	return err
}
