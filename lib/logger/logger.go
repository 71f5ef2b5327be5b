// Package logger provides structured logging with subsystem-specific levels
// and OpenTelemetry trace context integration.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const loggerKey contextKey = "logger"

// Subsystem names used for per-subsystem log levels.
const (
	SubsystemBackups = "BACKUPS"
	SubsystemAttach  = "ATTACH"
	SubsystemRPC     = "RPC"
	SubsystemStore   = "STORE"
	SubsystemDriver  = "DRIVER"
)

// Config holds the default level and any per-subsystem overrides.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
}

// NewConfig reads LOG_LEVEL and LOG_LEVEL_<SUBSYSTEM> from the environment.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    parseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo),
		SubsystemLevels: make(map[string]slog.Level),
	}
	for _, sub := range []string{SubsystemBackups, SubsystemAttach, SubsystemRPC, SubsystemStore, SubsystemDriver} {
		if v := os.Getenv("LOG_LEVEL_" + sub); v != "" {
			cfg.SubsystemLevels[sub] = parseLevel(v, cfg.DefaultLevel)
		}
	}
	return cfg
}

// LevelFor returns the effective level for a subsystem.
func (c Config) LevelFor(subsystem string) slog.Level {
	if lvl, ok := c.SubsystemLevels[subsystem]; ok {
		return lvl
	}
	return c.DefaultLevel
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// NewSubsystemLogger returns a JSON logger on stdout tagged with the
// subsystem. Records are also sent to otelHandler when it is non-nil.
func NewSubsystemLogger(subsystem string, cfg Config, otelHandler slog.Handler) *slog.Logger {
	level := cfg.LevelFor(subsystem)
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if otelHandler != nil {
		h = NewFanoutHandler(level, h, otelHandler)
	}
	return slog.New(h).With("subsystem", strings.ToLower(subsystem))
}

// AddToContext adds a logger to the context
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
