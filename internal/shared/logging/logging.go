// Package logging builds the structured loggers used across the VSPC
// server: one base logger per process, narrowed with per-session
// attributes as connections come and go.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the appropriate level and format
func NewLogger(serviceName string, level string, environment string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if environment == "production" {
		// Use JSON format in production for better parsing by log aggregators
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		// Use text format in development for readability
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)

	// Add default attributes
	logger = logger.With(
		slog.String("service", serviceName),
		slog.String("environment", environment),
	)

	return logger
}

// WithPeer narrows a logger to a specific remote peer, used as soon
// as a connection is accepted and before its VM UUID is known.
func WithPeer(logger *slog.Logger, peer string) *slog.Logger {
	return logger.With(slog.String("peer", peer))
}

// WithUUID narrows a logger to a specific VM UUID, used once
// VM_VC_UUID has been received and the session is registered.
func WithUUID(logger *slog.Logger, uuid string) *slog.Logger {
	return logger.With(slog.String("uuid", uuid))
}
