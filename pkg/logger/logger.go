// Package logger provides structured logging using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// DeploymentIDKey is the context key for deployment ID.
	DeploymentIDKey contextKey = "deployment_id"
	// PatchIDKey is the context key for patch ID.
	PatchIDKey contextKey = "patch_id"
	// AssetIDKey is the context key for asset ID.
	AssetIDKey contextKey = "asset_id"
)

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the given configuration.
func New(level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	}

	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return &Logger{Logger: logger}
}

// parseLevel parses a log level string into slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger with context values.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{}

	if depID, ok := ctx.Value(DeploymentIDKey).(string); ok && depID != "" {
		attrs = append(attrs, slog.String("deployment_id", depID))
	}

	if patchID, ok := ctx.Value(PatchIDKey).(string); ok && patchID != "" {
		attrs = append(attrs, slog.String("patch_id", patchID))
	}

	if assetID, ok := ctx.Value(AssetIDKey).(string); ok && assetID != "" {
		attrs = append(attrs, slog.String("asset_id", assetID))
	}

	if len(attrs) == 0 {
		return l
	}

	return &Logger{Logger: l.With(attrs...)}
}

// WithDeployment returns a logger with the deployment ID.
func (l *Logger) WithDeployment(deploymentID string) *Logger {
	return &Logger{Logger: l.With(slog.String("deployment_id", deploymentID))}
}

// WithAsset returns a logger with the asset ID.
func (l *Logger) WithAsset(assetID string) *Logger {
	return &Logger{Logger: l.With(slog.String("asset_id", assetID))}
}

// WithService returns a logger with the service name.
func (l *Logger) WithService(service string) *Logger {
	return &Logger{Logger: l.With(slog.String("service", service))}
}

// WithComponent returns a logger with the component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", component))}
}

// WithError returns a logger with the error.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.With(slog.String("error", err.Error()))}
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// SetContextValue sets a value in the context.
func SetContextValue(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// GetDeploymentID gets the deployment ID from context.
func GetDeploymentID(ctx context.Context) string {
	if v, ok := ctx.Value(DeploymentIDKey).(string); ok {
		return v
	}
	return ""
}

// GetAssetID gets the asset ID from context.
func GetAssetID(ctx context.Context) string {
	if v, ok := ctx.Value(AssetIDKey).(string); ok {
		return v
	}
	return ""
}
