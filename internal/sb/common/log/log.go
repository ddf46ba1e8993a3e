// Package log is the structured logging facade used across sbguard.
// Fields are passed as a map so callers never import zap directly.
package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global Logger = newZapLogger(false, zapcore.InfoLevel)

// Logger is the sbguard logging interface.
type Logger interface {
	Debug(fields map[string]any, msg string)
	Info(fields map[string]any, msg string)
	Warn(fields map[string]any, msg string)
	Error(fields map[string]any, msg string)
	Fatal(fields map[string]any, msg string)
	// With returns a child logger that adds fields to every entry.
	With(fields map[string]any) Logger
}

// SetLogger replaces the global logger instance.
func SetLogger(l Logger) {
	global = l
}

// GetLogger returns the current global logger instance.
func GetLogger() Logger {
	return global
}

// Configure sets up the global logger for the runtime env ("dev" or "prod") and level.
func Configure(env, level string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	global = newZapLogger(env != "prod", lvl)
	return nil
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) Logger {
	return global.With(map[string]any{"component": name})
}

// Debug logs at debug level using the global logger.
func Debug(fields map[string]any, msg string) { global.Debug(fields, msg) }

// Info logs at info level using the global logger.
func Info(fields map[string]any, msg string) { global.Info(fields, msg) }

// Warn logs at warn level using the global logger.
func Warn(fields map[string]any, msg string) { global.Warn(fields, msg) }

// Error logs at error level using the global logger.
func Error(fields map[string]any, msg string) { global.Error(fields, msg) }

// Fatal logs at fatal level using the global logger and exits.
func Fatal(fields map[string]any, msg string) { global.Fatal(fields, msg) }

type zapLogger struct {
	base *zap.Logger
}

func newZapLogger(dev bool, level zapcore.Level) Logger {
	var config zap.Config
	if dev {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.MessageKey = "msg"
	config.EncoderConfig.LevelKey = "level"

	logger, err := config.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &zapLogger{base: logger}
}

func (l *zapLogger) Debug(fields map[string]any, msg string) {
	l.base.Debug(msg, zapFields(fields)...)
}

func (l *zapLogger) Info(fields map[string]any, msg string) {
	l.base.Info(msg, zapFields(fields)...)
}

func (l *zapLogger) Warn(fields map[string]any, msg string) {
	l.base.Warn(msg, zapFields(fields)...)
}

func (l *zapLogger) Error(fields map[string]any, msg string) {
	l.base.Error(msg, zapFields(fields)...)
}

func (l *zapLogger) Fatal(fields map[string]any, msg string) {
	l.base.Fatal(msg, zapFields(fields)...)
}

func (l *zapLogger) With(fields map[string]any) Logger {
	return &zapLogger{base: l.base.With(zapFields(fields)...)}
}

// zapFields converts the field map, rendering errors as strings so they stay readable in JSON.
func zapFields(m map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(m))
	for k, v := range m {
		if err, ok := v.(error); ok {
			fields = append(fields, zap.String(k, err.Error()))
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

type noopLogger struct{}

func (noopLogger) Debug(map[string]any, string) {}
func (noopLogger) Info(map[string]any, string)  {}
func (noopLogger) Warn(map[string]any, string)  {}
func (noopLogger) Error(map[string]any, string) {}
func (noopLogger) Fatal(map[string]any, string) {}
func (n noopLogger) With(map[string]any) Logger { return n }

// NewNoopLogger returns a Logger that discards everything. Used by tests.
func NewNoopLogger() Logger {
	return noopLogger{}
}
