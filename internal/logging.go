package internal

import (
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseMu     sync.Mutex
	baseLogger *zap.Logger
)

// ConfigureLogging replaces the process-wide base logger. Loggers created
// afterwards by NewLogger use the new level and format.
func ConfigureLogging(level, format string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	baseMu.Lock()
	defer baseMu.Unlock()
	baseLogger = logger
	return nil
}

// NewLogger returns a named logger for a component, e.g. "mvpdeploy/worker".
func NewLogger(component string) *zap.SugaredLogger {
	name := "mvpdeploy"
	if component != "" {
		name = name + "/" + component
	}
	return base().Named(name).Sugar()
}

// SyncLogs flushes buffered log entries.
func SyncLogs() {
	_ = base().Sync()
}

func base() *zap.Logger {
	baseMu.Lock()
	defer baseMu.Unlock()
	if baseLogger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		baseLogger = logger
	}
	return baseLogger
}

// watermillLogger adapts a zap logger to watermill.LoggerAdapter.
type watermillLogger struct {
	logger *zap.SugaredLogger
}

// NewWatermillLogger routes watermill's internal logs through zap.
func NewWatermillLogger(logger *zap.SugaredLogger) watermill.LoggerAdapter {
	if logger == nil {
		logger = NewLogger("events")
	}
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.With(flattenFields(fields)...).Errorw(msg, "error", err)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.With(flattenFields(fields)...).Info(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.With(flattenFields(fields)...).Debug(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.With(flattenFields(fields)...).Debug(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger.With(flattenFields(fields)...)}
}

func flattenFields(fields watermill.LogFields) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for key, value := range fields {
		out = append(out, key, value)
	}
	return out
}
