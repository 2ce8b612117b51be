package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel defines the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// ParseLevel converts a textual level ("debug", "info", ...) to LogLevel.
// Unknown values fall back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger wraps a zap SugaredLogger and exposes both printf-style
// and key/value style methods.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New creates a development (console, colored) logger with the given level.
func New(level LogLevel) *Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return build(cfg)
}

// NewProduction creates a JSON logger suitable for log shipping.
func NewProduction(level LogLevel) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return build(cfg)
}

// NewForEnv picks the encoder by environment name.
func NewForEnv(env string, level LogLevel) *Logger {
	if env == "development" || env == "dev" || env == "local" {
		return New(level)
	}
	return NewProduction(level)
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func build(cfg zap.Config) *Logger {
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Конфигурация статическая, ошибка здесь означает баг.
		panic(err)
	}
	return &Logger{sugar: z.Sugar()}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(kv...)}
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.sugar.Fatalf(format, v...)
}

// Debugw logs a message with key/value context.
func (l *Logger) Debugw(msg string, kv ...interface{}) {
	l.sugar.Debugw(msg, kv...)
}

// Infow logs a message with key/value context.
func (l *Logger) Infow(msg string, kv ...interface{}) {
	l.sugar.Infow(msg, kv...)
}

// Warnw logs a message with key/value context.
func (l *Logger) Warnw(msg string, kv ...interface{}) {
	l.sugar.Warnw(msg, kv...)
}

// Errorw logs a message with key/value context.
func (l *Logger) Errorw(msg string, kv ...interface{}) {
	l.sugar.Errorw(msg, kv...)
}

// Fatalw logs a message with key/value context and exits.
func (l *Logger) Fatalw(msg string, kv ...interface{}) {
	l.sugar.Fatalw(msg, kv...)
}
