// Package logger provides structured logging for chromeflow on top of zap.
// A process-wide logger is configured once from the environment; packages
// log through the package-level helpers or derive field-scoped loggers
// with WithField(s).
package logger

import (
	"sync"

	"go.uber.org/zap"
)

// Logger wraps a zap logger behind the small surface the rest of the
// codebase uses.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.Mutex
)

func init() {
	logger, err := NewFromEnv()
	if err != nil {
		// zap's production config only fails on bad build options;
		// fall back to a no-op logger rather than panicking in init.
		logger = &Logger{zap: zap.NewNop(), sugar: zap.NewNop().Sugar()}
	}
	globalLogger = logger
}

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}

// SetLogger replaces the process-wide logger.
func SetLogger(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// WithField returns a logger scoped with one additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	scoped := l.zap.With(zap.Any(key, value))
	return &Logger{zap: scoped, sugar: scoped.Sugar()}
}

// WithFields returns a logger scoped with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	scoped := l.zap.With(zapFields...)
	return &Logger{zap: scoped, sugar: scoped.Sugar()}
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string) { l.zap.Debug(msg) }

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs a message at info level.
func (l *Logger) Info(msg string) { l.zap.Info(msg) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string) { l.zap.Warn(msg) }

// Warnf logs a formatted message at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs a message at error level.
func (l *Logger) Error(msg string) { l.zap.Error(msg) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// Package-level convenience functions logging to the global logger.

// Debug logs to the global logger.
func Debug(msg string) { GetLogger().Debug(msg) }

// Debugf logs to the global logger.
func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }

// Info logs to the global logger.
func Info(msg string) { GetLogger().Info(msg) }

// Infof logs to the global logger.
func Infof(format string, args ...interface{}) { GetLogger().Infof(format, args...) }

// Warn logs to the global logger.
func Warn(msg string) { GetLogger().Warn(msg) }

// Warnf logs to the global logger.
func Warnf(format string, args ...interface{}) { GetLogger().Warnf(format, args...) }

// Error logs to the global logger.
func Error(msg string) { GetLogger().Error(msg) }

// Errorf logs to the global logger.
func Errorf(format string, args ...interface{}) { GetLogger().Errorf(format, args...) }

// WithField returns the global logger scoped with one field.
func WithField(key string, value interface{}) *Logger { return GetLogger().WithField(key, value) }

// WithFields returns the global logger scoped with fields.
func WithFields(fields map[string]interface{}) *Logger { return GetLogger().WithFields(fields) }
