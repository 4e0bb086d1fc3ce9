// Package logging holds the process-wide structured logger. Packages log
// through the package functions; the binary installs a configured logger
// once at startup via SetGlobal.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	l, _ := zap.NewProduction()
	global.Store(l)
}

// New builds a JSON logger at the named level. Unrecognized levels fall
// back to info.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	// Callers reach zap through the one-frame wrappers below.
	return cfg.Build(zap.AddCallerSkip(1))
}

// SetGlobal installs the process logger.
func SetGlobal(l *zap.Logger) {
	global.Store(l)
}

func logger() *zap.Logger {
	return global.Load()
}

// Debug logs at debug level through the process logger.
func Debug(msg string, fields ...zap.Field) {
	logger().Debug(msg, fields...)
}

// Info logs at info level through the process logger.
func Info(msg string, fields ...zap.Field) {
	logger().Info(msg, fields...)
}

// Warn logs at warn level through the process logger.
func Warn(msg string, fields ...zap.Field) {
	logger().Warn(msg, fields...)
}

// Error logs at error level through the process logger.
func Error(msg string, fields ...zap.Field) {
	logger().Error(msg, fields...)
}

// Sync flushes buffered entries, typically right before exit.
func Sync() {
	logger().Sync()
}
