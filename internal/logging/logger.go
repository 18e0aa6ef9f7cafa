// Package logging wraps zap with context-aware methods and per-run log files.
package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
)

// Logger wraps Zap with context-aware methods.
type Logger struct {
	zap  *zap.Logger
	core zapcore.Core
	cfg  config.LoggingConfig
}

// New creates a logger from the logging section of the configuration
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	core := zapcore.NewNopCore()
	if cfg.ConsoleOutput {
		core = zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stderr), level)
	}

	return &Logger{zap: zap.New(core), core: core, cfg: cfg}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	core := zapcore.NewNopCore()
	return &Logger{zap: zap.New(core), core: core}
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "json" {
		return zapcore.NewJSONEncoder(encoderCfg)
	}
	return zapcore.NewConsoleEncoder(encoderCfg)
}

// WithFile returns a logger that additionally appends to the file at path.
// When file logging is disabled the receiver is returned with a no-op closer.
func (l *Logger) WithFile(path string) (*Logger, func() error, error) {
	if !l.cfg.FileLogging {
		return l, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	level, _ := zapcore.ParseLevel(l.cfg.Level)
	fileCore := zapcore.NewCore(newEncoder("console"), zapcore.AddSync(f), level)
	core := zapcore.NewTee(l.core, fileCore)

	child := &Logger{zap: zap.New(core), core: core, cfg: l.cfg}
	closer := func() error {
		_ = child.zap.Sync()
		return f.Close()
	}
	return child, closer, nil
}

// Context-aware logging methods

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(ContextFields(ctx), fields...)...)
}

// Child logger creation

func (l *Logger) With(fields ...zap.Field) *Logger {
	core := l.core.With(fields)
	return &Logger{zap: zap.New(core), core: core, cfg: l.cfg}
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), core: l.core, cfg: l.cfg}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

// isStdoutSyncError checks if error is harmless stdout/stderr sync error.
// On Linux, syncing stdout/stderr returns EINVAL or ENOTTY which are safe to ignore.
func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
