package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates key/value pairs over the lifetime of an operation
// so that later log lines carry everything learned so far.
type LoggerContext struct {
	mu     sync.Mutex
	logger *Logger
}

// NewLoggerContext wraps logger so attributes can be added incrementally.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add attaches the key/value pairs to every subsequent record.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.logger = lc.logger.With(args...)
}

// Logger returns the logger with all attributes added so far.
func (lc *LoggerContext) Logger() *Logger {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.logger
}

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.Logger().Debugc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.Logger().Infoc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.Logger().Warnc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.Logger().Errorc(ctx, 4, msg, args...)
}
