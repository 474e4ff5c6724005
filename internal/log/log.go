// Package log wraps zap so the rest of the tree logs through one
// process-wide *zap.Logger, the way the teacher's internal/utils/log
// package did.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	logger  *zap.Logger
	initOne sync.Once
)

func base() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	initOne.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if logger != nil {
			return
		}
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})

	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Set installs l as the process-wide logger. Call once at startup.
func Set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func Debug(msg string, fields ...zap.Field) { base().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { base().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { base().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { base().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) {
	base().Error(msg, fields...)
	os.Exit(1)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	_ = base().Sync()
}
