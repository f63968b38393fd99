// Package logger provides the process-wide zap logger.
package logger

import (
	"strings"
	"sync"
)

// Log levels accepted by log.level.
const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

var (
	processLogger *Logger
	once          sync.Once
)

// Get returns the process logger. Only the first call's level counts; later
// callers receive the same instance.
func Get(level string) *Logger {
	once.Do(func() {
		processLogger = New(normalizeLevel(level))
	})
	return processLogger
}

// normalizeLevel folds case and the common "warning" spelling used in env overrides.
func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return WarnLevel
	}
	return level
}
