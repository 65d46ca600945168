// Package logging provides category-based file logging and the append-only
// JSONL event streams for evaluations and errors.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategorySystem   Category = "system"
	CategoryConfig   Category = "config"
	CategoryStore    Category = "store"
	CategoryActivity Category = "activity"
	CategoryGateway  Category = "gateway"
	CategoryPrompt   Category = "prompt"
	CategoryScoring  Category = "scoring"
	CategoryPipeline Category = "pipeline"
)

var (
	mu         sync.Mutex
	systemFile *os.File
	logsDir    string
	debugMode  bool
)

// Init opens the rotating system log under dir. Files are date-prefixed so a
// long-running process rolls over naturally on restart.
func Init(dir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_system.log", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open system log: %w", err)
	}

	if systemFile != nil {
		systemFile.Close()
	}
	systemFile = file
	logsDir = dir
	debugMode = debug
	return nil
}

// Dir returns the active logs directory, or "" before Init.
func Dir() string {
	mu.Lock()
	defer mu.Unlock()
	return logsDir
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	mu.Lock()
	defer mu.Unlock()
	return debugMode
}

// CloseAll closes the system log.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	if systemFile != nil {
		systemFile.Close()
		systemFile = nil
	}
}

// Logger writes leveled, printf-style lines for one category.
type Logger struct {
	category Category
}

// Get returns the logger for a category. Safe to call before Init; lines are
// dropped until a system log is open.
func Get(category Category) *Logger {
	return &Logger{category: category}
}

func (l *Logger) write(level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if systemFile == nil {
		return
	}
	if level == "DEBUG" && !debugMode {
		return
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(systemFile, "%s [%s] [%s] %s\n", ts, level, l.category, msg)
}

// Debug logs at debug level (dropped unless debug mode is on).
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write("DEBUG", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write("INFO", format, args...)
}

// Warn logs at warning level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write("WARN", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
}

// Timer logs the duration of an operation when stopped.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %dms", t.operation, elapsed.Milliseconds())
	return elapsed
}
