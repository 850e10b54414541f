package app

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Logger is the leveled logger shared by the app and infra layers
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// writerLogger writes every level to a single writer without filtering
type writerLogger struct {
	mu     sync.Mutex
	output io.Writer
}

// NewWriterLogger returns a Logger that writes prefixed lines to w
func NewWriterLogger(w io.Writer) Logger {
	return &writerLogger{output: w}
}

func (l *writerLogger) Debug(format string, args ...interface{}) {
	l.write("DEBUG", format, args...)
}

func (l *writerLogger) Info(format string, args ...interface{}) {
	l.write("INFO", format, args...)
}

func (l *writerLogger) Warn(format string, args ...interface{}) {
	l.write("WARN", format, args...)
}

func (l *writerLogger) Error(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
}

func (l *writerLogger) write(prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.output, prefix+": "+format+"\n", args...)
}

// Discard is a Logger that drops everything
var Discard Logger = NewWriterLogger(io.Discard)

var (
	loggerMu     sync.RWMutex
	globalLogger Logger = NewWriterLogger(os.Stderr)
)

// SetLogger sets the global logger for the app layer
func SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	loggerMu.Lock()
	globalLogger = logger
	loggerMu.Unlock()
}

// GetLogger returns the current logger
func GetLogger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}
