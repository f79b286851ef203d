// Package logging provides structured logging with file output support.
// It uses environment variables for configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Environment variables read by NewLogger.
const (
	EnvLevel  = "ROPKIT_LOG_LEVEL"
	EnvPrefix = "ROPKIT_LOG_PREFIX"
	EnvToFile = "ROPKIT_LOG_TO_FILE"
)

// LoggerCloser wraps a logger and closes its writer when one was opened for it.
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the underlying writer if it's closeable.
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// Level maps a level name to a charm log level. Unknown names mean info.
func Level(name string) log.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// NewLoggerWithWriter creates a logger writing to w, configured from the
// environment.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           Level(os.Getenv(EnvLevel)),
	})

	prefix := os.Getenv(EnvPrefix)
	if prefix == "" {
		prefix = "ropkit"
	}

	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		closer = c
	}

	return &LoggerCloser{
		Logger: lg.WithPrefix(prefix),
		closer: closer,
	}
}

// NewLogger creates a logger based on environment variables:
//
//	ROPKIT_LOG_LEVEL    debug, info, warn, error (default: info)
//	ROPKIT_LOG_PREFIX   prefix for log messages (default: "ropkit")
//	ROPKIT_LOG_TO_FILE  when "1", log to a timestamped file instead of stderr
func NewLogger() *LoggerCloser {
	output := io.Writer(os.Stderr)

	if os.Getenv(EnvToFile) == "1" {
		name := fmt.Sprintf("ropkit-%s-debug.log", time.Now().Format("20060102-150405"))
		// Fall back to stderr if the file cannot be created.
		if f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
			output = f
		}
	}

	return NewLoggerWithWriter(output)
}

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool {
	return Level(os.Getenv(EnvLevel)) == log.DebugLevel
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
