package logging

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
	root        *LoggerCloser
)

// Setup installs the environment-configured charm logger as the slog
// default. debug forces the debug level. Only the first call has an effect;
// every call returns the same logger.
func Setup(debug bool) *log.Logger {
	initOnce.Do(func() {
		root = NewLogger()
		if debug {
			root.SetLevel(log.DebugLevel)
			root.SetReportCaller(true)
		}
		slog.SetDefault(slog.New(root.Logger))
		initialized.Store(true)
	})
	return root.Logger
}

func Initialized() bool {
	return initialized.Load()
}

// Shutdown closes the log file opened by Setup, if any.
func Shutdown() error {
	if !Initialized() {
		return nil
	}
	return root.Close()
}

// RecoverPanic logs a panic with its stack and runs cleanup. It must be
// deferred directly.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		if Initialized() {
			slog.Error(fmt.Sprintf("Panic in %s", name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
