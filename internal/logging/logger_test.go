package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestLevel(t *testing.T) {
	tests := map[string]log.Level{
		"debug":   log.DebugLevel,
		"DEBUG ":  log.DebugLevel,
		"warn":    log.WarnLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"info":    log.InfoLevel,
		"":        log.InfoLevel,
		"verbose": log.InfoLevel,
	}
	for name, want := range tests {
		assert.Equal(t, want, Level(name), name)
	}
}

func TestNewLoggerWithWriter(t *testing.T) {
	t.Setenv(EnvLevel, "warn")
	t.Setenv(EnvPrefix, "test")

	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	defer lg.Close()

	lg.Info("hidden")
	lg.Warn("shown", "section", ".text")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "test")
	assert.Contains(t, out, ".text")
	assert.False(t, IsDebug())

	t.Setenv(EnvLevel, "debug")
	assert.True(t, IsDebug())
}

func TestRecoverPanic(t *testing.T) {
	cleaned := false
	func() {
		defer RecoverPanic("test", func() { cleaned = true })
		panic("boom")
	}()
	assert.True(t, cleaned)
}
