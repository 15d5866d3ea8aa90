// Package testlog creates loggers backed by testing.T to ease logging in
// tests.
package testlog

import (
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Logf(format string, args ...interface{})
}

// Writer implements io.Writer on top of a Logger.
type Writer struct {
	t Logger
}

// Write to an underlying Logger. Never returns an error.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// HCLogger returns an hclog.Logger that writes through t. The level defaults
// to Trace and can be raised with CHANRPC_TEST_LOG_LEVEL.
func HCLogger(t Logger) hclog.Logger {
	level := hclog.Trace
	if env := os.Getenv("CHANRPC_TEST_LOG_LEVEL"); env != "" {
		level = hclog.LevelFromString(env)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "test",
		Level:  level,
		Output: &Writer{t},
	})
}
