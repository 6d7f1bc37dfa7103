// Package debuglog configures the process-wide go-logging backend shared by
// every package logger.
package debuglog

import (
	"io"
	"os"
	"strings"

	"github.com/op/go-logging"
)

const defaultFormat = `%{time:2006-01-02 15:04:05.000} %{level:.5s} %{module:-8s} %{message}`

func enabled() bool {
	return os.Getenv("HONEYPOT_DEBUG") == "1"
}

// Init installs a formatted backend writing to w at the given level
// (CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG). HONEYPOT_DEBUG=1 forces
// DEBUG.
func Init(level string, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}
	if enabled() {
		level = "DEBUG"
	}
	if strings.TrimSpace(level) == "" {
		level = "INFO"
	}
	lvl, err := logging.LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	backend := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(defaultFormat))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}

// Discard silences all package loggers; tests use it to keep output quiet.
func Discard() {
	leveled := logging.AddModuleLevel(logging.NewLogBackend(io.Discard, "", 0))
	leveled.SetLevel(logging.CRITICAL, "")
	logging.SetBackend(leveled)
}
