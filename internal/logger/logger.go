// Package logger provides the shared application logger.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	root hclog.Logger
	once sync.Once
)

// Root returns the process-wide logger, creating it on first use.
func Root() hclog.Logger {
	once.Do(func() {
		root = hclog.New(&hclog.LoggerOptions{
			Name:       "convertra",
			Level:      levelFromEnv(),
			Output:     os.Stdout,
			JSONFormat: strings.EqualFold(os.Getenv("CONVERTRA_LOG_FORMAT"), "json"),
		})
	})
	return root
}

// Named returns a child logger for a subsystem.
func Named(name string) hclog.Logger {
	return Root().Named(name)
}

func levelFromEnv() hclog.Level {
	switch strings.ToLower(os.Getenv("CONVERTRA_LOG_LEVEL")) {
	case "trace":
		return hclog.Trace
	case "debug":
		return hclog.Debug
	case "warn":
		return hclog.Warn
	case "error":
		return hclog.Error
	default:
		return hclog.Info
	}
}
