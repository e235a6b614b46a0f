// Package debug holds the process-wide verbose-diagnostics flag. It gates
// per-attempt dispatch logging, which is too chatty for normal operation
// but invaluable when chasing retry storms against a provider.
package debug

import (
	"os"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	// Env wins so the flag works in tests and one-off runs that never go
	// through config loading.
	InitFromEnv()
}

// Enabled reports whether verbose diagnostics are on.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled turns verbose diagnostics on or off.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// InitFromEnv sets the flag from DEBUG=true or LOG_LEVEL=debug.
func InitFromEnv() {
	SetEnabled(os.Getenv("DEBUG") == "true" || os.Getenv("LOG_LEVEL") == "debug")
}

// InitFromLogLevel sets the flag from the configured log level, unless an
// environment variable already decided it.
func InitFromLogLevel(level string) {
	if os.Getenv("DEBUG") == "" && os.Getenv("LOG_LEVEL") == "" {
		SetEnabled(level == "debug")
	}
}
