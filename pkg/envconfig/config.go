// Package envconfig reads the environment variables that tune logging,
// seeding and kernel parallelism.
package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LogLevel returns the log level from HYBRIDVISION_DEBUG.
//
// A boolean true selects debug; an integer n selects level -4n, so 2 enables
// trace output.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("HYBRIDVISION_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

var (
	// Seed is the default random seed for weight initialisation and sampling.
	Seed = Uint64("HYBRIDVISION_SEED", 42)
	// NumWorkers bounds the goroutines used by tensor kernels.
	NumWorkers = Uint("HYBRIDVISION_NUM_WORKERS", uint(runtime.GOMAXPROCS(0)))
)

// Uint returns a reader for a uint variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a reader for a uint64 variable with a default.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar describes one supported variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns the supported variables with their current values.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"HYBRIDVISION_DEBUG":       {"HYBRIDVISION_DEBUG", LogLevel(), "Show additional debug information (e.g. HYBRIDVISION_DEBUG=1)"},
		"HYBRIDVISION_SEED":        {"HYBRIDVISION_SEED", Seed(), "Default seed for weight initialisation and random attention"},
		"HYBRIDVISION_NUM_WORKERS": {"HYBRIDVISION_NUM_WORKERS", NumWorkers(), "Maximum goroutines used by tensor kernels"},
	}
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
