// Package envconfig reads the ENCODER_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel returns the log level configured by ENCODER_DEBUG.
// 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ENCODER_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

var (
	// NumThreads caps the workers of the CPU primitives. Zero uses every CPU.
	NumThreads = Uint("ENCODER_NUM_THREADS", 0)
	// Seed seeds the dropout-mask generator.
	Seed = Uint64("ENCODER_SEED", 0)
	// Stochastic skips the device synchronization at pass start.
	Stochastic = Bool("ENCODER_STOCHASTIC")
	// MetricsAddr is the listen address of serve-metrics.
	MetricsAddr = String("ENCODER_METRICS_ADDR")
)

// BoolWithDefault returns a getter for a boolean variable. Unparseable
// values count as set.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for a boolean variable that defaults to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a getter for a string variable.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a getter for an unsigned variable.
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

// Uint64 returns a getter for a 64-bit unsigned variable.
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

// EnvVar describes one variable for `encoder env`.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ENCODER_DEBUG":        {"ENCODER_DEBUG", LogLevel(), "Show additional debug information (e.g. ENCODER_DEBUG=1)"},
		"ENCODER_NUM_THREADS":  {"ENCODER_NUM_THREADS", NumThreads(), "Worker goroutines of the CPU primitives"},
		"ENCODER_SEED":         {"ENCODER_SEED", Seed(), "Seed of the dropout-mask generator"},
		"ENCODER_STOCHASTIC":   {"ENCODER_STOCHASTIC", Stochastic(), "Skip device synchronization between passes"},
		"ENCODER_METRICS_ADDR": {"ENCODER_METRICS_ADDR", MetricsAddr(), "Listen address of serve-metrics"},
	}
}

// Values returns every variable formatted as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of surrounding quotes and
// whitespace.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
