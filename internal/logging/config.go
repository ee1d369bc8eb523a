// Package logging configures the process-wide smplog output and keeps the
// zerolog global level in step with it, so worker and transport logs share
// one RELAYCTL_LOG_LEVEL knob.
package logging

import (
	"strings"
	"sync"

	logs "github.com/danmuck/smplog"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Env is read with the RELAYCTL_ prefix, e.g. RELAYCTL_LOG_LEVEL.
// Unset pointer fields leave the profile default alone.
type Env struct {
	Level     string `envconfig:"LOG_LEVEL"`
	Timestamp *bool  `envconfig:"LOG_TIMESTAMP"`
	NoColor   *bool  `envconfig:"LOG_NOCOLOR"`
}

type Profile int

const (
	// ProfileRuntime is used by the cmd binaries.
	ProfileRuntime Profile = iota
	// ProfileTest logs at debug without timestamps.
	ProfileTest
	// ProfileQuiet only reports errors; relayctl runs all workers in one
	// process and uses it unless a level is set explicitly.
	ProfileQuiet
)

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure applies profile defaults and env overrides once per process.
// A malformed env value is reported and otherwise ignored.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		env, err := loadEnv()
		if err == nil {
			env.apply(&cfg)
		}
		logs.Configure(cfg)
		zerolog.SetGlobalLevel(ZerologLevel(cfg.Level))
		if err != nil {
			logs.Warnf("logging.Configure ignoring env overrides: %v", err)
		}
	})
}

func defaultConfig(profile Profile) logs.Config {
	cfg := logs.DefaultConfig()
	switch profile {
	case ProfileTest:
		cfg.Level = logs.DebugLevel
		cfg.Timestamp = false
	case ProfileQuiet:
		cfg.Level = logs.ErrorLevel
		cfg.Timestamp = false
	default:
		cfg.Level = logs.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

func loadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("relayctl", &env); err != nil {
		return Env{}, err
	}
	return env, nil
}

func (e Env) apply(cfg *logs.Config) {
	if lvl, ok := ParseLevel(e.Level); ok {
		cfg.Level = lvl
	}
	if e.Timestamp != nil {
		cfg.Timestamp = *e.Timestamp
	}
	if e.NoColor != nil {
		cfg.NoColor = *e.NoColor
	}
}

// ParseLevel maps a level name to a smplog level. ok is false for empty or
// unknown names.
func ParseLevel(raw string) (logs.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return logs.TraceLevel, true
	case "debug":
		return logs.DebugLevel, true
	case "info":
		return logs.InfoLevel, true
	case "warn", "warning":
		return logs.WarnLevel, true
	case "error":
		return logs.ErrorLevel, true
	case "off", "none", "disabled":
		return logs.Disabled, true
	default:
		return logs.InfoLevel, false
	}
}

// ZerologLevel translates a smplog level for the zerolog loggers handed to
// workers.
func ZerologLevel(lvl logs.Level) zerolog.Level {
	switch lvl {
	case logs.TraceLevel:
		return zerolog.TraceLevel
	case logs.DebugLevel:
		return zerolog.DebugLevel
	case logs.WarnLevel:
		return zerolog.WarnLevel
	case logs.ErrorLevel:
		return zerolog.ErrorLevel
	case logs.Disabled:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
