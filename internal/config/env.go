package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Env holds RELAYCTL_* overrides. Zero values leave the topology untouched.
type Env struct {
	Config         string        `envconfig:"CONFIG"`
	Host           string        `envconfig:"HOST"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT"`
	AcceptTimeout  time.Duration `envconfig:"ACCEPT_TIMEOUT"`
	ReceiveTimeout time.Duration `envconfig:"RECEIVE_TIMEOUT"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT"`
	DialAttempts   int           `envconfig:"DIAL_ATTEMPTS"`
	PropagateAbort string        `envconfig:"PROPAGATE_ABORT"`
	MetricsAddr    string        `envconfig:"METRICS_ADDR"`
}

func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("relayctl", &env); err != nil {
		return Env{}, fmt.Errorf("load environment: %w", err)
	}
	return env, nil
}

func (e Env) Apply(t *Topology) error {
	if v := strings.TrimSpace(e.Host); v != "" {
		t.Host = v
	}
	if e.ConnectTimeout > 0 {
		t.Timeouts.Connect = e.ConnectTimeout
	}
	if e.AcceptTimeout > 0 {
		t.Timeouts.Accept = e.AcceptTimeout
	}
	if e.ReceiveTimeout > 0 {
		t.Timeouts.Receive = e.ReceiveTimeout
	}
	if e.WriteTimeout > 0 {
		t.Timeouts.Write = e.WriteTimeout
	}
	if e.DialAttempts > 0 {
		t.Retry.Attempts = e.DialAttempts
	}
	if v := strings.TrimSpace(e.PropagateAbort); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse RELAYCTL_PROPAGATE_ABORT: %w", err)
		}
		t.PropagateAbort = b
	}
	if v := strings.TrimSpace(e.MetricsAddr); v != "" {
		t.MetricsAddr = v
	}
	return nil
}

// Load resolves the effective topology: base, then the config file (path, or
// RELAYCTL_CONFIG when path is empty), then environment overrides.
func Load(base *Topology, path string) (*Topology, error) {
	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = strings.TrimSpace(env.Config)
	}
	cfg := base.Clone()
	if path != "" {
		if cfg, err = LoadFile(path, base); err != nil {
			return nil, err
		}
	}
	if err := env.Apply(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
