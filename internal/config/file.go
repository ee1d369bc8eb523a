package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/relayctl/internal/transport"
)

type fileConfig struct {
	Variant        string                    `toml:"variant"`
	Host           string                    `toml:"host"`
	ConnectTimeout string                    `toml:"connect_timeout"`
	AcceptTimeout  string                    `toml:"accept_timeout"`
	ReceiveTimeout string                    `toml:"receive_timeout"`
	WriteTimeout   string                    `toml:"write_timeout"`
	DialAttempts   int                       `toml:"dial_attempts"`
	DialBackoff    string                    `toml:"dial_backoff"`
	PropagateAbort bool                      `toml:"propagate_abort"`
	MetricsAddr    string                    `toml:"metrics_addr"`
	Endpoints      map[string]endpointConfig `toml:"endpoints"`
}

type endpointConfig struct {
	Port      int    `toml:"port"`
	Transport string `toml:"transport"`
	Owner     string `toml:"owner"`
}

// LoadFile overlays the keys defined in the TOML file at path onto a copy of
// base. Keys absent from the file keep base's values.
func LoadFile(path string, base *Topology) (*Topology, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load topology config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load topology config: unknown keys %v", undecoded)
	}

	cfg := base.Clone()
	if meta.IsDefined("variant") {
		v, err := ParseVariant(raw.Variant)
		if err != nil {
			return nil, err
		}
		if v != cfg.Variant {
			return nil, fmt.Errorf("%w: file is for %s, want %s", ErrInvalidTopology, v, cfg.Variant)
		}
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Timeouts.Connect},
		{"accept_timeout", raw.AcceptTimeout, &cfg.Timeouts.Accept},
		{"receive_timeout", raw.ReceiveTimeout, &cfg.Timeouts.Receive},
		{"write_timeout", raw.WriteTimeout, &cfg.Timeouts.Write},
		{"dial_backoff", raw.DialBackoff, &cfg.Retry.InitialDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("dial_attempts") {
		cfg.Retry.Attempts = raw.DialAttempts
	}
	if meta.IsDefined("propagate_abort") {
		cfg.PropagateAbort = raw.PropagateAbort
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	for name, ep := range raw.Endpoints {
		current, err := cfg.Endpoint(name)
		if err != nil {
			return nil, err
		}
		if meta.IsDefined("endpoints", name, "port") {
			current.Port = ep.Port
		}
		if meta.IsDefined("endpoints", name, "transport") {
			kind, err := transport.ParseKind(ep.Transport)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: %w", name, err)
			}
			current.Transport = kind
		}
		if meta.IsDefined("endpoints", name, "owner") {
			current.Owner = strings.TrimSpace(ep.Owner)
		}
		cfg.Endpoints[name] = current
	}
	return cfg, nil
}

func toFileConfig(t *Topology) fileConfig {
	out := fileConfig{
		Variant:        string(t.Variant),
		Host:           t.Host,
		ConnectTimeout: t.Timeouts.Connect.String(),
		AcceptTimeout:  t.Timeouts.Accept.String(),
		ReceiveTimeout: t.Timeouts.Receive.String(),
		WriteTimeout:   t.Timeouts.Write.String(),
		DialAttempts:   t.Retry.Attempts,
		DialBackoff:    t.Retry.InitialDelay.String(),
		PropagateAbort: t.PropagateAbort,
		MetricsAddr:    t.MetricsAddr,
		Endpoints:      make(map[string]endpointConfig, len(t.Endpoints)),
	}
	for name, ep := range t.Endpoints {
		out.Endpoints[name] = endpointConfig{Port: ep.Port, Transport: string(ep.Transport), Owner: ep.Owner}
	}
	return out
}
