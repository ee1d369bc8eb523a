package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/danmuck/relayctl/internal/transport"
)

var (
	ErrInvalidTopology = errors.New("config: invalid topology")
	ErrUnknownEndpoint = errors.New("config: unknown endpoint")
	ErrUnknownVariant  = errors.New("config: unknown variant")
)

// Variant names one of the pipeline shapes.
type Variant string

const (
	VariantAmicable  Variant = "amicable"
	VariantPrimorial Variant = "primorial"
)

func ParseVariant(raw string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(raw))); v {
	case VariantAmicable, VariantPrimorial:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, raw)
	}
}

// Endpoint is one named channel of a pipeline. Owner is the worker that binds it.
type Endpoint struct {
	Name      string
	Port      int
	Transport transport.Kind
	Owner     string
}

// Topology is everything a worker needs to find its peers.
type Topology struct {
	Variant        Variant
	Host           string
	Endpoints      map[string]Endpoint
	Timeouts       transport.Timeouts
	Retry          transport.Retry
	PropagateAbort bool
	MetricsAddr    string
}

func (t *Topology) Endpoint(name string) (Endpoint, error) {
	ep, ok := t.Endpoints[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q in %s topology", ErrUnknownEndpoint, name, t.Variant)
	}
	return ep, nil
}

func (t *Topology) Address(name string) (transport.Address, error) {
	ep, err := t.Endpoint(name)
	if err != nil {
		return transport.Address{}, err
	}
	return transport.Address{Name: ep.Name, Host: t.Host, Port: ep.Port, Kind: ep.Transport}, nil
}

// Owned returns the endpoints bound by worker, sorted by name.
func (t *Topology) Owned(worker string) []Endpoint {
	out := make([]Endpoint, 0)
	for _, name := range t.Names() {
		if ep := t.Endpoints[name]; ep.Owner == worker {
			out = append(out, ep)
		}
	}
	return out
}

func (t *Topology) Names() []string {
	return slices.Sorted(maps.Keys(t.Endpoints))
}

// SetPort records the port an endpoint actually bound.
func (t *Topology) SetPort(name string, port int) error {
	ep, err := t.Endpoint(name)
	if err != nil {
		return err
	}
	ep.Port = port
	t.Endpoints[name] = ep
	return nil
}

func (t *Topology) Clone() *Topology {
	out := *t
	out.Endpoints = maps.Clone(t.Endpoints)
	return &out
}

// Validate checks endpoint shape and that no two endpoints claim the same
// (port, transport) pair. Port 0 asks the OS for an ephemeral port and is
// exempt from the uniqueness check.
func (t *Topology) Validate() error {
	if _, err := ParseVariant(string(t.Variant)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopology, err)
	}
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidTopology)
	}
	if len(t.Endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints", ErrInvalidTopology)
	}
	if t.Timeouts.Connect < 0 || t.Timeouts.Accept < 0 || t.Timeouts.Receive < 0 || t.Timeouts.Write < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidTopology)
	}
	type key struct {
		port int
		kind transport.Kind
	}
	claimed := make(map[key]string, len(t.Endpoints))
	for _, name := range t.Names() {
		ep := t.Endpoints[name]
		if ep.Name != name {
			return fmt.Errorf("%w: endpoint %q has name %q", ErrInvalidTopology, name, ep.Name)
		}
		if ep.Port < 0 || ep.Port > 65535 {
			return fmt.Errorf("%w: endpoint %q port %d out of range", ErrInvalidTopology, name, ep.Port)
		}
		if ep.Transport != transport.Stream && ep.Transport != transport.Datagram {
			return fmt.Errorf("%w: endpoint %q transport %q", ErrInvalidTopology, name, ep.Transport)
		}
		if strings.TrimSpace(ep.Owner) == "" {
			return fmt.Errorf("%w: endpoint %q missing owner", ErrInvalidTopology, name)
		}
		if ep.Port == 0 {
			continue
		}
		k := key{port: ep.Port, kind: ep.Transport}
		if other, ok := claimed[k]; ok {
			return fmt.Errorf("%w: endpoints %q and %q both claim %s port %d", ErrInvalidTopology, other, name, ep.Transport, ep.Port)
		}
		claimed[k] = name
	}
	return nil
}
