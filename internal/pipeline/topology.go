package pipeline

import (
	"time"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/transport"
)

const DefaultHost = "127.0.0.1"

// Worker names shared by both variants.
const (
	Originator = "p1"
	Second     = "p2"
	Third      = "p3"
	Fourth     = "p4"
)

// Endpoint names.
const (
	EndpointP1P2     = "p1_p2"
	EndpointP2P3     = "p2_p3"
	EndpointP3P4     = "p3_p4"
	EndpointP4P1     = "p4_p1"
	EndpointP3P1Ack  = "p3_p1_ack"
	EndpointP3P2     = "p3_p2"
	EndpointP2P1     = "p2_p1"
	EndpointObserver = "observer"
)

func endpoint(name string, port int, kind transport.Kind, owner string) config.Endpoint {
	return config.Endpoint{Name: name, Port: port, Transport: kind, Owner: owner}
}

// DefaultTopology returns the well-known port map of variant.
func DefaultTopology(variant config.Variant) (*config.Topology, error) {
	if _, err := config.ParseVariant(string(variant)); err != nil {
		return nil, err
	}
	t := &config.Topology{
		Variant: variant,
		Host:    DefaultHost,
		Timeouts: transport.Timeouts{
			Connect: 5 * time.Second,
			Write:   5 * time.Second,
		},
		Retry: transport.Retry{Attempts: 1, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2},
	}
	switch variant {
	case config.VariantAmicable:
		t.Endpoints = map[string]config.Endpoint{
			EndpointP1P2: endpoint(EndpointP1P2, 2001, transport.Stream, Second),
			EndpointP2P3: endpoint(EndpointP2P3, 9876, transport.Datagram, Third),
			EndpointP3P4: endpoint(EndpointP3P4, 2002, transport.Stream, Fourth),
			EndpointP4P1: endpoint(EndpointP4P1, 1099, transport.Datagram, Originator),
		}
	case config.VariantPrimorial:
		t.Endpoints = map[string]config.Endpoint{
			EndpointP1P2:     endpoint(EndpointP1P2, 2002, transport.Stream, Second),
			EndpointP2P3:     endpoint(EndpointP2P3, 2003, transport.Datagram, Third),
			EndpointP3P1Ack:  endpoint(EndpointP3P1Ack, 2001, transport.Datagram, Originator),
			EndpointP3P2:     endpoint(EndpointP3P2, 2005, transport.Stream, Second),
			EndpointP2P1:     endpoint(EndpointP2P1, 2001, transport.Stream, Originator),
			EndpointObserver: endpoint(EndpointObserver, 2004, transport.Stream, Fourth),
		}
	}
	return t, nil
}

// Ephemeral returns a copy of t with every port set to 0, for runs that must
// not collide with the well-known ports.
func Ephemeral(t *config.Topology) *config.Topology {
	out := t.Clone()
	for _, name := range out.Names() {
		_ = out.SetPort(name, 0)
	}
	return out
}
