package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind is the transport of an endpoint.
type Kind string

const (
	Stream   Kind = "stream"
	Datagram Kind = "datagram"
)

// ParseKind accepts stream/datagram and their tcp/udp aliases.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case Stream, "tcp":
		return Stream, nil
	case Datagram, "udp":
		return Datagram, nil
	default:
		return "", fmt.Errorf("transport: unknown kind %q", raw)
	}
}

func (k Kind) network() string {
	if k == Datagram {
		return "udp"
	}
	return "tcp"
}

// Address is one (host, port, transport) triple, labelled by its endpoint name.
type Address struct {
	Name string
	Host string
	Port int
	Kind Kind
}

// HostPort is the dialable host:port form of a.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	return fmt.Sprintf("%s(%s %s)", a.Name, a.Kind, a.HostPort())
}

// Timeouts bound blocking socket calls. A zero duration blocks indefinitely.
type Timeouts struct {
	Connect time.Duration
	Accept  time.Duration
	Receive time.Duration
	Write   time.Duration
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
