package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
)

// MaxDatagramBytes is the largest UDP payload over IPv4.
const MaxDatagramBytes = 65507

// DatagramListener owns one bound UDP endpoint. It is ready to receive as soon
// as ListenDatagram returns.
type DatagramListener struct {
	addr     Address
	conn     net.PacketConn
	timeouts Timeouts
	limits   frame.Limits
}

// ListenDatagram binds a UDP endpoint; port 0 picks an ephemeral port.
func ListenDatagram(ctx context.Context, addr Address, timeouts Timeouts) (*DatagramListener, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr.HostPort())
	if err != nil {
		observability.RecordTransportError(addr.Name, string(Datagram), "listen")
		return nil, classify(ctx, "listen", addr, err)
	}
	bound := addr
	bound.Kind = Datagram
	if udp, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		bound.Port = udp.Port
	}
	logs.Debugf("transport.ListenDatagram endpoint=%q addr=%q", addr.Name, conn.LocalAddr().String())
	return &DatagramListener{addr: bound, conn: conn, timeouts: timeouts, limits: frame.DefaultLimits()}, nil
}

// Addr is the bound address.
func (l *DatagramListener) Addr() Address {
	return l.addr
}

// Receive collects value frames by index until the declared total is present.
// Duplicates and datagrams of a foreign run are dropped.
func (l *DatagramListener) Receive(ctx context.Context, run *Run) ([]wire.Item, error) {
	_ = l.conn.SetReadDeadline(deadline(l.timeouts.Receive))
	stop := interruptOnDone(ctx, l.conn.SetReadDeadline)
	defer stop()

	buf := make([]byte, MaxDatagramBytes)
	var slots []*wire.Item
	received := 0
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			observability.RecordTransportError(l.addr.Name, string(Datagram), "read")
			return nil, classify(ctx, "read", l.addr, err)
		}
		f, err := frame.Unmarshal(buf[:n], l.limits)
		if err != nil {
			return nil, fmt.Errorf("%w: %s from %s: %w", ErrMalformedPayload, l.addr, from, err)
		}
		if err := run.Check(f.Header.RunID); err != nil {
			logs.Warnf("transport.DatagramListener.Receive endpoint=%q drop foreign run from=%q err=%v", l.addr.Name, from.String(), err)
			observability.RecordFrame(l.addr.Name, string(Datagram), observability.DirectionDropped)
			continue
		}
		observability.RecordFrame(l.addr.Name, string(Datagram), observability.DirectionReceived)
		if f.Header.MessageType == schema.MsgAbort {
			return nil, abortError(f)
		}
		item, err := wire.DecodeValueFrame(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.addr, err)
		}
		if slots == nil {
			slots = make([]*wire.Item, item.Total)
		}
		if item.Total != uint32(len(slots)) {
			return nil, fmt.Errorf("%w: %s total changed %d -> %d", ErrMalformedPayload, l.addr, len(slots), item.Total)
		}
		if slots[item.Index] != nil {
			logs.Debugf("transport.DatagramListener.Receive endpoint=%q drop duplicate index=%d", l.addr.Name, item.Index)
			observability.RecordFrame(l.addr.Name, string(Datagram), observability.DirectionDropped)
			continue
		}
		slots[item.Index] = &item
		received++
		if received == len(slots) {
			items := make([]wire.Item, 0, len(slots))
			for _, s := range slots {
				items = append(items, *s)
			}
			return items, nil
		}
	}
}

// Close releases the socket.
func (l *DatagramListener) Close() error {
	return l.conn.Close()
}

// SendDatagrams sends one packet per item to addr. Delivery is not acknowledged.
func SendDatagrams(ctx context.Context, addr Address, run uuid.UUID, items []wire.Item, timeouts Timeouts) error {
	frames := make([]frame.Frame, 0, len(items))
	for i, item := range items {
		f, err := wire.EncodeValueFrame(run, uint64(i), item)
		if err != nil {
			return fmt.Errorf("transport: encode %s item %d: %w", addr.Name, item.Index, err)
		}
		frames = append(frames, f)
	}
	return sendFrames(ctx, addr, frames, timeouts)
}

// SendDatagramAbort sends a single abort packet to addr.
func SendDatagramAbort(ctx context.Context, addr Address, run uuid.UUID, abort wire.Abort, timeouts Timeouts) error {
	f, err := wire.EncodeAbortFrame(run, 0, abort)
	if err != nil {
		return err
	}
	return sendFrames(ctx, addr, []frame.Frame{f}, timeouts)
}

func sendFrames(ctx context.Context, addr Address, frames []frame.Frame, timeouts Timeouts) error {
	dst, err := net.DefaultResolver.LookupIPAddr(ctx, addr.Host)
	if err != nil {
		observability.RecordTransportError(addr.Name, string(Datagram), "resolve")
		return classify(ctx, "resolve", addr, err)
	}
	if len(dst) == 0 {
		return fmt.Errorf("%w: resolve %s: no addresses", ErrHostUnreachable, addr)
	}
	to := &net.UDPAddr{IP: dst[0].IP, Port: addr.Port, Zone: dst[0].Zone}

	// Unconnected socket: a missing receiver must not surface as ECONNREFUSED.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return classify(ctx, "bind", addr, err)
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(deadline(timeouts.Write))
	stop := interruptOnDone(ctx, conn.SetWriteDeadline)
	defer stop()

	for _, f := range frames {
		b, err := frame.Marshal(f, frame.DefaultLimits())
		if err != nil {
			return fmt.Errorf("transport: marshal %s: %w", addr, err)
		}
		if len(b) > MaxDatagramBytes {
			return fmt.Errorf("%w: %s %d bytes", ErrDatagramTooLarge, addr, len(b))
		}
		if _, err := conn.WriteTo(b, to); err != nil {
			observability.RecordTransportError(addr.Name, string(Datagram), "write")
			return classify(ctx, "write", addr, err)
		}
		observability.RecordFrame(addr.Name, string(Datagram), observability.DirectionSent)
	}
	return nil
}
