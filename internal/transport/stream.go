package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
)

// StreamListener owns one bound TCP endpoint.
type StreamListener struct {
	addr     Address
	ln       net.Listener
	timeouts Timeouts
	limits   frame.Limits
}

// ListenStream binds a TCP endpoint; port 0 picks an ephemeral port. A port
// already taken is ErrAddressInUse.
func ListenStream(ctx context.Context, addr Address, timeouts Timeouts) (*StreamListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr.HostPort())
	if err != nil {
		observability.RecordTransportError(addr.Name, string(Stream), "listen")
		return nil, classify(ctx, "listen", addr, err)
	}
	bound := addr
	bound.Kind = Stream
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		bound.Port = tcp.Port
	}
	logs.Debugf("transport.ListenStream endpoint=%q addr=%q", addr.Name, ln.Addr().String())
	return &StreamListener{addr: bound, ln: ln, timeouts: timeouts, limits: frame.DefaultLimits()}, nil
}

// Addr is the bound address; a requested port 0 resolves to the ephemeral port.
func (l *StreamListener) Addr() Address {
	return l.addr
}

// AcceptOnce blocks until exactly one peer connects.
func (l *StreamListener) AcceptOnce(ctx context.Context) (*StreamConn, error) {
	if tl, ok := l.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(deadline(l.timeouts.Accept))
		stop := interruptOnDone(ctx, tl.SetDeadline)
		defer stop()
	}
	conn, err := l.ln.Accept()
	if err != nil {
		observability.RecordTransportError(l.addr.Name, string(Stream), "accept")
		return nil, classify(ctx, "accept", l.addr, err)
	}
	logs.Debugf("transport.AcceptOnce endpoint=%q remote=%q", l.addr.Name, conn.RemoteAddr().String())
	return newStreamConn(l.addr, conn, l.timeouts, l.limits), nil
}

// Close stops listening. Connections already accepted stay open.
func (l *StreamListener) Close() error {
	return l.ln.Close()
}

// DialStream opens one outbound connection to addr, retrying refused dials
// according to retry.
func DialStream(ctx context.Context, addr Address, timeouts Timeouts, retry Retry) (*StreamConn, error) {
	attempts := retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if wait := NextDelay(retry, attempt, rng); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, classify(ctx, "dial", addr, ctx.Err())
			case <-timer.C:
			}
		}
		d := net.Dialer{Timeout: timeouts.Connect}
		conn, err := d.DialContext(ctx, "tcp", addr.HostPort())
		if err == nil {
			logs.Debugf("transport.DialStream endpoint=%q addr=%q attempt=%d", addr.Name, addr.HostPort(), attempt)
			return newStreamConn(addr, conn, timeouts, frame.DefaultLimits()), nil
		}
		lastErr = classify(ctx, "dial", addr, err)
		observability.RecordTransportError(addr.Name, string(Stream), "dial")
		if !errors.Is(lastErr, ErrConnectionRefused) {
			return nil, lastErr
		}
		logs.Warnf("transport.DialStream endpoint=%q attempt=%d/%d err=%v", addr.Name, attempt, attempts, err)
	}
	return nil, lastErr
}

// StreamConn is one established TCP connection carrying frames.
type StreamConn struct {
	addr     Address
	conn     net.Conn
	timeouts Timeouts
	limits   frame.Limits

	mu  sync.Mutex
	seq uint64
}

func newStreamConn(addr Address, conn net.Conn, timeouts Timeouts, limits frame.Limits) *StreamConn {
	return &StreamConn{addr: addr, conn: conn, timeouts: timeouts, limits: limits}
}

// RemoteAddr is the peer address in host:port form.
func (c *StreamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send writes one value frame per item, in order.
func (c *StreamConn) Send(ctx context.Context, run uuid.UUID, items []wire.Item) error {
	frames := make([]frame.Frame, 0, len(items))
	for _, item := range items {
		f, err := wire.EncodeValueFrame(run, c.nextSeq(), item)
		if err != nil {
			return fmt.Errorf("transport: encode %s item %d: %w", c.addr.Name, item.Index, err)
		}
		frames = append(frames, f)
	}
	return c.write(ctx, frames)
}

// SendNotify writes one notification frame.
func (c *StreamConn) SendNotify(ctx context.Context, run uuid.UUID, text string) error {
	f, err := wire.EncodeNotifyFrame(run, c.nextSeq(), text)
	if err != nil {
		return err
	}
	return c.write(ctx, []frame.Frame{f})
}

// SendAbort writes one abort frame carrying the failed worker and reason.
func (c *StreamConn) SendAbort(ctx context.Context, run uuid.UUID, abort wire.Abort) error {
	f, err := wire.EncodeAbortFrame(run, c.nextSeq(), abort)
	if err != nil {
		return err
	}
	return c.write(ctx, []frame.Frame{f})
}

func (c *StreamConn) write(ctx context.Context, frames []frame.Frame) error {
	_ = c.conn.SetWriteDeadline(deadline(c.timeouts.Write))
	stop := interruptOnDone(ctx, c.conn.SetWriteDeadline)
	defer stop()
	for _, f := range frames {
		if err := frame.WriteFrame(c.conn, f, c.limits); err != nil {
			observability.RecordTransportError(c.addr.Name, string(Stream), "write")
			return classify(ctx, "write", c.addr, err)
		}
		observability.RecordFrame(c.addr.Name, string(Stream), observability.DirectionSent)
	}
	return nil
}

// Receive reads value frames in the order written until the declared total
// has arrived.
func (c *StreamConn) Receive(ctx context.Context, run *Run) ([]wire.Item, error) {
	_ = c.conn.SetReadDeadline(deadline(c.timeouts.Receive))
	stop := interruptOnDone(ctx, c.conn.SetReadDeadline)
	defer stop()

	var items []wire.Item
	for {
		f, err := frame.ReadFrame(c.conn, c.limits)
		if err != nil {
			return nil, c.readError(ctx, err, len(items))
		}
		observability.RecordFrame(c.addr.Name, string(Stream), observability.DirectionReceived)
		if err := run.Check(f.Header.RunID); err != nil {
			return nil, fmt.Errorf("%s: %w", c.addr, err)
		}
		if f.Header.MessageType == schema.MsgAbort {
			return nil, abortError(f)
		}
		item, err := wire.DecodeValueFrame(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.addr, err)
		}
		if int(item.Index) != len(items) || (len(items) > 0 && item.Total != items[0].Total) {
			return nil, fmt.Errorf("%w: %s item %d/%d out of order", ErrMalformedPayload, c.addr, item.Index, item.Total)
		}
		items = append(items, item)
		if uint32(len(items)) == item.Total {
			return items, nil
		}
	}
}

// Notification is one text message delivered to an observer.
type Notification struct {
	Run  uuid.UUID
	Text string
}

// ReceiveNotifications reads notify frames until the peer closes.
func (c *StreamConn) ReceiveNotifications(ctx context.Context) ([]Notification, error) {
	_ = c.conn.SetReadDeadline(deadline(c.timeouts.Receive))
	stop := interruptOnDone(ctx, c.conn.SetReadDeadline)
	defer stop()

	var out []Notification
	for {
		f, err := frame.ReadFrame(c.conn, c.limits)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, c.readError(ctx, err, len(out))
		}
		observability.RecordFrame(c.addr.Name, string(Stream), observability.DirectionReceived)
		if f.Header.MessageType == schema.MsgAbort {
			return out, abortError(f)
		}
		text, err := wire.DecodeNotifyFrame(f)
		if err != nil {
			return out, fmt.Errorf("%s: %w", c.addr, err)
		}
		out = append(out, Notification{Run: f.Header.RunID, Text: text})
	}
}

func (c *StreamConn) readError(ctx context.Context, err error, got int) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, frame.ErrShortHeader), errors.Is(err, frame.ErrShortPayload):
		return fmt.Errorf("%w: %s after %d values", ErrPrematureClose, c.addr, got)
	case errors.Is(err, frame.ErrInvalidMagic),
		errors.Is(err, frame.ErrUnsupportedVersion),
		errors.Is(err, frame.ErrHeaderLenMismatch),
		errors.Is(err, frame.ErrPayloadTooLarge):
		return fmt.Errorf("%w: %s: %w", ErrMalformedPayload, c.addr, err)
	}
	observability.RecordTransportError(c.addr.Name, string(Stream), "read")
	return classify(ctx, "read", c.addr, err)
}

func (c *StreamConn) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq
	c.seq++
	return seq
}

// Close closes the connection; the peer sees EOF.
func (c *StreamConn) Close() error {
	return c.conn.Close()
}

func abortError(f frame.Frame) error {
	abort, err := wire.DecodeAbortFrame(f)
	if err != nil {
		return err
	}
	return &AbortError{Abort: abort}
}
