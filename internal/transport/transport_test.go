package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/tlv"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
	"github.com/google/uuid"
)

func loopback(name string, kind Kind) Address {
	return Address{Name: name, Host: "127.0.0.1", Port: 0, Kind: kind}
}

func testTimeouts() Timeouts {
	return Timeouts{Connect: time.Second, Accept: 2 * time.Second, Receive: 2 * time.Second, Write: time.Second}
}

func acceptAsync(t *testing.T, ln *StreamListener) <-chan *StreamConn {
	t.Helper()
	out := make(chan *StreamConn, 1)
	go func() {
		conn, err := ln.AcceptOnce(context.Background())
		if err != nil {
			t.Errorf("accept: %v", err)
			close(out)
			return
		}
		out <- conn
	}()
	return out
}

func TestStreamDeliversValuesInOrder(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ln, err := ListenStream(ctx, loopback("p3_p4", Stream), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if ln.Addr().Port == 0 {
		t.Fatalf("expected ephemeral port to be resolved")
	}
	accepted := acceptAsync(t, ln)

	run := uuid.New()
	client, err := DialStream(ctx, ln.Addr(), testTimeouts(), Retry{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	items := wire.Items([]string{"n", "m", "amicable"}, []wire.Value{wire.Int(220), wire.Int(284), wire.Bool(true)})
	if err := client.Send(ctx, run, items); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = client.Close()

	server := <-accepted
	if server == nil {
		t.Fatalf("no accepted connection")
	}
	defer server.Close()
	bound := &Run{}
	got, err := server.Receive(ctx, bound)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if bound.ID != run {
		t.Fatalf("receiver did not adopt run id")
	}
	if len(got) != 3 || got[0].Value.Int != 220 || got[1].Value.Int != 284 || !got[2].Value.Bool {
		t.Fatalf("unexpected values: %+v", got)
	}
}

func TestDialRefusedWithoutListener(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ln, err := ListenStream(ctx, loopback("p1_p2", Stream), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr()
	_ = ln.Close()

	_, err = DialStream(ctx, addr, testTimeouts(), Retry{Attempts: 2, InitialDelay: 10 * time.Millisecond})
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
}

func TestListenStreamAddressInUse(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenStream(ctx, loopback("p2_p1", Stream), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := ListenStream(ctx, ln.Addr(), testTimeouts()); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
}

func TestAcceptTimesOut(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenStream(ctx, loopback("p1_p2", Stream), Timeouts{Accept: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := ln.AcceptOnce(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAcceptHonoursCancellation(t *testing.T) {
	ln, err := ListenStream(context.Background(), loopback("p1_p2", Stream), Timeouts{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = ln.AcceptOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("accept did not return promptly after cancel")
	}
}

func TestStreamPrematureClose(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenStream(ctx, loopback("p3_p4", Stream), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := acceptAsync(t, ln)

	client, err := DialStream(ctx, ln.Addr(), testTimeouts(), Retry{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	items := wire.Items([]string{"n", "m"}, []wire.Value{wire.Int(1), wire.Int(2)})
	if err := client.Send(ctx, uuid.New(), items[:1]); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = client.Close()

	server := <-accepted
	defer server.Close()
	if _, err := server.Receive(ctx, &Run{}); !errors.Is(err, ErrPrematureClose) {
		t.Fatalf("expected ErrPrematureClose, got %v", err)
	}
}

func TestStreamRunMismatch(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenStream(ctx, loopback("p3_p2", Stream), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := acceptAsync(t, ln)

	client, err := DialStream(ctx, ln.Addr(), testTimeouts(), Retry{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := client.Send(ctx, uuid.New(), wire.Items([]string{"product"}, []wire.Value{wire.Int(30)})); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = client.Close()

	server := <-accepted
	defer server.Close()
	if _, err := server.Receive(ctx, &Run{ID: uuid.New()}); !errors.Is(err, ErrRunMismatch) {
		t.Fatalf("expected ErrRunMismatch, got %v", err)
	}
}

func TestStreamAbortSurfacesReason(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenStream(ctx, loopback("p3_p4", Stream), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := acceptAsync(t, ln)

	client, err := DialStream(ctx, ln.Addr(), testTimeouts(), Retry{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	run := uuid.New()
	if err := client.SendAbort(ctx, run, wire.Abort{Origin: "p3", Reason: "malformed input"}); err != nil {
		t.Fatalf("send abort: %v", err)
	}
	_ = client.Close()

	server := <-accepted
	defer server.Close()
	_, err = server.Receive(ctx, &Run{ID: run})
	if !errors.Is(err, ErrUpstreamAborted) {
		t.Fatalf("expected ErrUpstreamAborted, got %v", err)
	}
	abort, ok := IsAbort(err)
	if !ok || abort.Abort.Origin != "p3" || abort.Abort.Reason != "malformed input" {
		t.Fatalf("abort details lost: %+v", abort)
	}
}

func TestStreamNotificationsUntilClose(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenStream(ctx, loopback("observer", Stream), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := acceptAsync(t, ln)

	client, err := DialStream(ctx, ln.Addr(), testTimeouts(), Retry{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	run := uuid.New()
	for _, text := range []string{"P3 computed sum=84 product=30030", "P2 sent result to P1: 30030"} {
		if err := client.SendNotify(ctx, run, text); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	_ = client.Close()

	server := <-accepted
	defer server.Close()
	notes, err := server.ReceiveNotifications(ctx)
	if err != nil {
		t.Fatalf("receive notifications: %v", err)
	}
	if len(notes) != 2 || notes[1].Text != "P2 sent result to P1: 30030" || notes[0].Run != run {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestDatagramReordersAndDropsDuplicatesAndForeignRuns(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ln, err := ListenDatagram(ctx, loopback("p4_p1", Datagram), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	run := uuid.New()
	items := wire.Items(
		[]string{"amicable", "m", "cubes"},
		[]wire.Value{wire.Bool(false), wire.Int(500), wire.List(wire.Int(153), wire.Int(370))},
	)
	foreign := wire.Items([]string{"amicable"}, []wire.Value{wire.Bool(true)})
	if err := SendDatagrams(ctx, ln.Addr(), uuid.New(), foreign, testTimeouts()); err != nil {
		t.Fatalf("send foreign: %v", err)
	}
	shuffled := []wire.Item{items[3], items[1], items[1], items[0], items[2]}
	if err := SendDatagrams(ctx, ln.Addr(), run, shuffled, testTimeouts()); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := ln.Receive(ctx, &Run{ID: run})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 items, got %d", len(got))
	}
	for i, item := range got {
		if !item.Value.Equal(items[i].Value) {
			t.Fatalf("item %d mismatch: got=%s want=%s", i, item.Value, items[i].Value)
		}
	}
}

func TestDatagramMalformedPacket(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenDatagram(ctx, loopback("p2_p3", Datagram), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	conn, err := net.Dial("udp", ln.Addr().HostPort())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("28")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ln.Receive(ctx, &Run{}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestDatagramRejectsOversizedTotal(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenDatagram(ctx, loopback("p2_p3", Datagram), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	payload := tlv.EncodeFields([]tlv.Field{
		tlv.NewU32(schema.FieldIndex, 0),
		tlv.NewU32(schema.FieldTotal, 1<<31),
		tlv.NewI64(schema.FieldValue, 28),
	})
	b, err := frame.Marshal(frame.Frame{
		Header:  frame.Header{RunID: uuid.New(), MessageType: schema.MsgValue},
		Payload: payload,
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	conn, err := net.Dial("udp", ln.Addr().HostPort())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ln.Receive(ctx, &Run{}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestDatagramReceiveTimesOut(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenDatagram(ctx, loopback("p3_p1_ack", Datagram), Timeouts{Receive: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := ln.Receive(ctx, &Run{}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDatagramSendWithoutReceiverSucceeds(t *testing.T) {
	ctx := context.Background()
	ln, err := ListenDatagram(ctx, loopback("p2_p3", Datagram), testTimeouts())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr()
	_ = ln.Close()
	items := wire.Items([]string{"n", "m"}, []wire.Value{wire.Int(28), wire.Int(56)})
	if err := SendDatagrams(ctx, addr, uuid.New(), items, testTimeouts()); err != nil {
		t.Fatalf("datagram send should not require a receiver: %v", err)
	}
}

func TestNextDelay(t *testing.T) {
	cfg := Retry{Attempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	if got := NextDelay(cfg, 1, nil); got != 0 {
		t.Fatalf("first attempt should not wait, got %v", got)
	}
	if got := NextDelay(cfg, 2, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt 2 delay=%v", got)
	}
	if got := NextDelay(cfg, 3, nil); got != 200*time.Millisecond {
		t.Fatalf("attempt 3 delay=%v", got)
	}
	if got := NextDelay(cfg, 5, nil); got != 300*time.Millisecond {
		t.Fatalf("attempt 5 delay=%v", got)
	}
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{"stream": Stream, "TCP": Stream, "datagram": Datagram, " udp ": Datagram} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%q err=%v", raw, got, err)
		}
	}
	if _, err := ParseKind("sctp"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
