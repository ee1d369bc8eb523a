package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/transport"
	logs "github.com/danmuck/smplog"
	"github.com/rs/zerolog"
)

// NotificationPrefix starts every line an observer prints.
const NotificationPrefix = "Notification received: "

// ObserverPhaseHistory is how many recent phases an observer keeps.
const ObserverPhaseHistory = 32

// Sink receives every notification an observer records.
type Sink func(transport.Notification)

type ObserverOptions struct {
	// Output gets one NotificationPrefix line per notification; defaults to stdout.
	Output io.Writer
	Sink   Sink
	Logger *zerolog.Logger
}

// Observer is the long-lived worker that records fire-and-forget
// notifications until its context is cancelled.
type Observer struct {
	name     string
	endpoint string
	topo     *config.Topology
	out      io.Writer
	sink     Sink
	log      zerolog.Logger

	mu       sync.Mutex
	life     lifecycle
	listener *transport.StreamListener
	count    int
	changed  chan struct{}
}

func NewObserver(name, endpoint string, topo *config.Topology, opts ObserverOptions) (*Observer, error) {
	if topo == nil {
		return nil, fmt.Errorf("observer %s: missing topology", name)
	}
	ep, err := topo.Endpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if ep.Owner != name || ep.Transport != transport.Stream {
		return nil, fmt.Errorf("observer %s: endpoint %q must be a stream owned by it", name, endpoint)
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	logger := observability.WorkerLogger(name)
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("worker", name).Logger()
	}
	return &Observer{
		name:     name,
		endpoint: endpoint,
		topo:     topo,
		out:      out,
		sink:     opts.Sink,
		log:      logger,
		life:     newLoopingLifecycle(ObserverPhaseHistory),
		changed:  make(chan struct{}),
	}, nil
}

func (o *Observer) Name() string {
	return o.name
}

func (o *Observer) Open(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener != nil {
		return nil
	}
	addr, err := o.topo.Address(o.endpoint)
	if err != nil {
		return err
	}
	// Notifications arrive whenever peers finish; only cancellation ends a wait.
	timeouts := o.topo.Timeouts
	timeouts.Accept = 0
	ln, err := transport.ListenStream(ctx, addr, timeouts)
	if err != nil {
		return fmt.Errorf("observer %s: %w", o.name, err)
	}
	o.listener = ln
	return nil
}

func (o *Observer) Bound() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener == nil {
		return map[string]int{}
	}
	return map[string]int{o.endpoint: o.listener.Addr().Port}
}

func (o *Observer) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener == nil {
		return nil
	}
	err := o.listener.Close()
	o.listener = nil
	return err
}

// Count is the number of notifications recorded so far.
func (o *Observer) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// WaitFor blocks until at least n notifications have been recorded.
func (o *Observer) WaitFor(ctx context.Context, n int) error {
	for {
		o.mu.Lock()
		count, changed := o.count, o.changed
		o.mu.Unlock()
		if count >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("observer %s: %d of %d notifications: %w", o.name, count, n, ctx.Err())
		case <-changed:
		}
	}
}

// Phases returns the most recent phases, at most ObserverPhaseHistory.
func (o *Observer) Phases() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Phase, len(o.life.history))
	copy(out, o.life.history)
	return out
}

// Serve loops accept, read, record, close until ctx is cancelled. A bad
// connection is logged and the loop continues.
func (o *Observer) Serve(ctx context.Context) error {
	if err := o.Open(ctx); err != nil {
		return err
	}
	defer o.Close()
	o.mu.Lock()
	ln := o.listener
	o.mu.Unlock()
	logs.Infof("worker.Observer listening name=%q addr=%q", o.name, ln.Addr().HostPort())

	for {
		o.enter(PhaseAwaitingInbound)
		conn, err := ln.AcceptOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				o.enter(PhaseTerminated)
				return nil
			}
			o.enter(PhaseTerminated)
			return err
		}

		o.enter(PhaseComputing)
		notes, err := conn.ReceiveNotifications(ctx)
		_ = conn.Close()
		if err != nil {
			if ctx.Err() != nil {
				o.enter(PhaseTerminated)
				return nil
			}
			logs.Warnf("worker.Observer name=%q remote read err=%v", o.name, err)
		}

		o.enter(PhaseSending)
		for _, n := range notes {
			o.record(n)
		}
	}
}

func (o *Observer) record(n transport.Notification) {
	o.mu.Lock()
	o.count++
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
	observability.RecordNotification(o.name)
	fmt.Fprintln(o.out, NotificationPrefix+n.Text)
	o.log.Info().Str("run", n.Run.String()).Str("text", n.Text).Msg("notification")
	if o.sink != nil {
		o.sink(n)
	}
}

func (o *Observer) enter(next Phase) {
	o.mu.Lock()
	changed, err := o.life.enter(next)
	o.mu.Unlock()
	if err != nil {
		logs.Errorf(err, "worker.Observer name=%q", o.name)
		return
	}
	if changed {
		observability.RecordPhase(o.name, string(next))
	}
}
