package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/danmuck/relayctl/internal/transport"
	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotOpen        = errors.New("worker: endpoints not open")
	ErrMissingValue   = errors.New("worker: missing value")
	ErrOutputMismatch = errors.New("worker: stage output count mismatch")
)

// StepError ties a failure to the script step that produced it.
type StepError struct {
	Worker string
	Index  int
	Step   string
	Phase  Phase
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("worker %s: step %d (%s) during %s: %v", e.Worker, e.Index, e.Step, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Options struct {
	Input  InputSource
	Logger *zerolog.Logger
	// RunID pins the run id; zero adopts the first id received or mints one
	// on first send.
	RunID uuid.UUID
}

// Result is what a finished worker holds.
type Result struct {
	Worker string
	Run    uuid.UUID
	Values map[string]wire.Value
	Phases []Phase
}

func (r Result) Value(name string) (wire.Value, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Worker runs one pipeline stage script against a topology.
type Worker struct {
	name   string
	topo   *config.Topology
	script Script
	input  InputSource
	log    zerolog.Logger

	mu        sync.Mutex
	life      lifecycle
	run       transport.Run
	opened    bool
	streams   map[string]*transport.StreamListener
	datagrams map[string]*transport.DatagramListener
	values    map[string]wire.Value
}

func New(name string, topo *config.Topology, script Script, opts Options) (*Worker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("worker: missing name")
	}
	if topo == nil {
		return nil, fmt.Errorf("worker %s: missing topology", name)
	}
	if err := script.Validate(name, topo); err != nil {
		return nil, err
	}
	for _, step := range script {
		if _, ok := step.(Input); ok && opts.Input == nil {
			return nil, fmt.Errorf("worker %s: script reads input but no input source is set", name)
		}
	}
	logger := observability.WorkerLogger(name)
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("worker", name).Logger()
	}
	return &Worker{
		name:      name,
		topo:      topo,
		script:    script,
		input:     opts.Input,
		log:       logger,
		life:      newLifecycle(),
		run:       transport.Run{ID: opts.RunID},
		streams:   make(map[string]*transport.StreamListener),
		datagrams: make(map[string]*transport.DatagramListener),
		values:    make(map[string]wire.Value),
	}, nil
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.life.phase
}

// Open binds every endpoint the worker owns. Calling it again is a no-op.
func (w *Worker) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opened {
		return nil
	}
	for _, ep := range w.topo.Owned(w.name) {
		addr, err := w.topo.Address(ep.Name)
		if err != nil {
			w.closeLocked()
			return err
		}
		switch ep.Transport {
		case transport.Stream:
			ln, err := transport.ListenStream(ctx, addr, w.topo.Timeouts)
			if err != nil {
				w.closeLocked()
				return fmt.Errorf("worker %s: %w", w.name, err)
			}
			w.streams[ep.Name] = ln
		case transport.Datagram:
			ln, err := transport.ListenDatagram(ctx, addr, w.topo.Timeouts)
			if err != nil {
				w.closeLocked()
				return fmt.Errorf("worker %s: %w", w.name, err)
			}
			w.datagrams[ep.Name] = ln
		}
	}
	w.opened = true
	logs.Debugf("worker.Open name=%q streams=%d datagrams=%d", w.name, len(w.streams), len(w.datagrams))
	return nil
}

// Notifies counts the Notify steps in the script.
func (w *Worker) Notifies() int {
	n := 0
	for _, step := range w.script {
		if _, ok := step.(Notify); ok {
			n++
		}
	}
	return n
}

// Bound returns the port each owned endpoint is listening on.
func (w *Worker) Bound() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.streams)+len(w.datagrams))
	for name, ln := range w.streams {
		out[name] = ln.Addr().Port
	}
	for name, ln := range w.datagrams {
		out[name] = ln.Addr().Port
	}
	return out
}

// Close releases every listener still held.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Worker) closeLocked() error {
	var errs []error
	for name, ln := range w.streams {
		errs = append(errs, ln.Close())
		delete(w.streams, name)
	}
	for name, ln := range w.datagrams {
		errs = append(errs, ln.Close())
		delete(w.datagrams, name)
	}
	return errors.Join(errs...)
}

// Run executes the script once. Any failure stops the script: no later step
// runs. Listeners are released on every exit path.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	if err := w.Open(ctx); err != nil {
		observability.RecordWorkerRun(w.name, err, time.Since(start))
		return Result{}, err
	}
	defer w.Close()

	for i, step := range w.script {
		if err := w.enter(step.phase()); err != nil {
			return w.fail(ctx, i, step, err, start)
		}
		if err := w.exec(ctx, step); err != nil {
			return w.fail(ctx, i, step, err, start)
		}
	}
	if err := w.enter(PhaseTerminated); err != nil {
		return Result{}, err
	}
	observability.RecordWorkerRun(w.name, nil, time.Since(start))
	w.log.Info().Str("run", w.run.ID.String()).Dur("elapsed", time.Since(start)).Msg("worker finished")
	return w.result(), nil
}

func (w *Worker) fail(ctx context.Context, i int, step Step, err error, start time.Time) (Result, error) {
	stepErr := &StepError{Worker: w.name, Index: i, Step: step.String(), Phase: w.Phase(), Err: err}
	logs.Errorf(err, "worker.Run name=%q step=%d (%s)", w.name, i, step)
	w.log.Error().Err(err).Int("step", i).Str("kind", step.String()).Msg("worker failed")
	if w.topo.PropagateAbort {
		w.propagateAbort(ctx, i, stepErr)
	}
	_ = w.enter(PhaseTerminated)
	observability.RecordWorkerRun(w.name, stepErr, time.Since(start))
	return w.result(), stepErr
}

func (w *Worker) enter(next Phase) error {
	w.mu.Lock()
	changed, err := w.life.enter(next)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	if changed {
		observability.RecordPhase(w.name, string(next))
		w.log.Debug().Str("phase", string(next)).Msg("phase transition")
	}
	return nil
}

func (w *Worker) result() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	values := make(map[string]wire.Value, len(w.values))
	for k, v := range w.values {
		values[k] = v
	}
	phases := make([]Phase, len(w.life.history))
	copy(phases, w.life.history)
	return Result{Worker: w.name, Run: w.run.ID, Values: values, Phases: phases}
}

func (w *Worker) exec(ctx context.Context, step Step) error {
	switch st := step.(type) {
	case Input:
		return w.readInput(ctx, st)
	case Receive:
		return w.receive(ctx, st)
	case Compute:
		return w.compute(st)
	case Send:
		return w.send(ctx, st)
	case Notify:
		return w.notify(ctx, st)
	default:
		return fmt.Errorf("worker %s: unknown step %T", w.name, step)
	}
}

func (w *Worker) readInput(ctx context.Context, st Input) error {
	for _, name := range st.Names {
		text, err := w.input.Next(ctx, fmt.Sprintf("%s: %s >> ", w.name, strings.ToUpper(name)))
		if err != nil {
			return err
		}
		w.store(name, wire.Text(strings.TrimSpace(text)))
	}
	return nil
}

func (w *Worker) receive(ctx context.Context, st Receive) error {
	var (
		items []wire.Item
		err   error
	)
	if ln, ok := w.takeStream(st.Endpoint); ok {
		items, err = w.receiveStream(ctx, ln)
	} else if dl, ok := w.takeDatagram(st.Endpoint); ok {
		items, err = dl.Receive(ctx, &w.run)
		_ = dl.Close()
	} else {
		return fmt.Errorf("%w: %s", ErrNotOpen, st.Endpoint)
	}
	if err != nil {
		return err
	}
	return w.bind(st, items)
}

func (w *Worker) receiveStream(ctx context.Context, ln *transport.StreamListener) ([]wire.Item, error) {
	defer ln.Close()
	conn, err := ln.AcceptOnce(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Receive(ctx, &w.run)
}

// bind assigns received items to names by position.
func (w *Worker) bind(st Receive, items []wire.Item) error {
	names := st.Names
	variadic := false
	if len(names) > 0 {
		_, variadic = valueName(names[len(names)-1])
	}
	fixed := len(names)
	if variadic {
		fixed--
	}
	if len(items) < fixed || (!variadic && len(items) != fixed) {
		return fmt.Errorf("%w: %s delivered %d values, want %d", transport.ErrMalformedPayload, st.Endpoint, len(items), len(names))
	}
	for i := 0; i < fixed; i++ {
		if items[i].Name != "" && items[i].Name != names[i] {
			logs.Warnf("worker.bind name=%q endpoint=%q position=%d sent=%q expected=%q", w.name, st.Endpoint, i, items[i].Name, names[i])
		}
		w.store(names[i], items[i].Value)
	}
	if variadic {
		rest := make([]wire.Value, 0, len(items)-fixed)
		for _, item := range items[fixed:] {
			rest = append(rest, item.Value)
		}
		base, _ := valueName(names[len(names)-1])
		w.store(base, wire.List(rest...))
	}
	w.log.Debug().Str("endpoint", st.Endpoint).Int("values", len(items)).Msg("received")
	return nil
}

func (w *Worker) compute(st Compute) error {
	in, err := w.lookup(st.In)
	if err != nil {
		return err
	}
	out, err := st.Stage(in)
	if err != nil {
		return err
	}
	if len(out) != len(st.Out) {
		return fmt.Errorf("%w: got %d want %d", ErrOutputMismatch, len(out), len(st.Out))
	}
	for i, name := range st.Out {
		w.store(name, out[i])
	}
	return nil
}

func (w *Worker) send(ctx context.Context, st Send) error {
	values, err := w.lookup(st.Names)
	if err != nil {
		return err
	}
	addr, err := w.topo.Address(st.Endpoint)
	if err != nil {
		return err
	}
	run := w.runID()
	items := wire.Items(st.Names, values)
	switch addr.Kind {
	case transport.Datagram:
		err = transport.SendDatagrams(ctx, addr, run, items, w.topo.Timeouts)
	default:
		err = w.withStream(ctx, addr, func(conn *transport.StreamConn) error {
			return conn.Send(ctx, run, items)
		})
	}
	if err != nil {
		return err
	}
	w.log.Debug().Str("endpoint", st.Endpoint).Int("values", len(items)).Msg("sent")
	return nil
}

func (w *Worker) notify(ctx context.Context, st Notify) error {
	values, err := w.lookup([]string{st.Name})
	if err != nil {
		return err
	}
	addr, err := w.topo.Address(st.Endpoint)
	if err != nil {
		return err
	}
	run := w.runID()
	return w.withStream(ctx, addr, func(conn *transport.StreamConn) error {
		return conn.SendNotify(ctx, run, values[0].String())
	})
}

// withStream opens one connection per exchange and closes it after writing.
func (w *Worker) withStream(ctx context.Context, addr transport.Address, fn func(*transport.StreamConn) error) error {
	conn, err := transport.DialStream(ctx, addr, w.topo.Timeouts, w.topo.Retry)
	if err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		_ = conn.Close()
		return err
	}
	return conn.Close()
}

// propagateAbort tells every peer the rest of the script would have sent to
// that this run is over. Failures are logged and otherwise ignored.
func (w *Worker) propagateAbort(ctx context.Context, failed int, cause error) {
	abort := wire.Abort{Origin: w.name, Reason: cause.Error()}
	run := w.runID()
	seen := make(map[string]bool)
	for _, step := range w.script[failed:] {
		st, ok := step.(Send)
		if !ok || seen[st.Endpoint] {
			continue
		}
		seen[st.Endpoint] = true
		addr, err := w.topo.Address(st.Endpoint)
		if err != nil {
			continue
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		if addr.Kind == transport.Datagram {
			err = transport.SendDatagramAbort(sendCtx, addr, run, abort, w.topo.Timeouts)
		} else {
			err = w.withStream(sendCtx, addr, func(conn *transport.StreamConn) error {
				return conn.SendAbort(sendCtx, run, abort)
			})
		}
		cancel()
		if err != nil {
			logs.Warnf("worker.propagateAbort name=%q endpoint=%q err=%v", w.name, st.Endpoint, err)
			continue
		}
		logs.Infof("worker.propagateAbort name=%q endpoint=%q", w.name, st.Endpoint)
	}
}

const abortTimeout = 2 * time.Second

func (w *Worker) runID() uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run.ID == uuid.Nil {
		w.run.ID = uuid.New()
	}
	return w.run.ID
}

func (w *Worker) store(name string, v wire.Value) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[name] = v
}

func (w *Worker) lookup(names []string) ([]wire.Value, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]wire.Value, 0, len(names))
	for _, name := range names {
		v, ok := w.values[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingValue, name)
		}
		out = append(out, v)
	}
	return out, nil
}

func (w *Worker) takeStream(name string) (*transport.StreamListener, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ln, ok := w.streams[name]
	delete(w.streams, name)
	return ln, ok
}

func (w *Worker) takeDatagram(name string) (*transport.DatagramListener, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ln, ok := w.datagrams[name]
	delete(w.datagrams, name)
	return ln, ok
}
