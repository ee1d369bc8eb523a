package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/worker"
	logs "github.com/danmuck/smplog"
	"golang.org/x/sync/errgroup"
)

// Runner executes a whole variant inside one process.
type Runner struct {
	set *Set

	mu      sync.Mutex
	results map[string]worker.Result
}

func NewRunner(topo *config.Topology, opts Options) (*Runner, error) {
	set, err := Build(topo, opts)
	if err != nil {
		return nil, err
	}
	return &Runner{set: set}, nil
}

func (r *Runner) Set() *Set {
	return r.set
}

// Result returns what the named worker held when the last Run finished.
func (r *Runner) Result(name string) (worker.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[name]
	return res, ok
}

// Run binds every listener, records the bound ports in the shared topology,
// then runs all workers concurrently. The first failure cancels the others.
// It returns the originator's result.
func (r *Runner) Run(ctx context.Context) (worker.Result, error) {
	if err := r.open(ctx); err != nil {
		return worker.Result{}, err
	}

	obsCtx, stopObserver := context.WithCancel(ctx)
	var obsWG sync.WaitGroup
	var obsErr error
	if obs := r.set.Observer; obs != nil {
		obsWG.Add(1)
		go func() {
			defer obsWG.Done()
			obsErr = obs.Serve(obsCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	r.mu.Lock()
	r.results = make(map[string]worker.Result, len(r.set.Workers))
	r.mu.Unlock()
	for _, w := range r.set.Workers {
		g.Go(func() error {
			res, err := w.Run(gctx)
			r.mu.Lock()
			r.results[w.Name()] = res
			r.mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	if obs := r.set.Observer; obs != nil && err == nil {
		waitCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		err = obs.WaitFor(waitCtx, r.expectedNotifications())
		cancel()
	}
	stopObserver()
	obsWG.Wait()
	if err == nil && obsErr != nil {
		err = fmt.Errorf("pipeline %s: observer: %w", r.set.Variant, obsErr)
	}
	res, _ := r.Result(Originator)
	return res, err
}

const drainTimeout = 5 * time.Second

func (r *Runner) expectedNotifications() int {
	n := 0
	for _, w := range r.set.Workers {
		n += w.Notifies()
	}
	return n
}

func (r *Runner) open(ctx context.Context) error {
	type opener interface {
		Name() string
		Open(context.Context) error
		Bound() map[string]int
		Close() error
	}
	all := make([]opener, 0, len(r.set.Workers)+1)
	if r.set.Observer != nil {
		all = append(all, r.set.Observer)
	}
	for _, w := range r.set.Workers {
		all = append(all, w)
	}
	for i, o := range all {
		if err := o.Open(ctx); err != nil {
			for _, opened := range all[:i] {
				_ = opened.Close()
			}
			return err
		}
		for name, port := range o.Bound() {
			if err := r.set.Topology.SetPort(name, port); err != nil {
				return err
			}
			logs.Debugf("pipeline.Runner bound worker=%q endpoint=%q port=%d", o.Name(), name, port)
		}
	}
	return nil
}
