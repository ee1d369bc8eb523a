package worker

import (
	"fmt"
	"strings"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/stage"
)

// Step is one instruction of a worker script.
type Step interface {
	phase() Phase
	String() string
}

// Input reads one console token per name.
type Input struct {
	Names []string
}

// Receive waits on an owned endpoint. The last name may end in "..." to
// collect every remaining value as a list.
type Receive struct {
	Endpoint string
	Names    []string
}

// Compute applies Stage to the In values and stores its results as Out.
type Compute struct {
	Stage stage.Func
	In    []string
	Out   []string
}

// Send delivers the named values to a peer endpoint.
type Send struct {
	Endpoint string
	Names    []string
}

// Notify delivers one text value to an observer endpoint.
type Notify struct {
	Endpoint string
	Name     string
}

func (Input) phase() Phase   { return PhaseAwaitingInbound }
func (Receive) phase() Phase { return PhaseAwaitingInbound }
func (Compute) phase() Phase { return PhaseComputing }
func (Send) phase() Phase    { return PhaseSending }
func (Notify) phase() Phase  { return PhaseSending }

func (s Input) String() string   { return "input " + strings.Join(s.Names, ",") }
func (s Receive) String() string { return "receive " + s.Endpoint }
func (s Compute) String() string { return "compute " + strings.Join(s.Out, ",") }
func (s Send) String() string    { return "send " + s.Endpoint }
func (s Notify) String() string  { return "notify " + s.Endpoint }

// Script is the ordered list of steps a worker runs once.
type Script []Step

const variadicSuffix = "..."

func valueName(name string) (string, bool) {
	if base, ok := strings.CutSuffix(name, variadicSuffix); ok {
		return base, true
	}
	return name, false
}

// Validate checks that every endpoint exists with the right owner and that
// every name is produced before it is consumed.
func (s Script) Validate(worker string, topo *config.Topology) error {
	defined := make(map[string]bool)
	define := func(names []string) {
		for _, n := range names {
			base, _ := valueName(n)
			defined[base] = true
		}
	}
	use := func(i int, step Step, names []string) error {
		for _, n := range names {
			if !defined[n] {
				return fmt.Errorf("worker %s: step %d (%s): value %q used before it is defined", worker, i, step, n)
			}
		}
		return nil
	}
	endpoint := func(i int, step Step, name string, owned bool) error {
		ep, err := topo.Endpoint(name)
		if err != nil {
			return fmt.Errorf("worker %s: step %d (%s): %w", worker, i, step, err)
		}
		if (ep.Owner == worker) != owned {
			return fmt.Errorf("worker %s: step %d (%s): endpoint %q is owned by %s", worker, i, step, name, ep.Owner)
		}
		return nil
	}

	for i, step := range s {
		switch st := step.(type) {
		case Input:
			define(st.Names)
		case Receive:
			if err := endpoint(i, st, st.Endpoint, true); err != nil {
				return err
			}
			for j, n := range st.Names {
				if _, variadic := valueName(n); variadic && j != len(st.Names)-1 {
					return fmt.Errorf("worker %s: step %d (%s): only the last name may be variadic", worker, i, st)
				}
			}
			define(st.Names)
		case Compute:
			if st.Stage == nil {
				return fmt.Errorf("worker %s: step %d: compute without stage", worker, i)
			}
			if err := use(i, st, st.In); err != nil {
				return err
			}
			define(st.Out)
		case Send:
			if err := endpoint(i, st, st.Endpoint, false); err != nil {
				return err
			}
			if err := use(i, st, st.Names); err != nil {
				return err
			}
		case Notify:
			if err := endpoint(i, st, st.Endpoint, false); err != nil {
				return err
			}
			if err := use(i, st, []string{st.Name}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("worker %s: step %d: unknown step %T", worker, i, step)
		}
	}
	return nil
}
