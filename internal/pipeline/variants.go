package pipeline

import (
	"fmt"
	"io"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/danmuck/relayctl/internal/stage"
	"github.com/danmuck/relayctl/internal/worker"
	"github.com/rs/zerolog"
)

// Notification prefixes of the primorial variant.
const (
	ResultNoticePrefix = "P2 sent result to P1: "
	ComputeNoticeFmt   = "P3 computed sum=%s product=%s"
	FinalResultPrefix  = "Final result received from P2: "
	AckText            = "Ack"
)

// Result value names read by callers.
const (
	ValueReport = "report"
	ValueResult = "result"
)

// Scripts returns the worker scripts of variant, keyed by worker name.
func Scripts(variant config.Variant) (map[string]worker.Script, error) {
	switch variant {
	case config.VariantAmicable:
		return amicableScripts(), nil
	case config.VariantPrimorial:
		return primorialScripts(), nil
	default:
		_, err := config.ParseVariant(string(variant))
		return nil, err
	}
}

func amicableScripts() map[string]worker.Script {
	return map[string]worker.Script{
		Originator: {
			worker.Input{Names: []string{"n"}},
			worker.Send{Endpoint: EndpointP1P2, Names: []string{"n"}},
			worker.Receive{Endpoint: EndpointP4P1, Names: []string{"amicable", "m", "cubes..."}},
			worker.Compute{Stage: stage.Report, In: []string{"n", "amicable", "m", "cubes"}, Out: []string{ValueReport}},
		},
		Second: {
			worker.Receive{Endpoint: EndpointP1P2, Names: []string{"n"}},
			worker.Input{Names: []string{"m"}},
			worker.Send{Endpoint: EndpointP2P3, Names: []string{"n", "m"}},
		},
		Third: {
			worker.Receive{Endpoint: EndpointP2P3, Names: []string{"n", "m"}},
			worker.Compute{Stage: stage.Join(stage.Sum, stage.Amicable), In: []string{"n", "m"}, Out: []string{"sum", "amicable"}},
			worker.Send{Endpoint: EndpointP3P4, Names: []string{"n", "m", "amicable"}},
		},
		Fourth: {
			worker.Receive{Endpoint: EndpointP3P4, Names: []string{"n", "m", "amicable"}},
			worker.Compute{Stage: stage.Join(stage.Product, stage.Sum, stage.Cubic), In: []string{"n", "m"}, Out: []string{"product", "sum", "cubes"}},
			worker.Send{Endpoint: EndpointP4P1, Names: []string{"amicable", "m", "cubes"}},
		},
	}
}

func primorialScripts() map[string]worker.Script {
	return map[string]worker.Script{
		Originator: {
			worker.Input{Names: []string{"n"}},
			worker.Send{Endpoint: EndpointP1P2, Names: []string{"n"}},
			worker.Receive{Endpoint: EndpointP3P1Ack, Names: []string{"ack"}},
			worker.Receive{Endpoint: EndpointP2P1, Names: []string{"product"}},
			worker.Compute{Stage: stage.Notice(FinalResultPrefix), In: []string{"product"}, Out: []string{ValueReport}},
			worker.Compute{Stage: passthrough, In: []string{"product"}, Out: []string{ValueResult}},
		},
		Second: {
			worker.Receive{Endpoint: EndpointP1P2, Names: []string{"n"}},
			worker.Compute{Stage: stage.Double, In: []string{"n"}, Out: []string{"m"}},
			worker.Send{Endpoint: EndpointP2P3, Names: []string{"n", "m"}},
			worker.Receive{Endpoint: EndpointP3P2, Names: []string{"product"}},
			worker.Send{Endpoint: EndpointP2P1, Names: []string{"product"}},
			worker.Compute{Stage: stage.Notice(ResultNoticePrefix), In: []string{"product"}, Out: []string{"notice"}},
			worker.Notify{Endpoint: EndpointObserver, Name: "notice"},
		},
		Third: {
			worker.Receive{Endpoint: EndpointP2P3, Names: []string{"n", "m"}},
			worker.Compute{Stage: stage.SumPrimorial, In: []string{"n", "m"}, Out: []string{"sum", "product"}},
			worker.Compute{Stage: stage.Const(wire.Text(AckText)), Out: []string{"ack"}},
			worker.Send{Endpoint: EndpointP3P1Ack, Names: []string{"ack"}},
			worker.Send{Endpoint: EndpointP3P2, Names: []string{"product"}},
			worker.Compute{Stage: stage.Format(ComputeNoticeFmt), In: []string{"sum", "product"}, Out: []string{"notice"}},
			worker.Notify{Endpoint: EndpointObserver, Name: "notice"},
		},
	}
}

func passthrough(in []wire.Value) ([]wire.Value, error) {
	return in, nil
}

// Options configures the workers Build creates.
type Options struct {
	Input worker.InputSource
	// Output receives observer lines; nil means stdout.
	Output io.Writer
	Sink   worker.Sink
	Logger *zerolog.Logger
}

// Set is one variant's workers, in process launch order: receivers first.
type Set struct {
	Variant  config.Variant
	Topology *config.Topology
	Observer *worker.Observer
	Workers  []*worker.Worker
}

// LaunchOrder lists worker names with the observer first and the originator
// last, so every listener is bound before its sender starts.
func LaunchOrder() []string {
	return []string{Fourth, Third, Second, Originator}
}

// Build creates every worker of the topology's variant.
func Build(topo *config.Topology, opts Options) (*Set, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	scripts, err := Scripts(topo.Variant)
	if err != nil {
		return nil, err
	}
	set := &Set{Variant: topo.Variant, Topology: topo}
	for _, name := range LaunchOrder() {
		if script, ok := scripts[name]; ok {
			w, err := worker.New(name, topo, script, worker.Options{Input: opts.Input, Logger: opts.Logger})
			if err != nil {
				return nil, err
			}
			set.Workers = append(set.Workers, w)
			continue
		}
		obs, err := worker.NewObserver(name, EndpointObserver, topo, worker.ObserverOptions{
			Output: opts.Output,
			Sink:   opts.Sink,
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", topo.Variant, err)
		}
		set.Observer = obs
	}
	return set, nil
}

// Worker returns the named script worker.
func (s *Set) Worker(name string) (*worker.Worker, bool) {
	for _, w := range s.Workers {
		if w.Name() == name {
			return w, true
		}
	}
	return nil, false
}
