package worker

import (
	"errors"
	"fmt"
	"slices"
)

var ErrLifecycleOrder = errors.New("worker: invalid lifecycle transition")

// Phase is the lifecycle state of a worker.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseAwaitingInbound Phase = "awaiting_inbound"
	PhaseComputing       Phase = "computing"
	PhaseSending         Phase = "sending"
	PhaseTerminated      Phase = "terminated"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:            {PhaseAwaitingInbound, PhaseComputing, PhaseSending, PhaseTerminated},
	PhaseAwaitingInbound: {PhaseComputing, PhaseSending, PhaseTerminated},
	PhaseComputing:       {PhaseAwaitingInbound, PhaseSending, PhaseTerminated},
	PhaseSending:         {PhaseAwaitingInbound, PhaseComputing, PhaseTerminated},
}

// PhaseError reports a transition the lifecycle does not allow.
type PhaseError struct {
	From Phase
	To   Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrLifecycleOrder, e.From, e.To)
}

func (e *PhaseError) Unwrap() error {
	return ErrLifecycleOrder
}

// lifecycle tracks the current phase and the phases entered. A positive
// limit keeps only the most recent entries, for lifecycles that loop.
type lifecycle struct {
	phase   Phase
	history []Phase
	limit   int
}

func newLifecycle() lifecycle {
	return lifecycle{phase: PhaseIdle, history: []Phase{PhaseIdle}}
}

func newLoopingLifecycle(limit int) lifecycle {
	l := newLifecycle()
	l.limit = limit
	return l
}

// enter moves to next. Re-entering the current phase is a no-op.
func (l *lifecycle) enter(next Phase) (bool, error) {
	if next == l.phase {
		return false, nil
	}
	if !slices.Contains(transitions[l.phase], next) {
		return false, &PhaseError{From: l.phase, To: next}
	}
	l.phase = next
	l.history = append(l.history, next)
	if l.limit > 0 && len(l.history) > l.limit {
		n := copy(l.history, l.history[len(l.history)-l.limit:])
		l.history = l.history[:n]
	}
	return true, nil
}
