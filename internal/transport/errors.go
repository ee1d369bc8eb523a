package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/google/uuid"
)

var (
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrHostUnreachable   = errors.New("transport: host unreachable")
	ErrAddressInUse      = errors.New("transport: address in use")
	ErrTimeout           = errors.New("transport: timeout")
	ErrPrematureClose    = errors.New("transport: peer closed before all values arrived")
	ErrRunMismatch       = errors.New("transport: run id mismatch")
	ErrUpstreamAborted   = errors.New("transport: upstream aborted")
	ErrDatagramTooLarge  = errors.New("transport: datagram too large")
	ErrMalformedPayload  = wire.ErrMalformedPayload
)

// AbortError carries the reason a failed upstream worker sent downstream.
type AbortError struct {
	Abort wire.Abort
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%v: origin=%s reason=%s", ErrUpstreamAborted, e.Abort.Origin, e.Abort.Reason)
}

func (e *AbortError) Unwrap() error {
	return ErrUpstreamAborted
}

// IsAbort reports whether err came from an upstream abort and returns it.
func IsAbort(err error) (*AbortError, bool) {
	var abort *AbortError
	if errors.As(err, &abort) {
		return abort, true
	}
	return nil, false
}

// Run is the run id a worker is bound to. The zero value adopts the first id
// it is checked against.
type Run struct {
	ID uuid.UUID
}

// NewRun returns a Run bound to a fresh id.
func NewRun() *Run {
	return &Run{ID: uuid.New()}
}

// Check adopts id when r is unbound, otherwise reports ErrRunMismatch.
func (r *Run) Check(id uuid.UUID) error {
	if r.ID == uuid.Nil {
		r.ID = id
		return nil
	}
	if id != r.ID {
		return fmt.Errorf("%w: bound=%s got=%s", ErrRunMismatch, r.ID, id)
	}
	return nil
}

// classify maps socket errors onto the transport taxonomy, keeping the cause.
func classify(ctx context.Context, op string, addr Address, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s: %w", ErrTimeout, op, addr, ctxErr)
		}
		return fmt.Errorf("transport: %s %s: %w", op, addr, ctxErr)
	}
	var sentinel error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		sentinel = ErrConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		sentinel = ErrHostUnreachable
	case errors.Is(err, syscall.EADDRINUSE):
		sentinel = ErrAddressInUse
	case errors.Is(err, os.ErrDeadlineExceeded):
		sentinel = ErrTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			sentinel = ErrTimeout
		}
	}
	if sentinel == nil {
		return fmt.Errorf("transport: %s %s: %w", op, addr, err)
	}
	return fmt.Errorf("%w: %s %s: %w", sentinel, op, addr, err)
}

// interruptOnDone forces blocked socket calls to return once ctx is done.
func interruptOnDone(ctx context.Context, setDeadline func(time.Time) error) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = setDeadline(aLongTimeAgo)
	})
}

var aLongTimeAgo = time.Unix(1, 0)
