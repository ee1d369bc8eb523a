// Package stage holds the pure computations a worker runs once its inputs
// have arrived. A Func never performs I/O.
package stage

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/danmuck/relayctl/internal/protocol/wire"
)

var (
	ErrArity      = errors.New("stage: wrong number of inputs")
	ErrOutOfRange = errors.New("stage: input out of range")
)

// Func maps received values to the values a worker sends on.
type Func func(in []wire.Value) ([]wire.Value, error)

// Join runs every fn on the same inputs and concatenates their outputs.
func Join(fns ...Func) Func {
	return func(in []wire.Value) ([]wire.Value, error) {
		out := make([]wire.Value, 0, len(fns))
		for _, fn := range fns {
			vals, err := fn(in)
			if err != nil {
				return nil, err
			}
			out = append(out, vals...)
		}
		return out, nil
	}
}

func arity(got, want int) error {
	return fmt.Errorf("%w: got %d want %d", ErrArity, got, want)
}

func ints(in []wire.Value, want int) ([]int64, error) {
	if len(in) != want {
		return nil, arity(len(in), want)
	}
	out := make([]int64, len(in))
	for i, v := range in {
		n, err := v.AsInt()
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func Sum(in []wire.Value) ([]wire.Value, error) {
	n, err := ints(in, 2)
	if err != nil {
		return nil, err
	}
	a, b := n[0], n[1]
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return nil, fmt.Errorf("%w: %d + %d overflows int64", ErrOutOfRange, a, b)
	}
	return []wire.Value{wire.Int(a + b)}, nil
}

// Product multiplies exactly; the result is always a big value.
func Product(in []wire.Value) ([]wire.Value, error) {
	n, err := ints(in, 2)
	if err != nil {
		return nil, err
	}
	p := new(big.Int).Mul(big.NewInt(n[0]), big.NewInt(n[1]))
	return []wire.Value{wire.Big(p)}, nil
}

func Double(in []wire.Value) ([]wire.Value, error) {
	n, err := ints(in, 1)
	if err != nil {
		return nil, err
	}
	if n[0] > math.MaxInt64/2 || n[0] < math.MinInt64/2 {
		return nil, fmt.Errorf("%w: 2 * %d overflows int64", ErrOutOfRange, n[0])
	}
	return []wire.Value{wire.Int(2 * n[0])}, nil
}

// Notice renders its single input as prefix followed by the value.
func Notice(prefix string) Func {
	return func(in []wire.Value) ([]wire.Value, error) {
		if len(in) != 1 {
			return nil, arity(len(in), 1)
		}
		return []wire.Value{wire.Text(prefix + in[0].String())}, nil
	}
}

// Format renders inputs into a single text value with fmt verbs.
func Format(format string) Func {
	return func(in []wire.Value) ([]wire.Value, error) {
		args := make([]any, len(in))
		for i, v := range in {
			args[i] = v.String()
		}
		return []wire.Value{wire.Text(fmt.Sprintf(format, args...))}, nil
	}
}

// Const ignores its inputs and returns values.
func Const(values ...wire.Value) Func {
	return func([]wire.Value) ([]wire.Value, error) {
		out := make([]wire.Value, len(values))
		copy(out, values)
		return out, nil
	}
}
