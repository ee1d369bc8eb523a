package stage

import (
	"fmt"
	"math"
	"math/big"

	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/wire"
)

// MaxPrimorialBound is the largest S whose primorial still fits one value
// frame under the default frame limits.
var MaxPrimorialBound = primorialBound(wire.MaxScalarBytes(frame.DefaultLimits()))

// thetaBound is the Rosser-Schoenfeld constant: ln(S#) < 1.01624*S for S > 0.
const thetaBound = 1.01624

// primorialBound returns the largest S whose primorial has at most digits
// decimal digits.
func primorialBound(digits uint64) int64 {
	if digits < 2 {
		return 1
	}
	return int64(float64(digits-1) * math.Ln10 / thetaBound)
}

// PrimorialOf returns the product of all primes <= s, or 1 when s < 2.
func PrimorialOf(s int64) (*big.Int, error) {
	if s > MaxPrimorialBound {
		return nil, fmt.Errorf("%w: primorial bound %d exceeds %d", ErrOutOfRange, s, MaxPrimorialBound)
	}
	p := big.NewInt(1)
	if s < 2 {
		return p, nil
	}
	composite := make([]bool, s+1)
	for i := int64(2); i <= s; i++ {
		if composite[i] {
			continue
		}
		p.Mul(p, big.NewInt(i))
		for j := i * i; j <= s; j += i {
			composite[j] = true
		}
	}
	return p, nil
}

func Primorial(in []wire.Value) ([]wire.Value, error) {
	n, err := ints(in, 1)
	if err != nil {
		return nil, err
	}
	p, err := PrimorialOf(n[0])
	if err != nil {
		return nil, err
	}
	return []wire.Value{wire.Big(p)}, nil
}

// SumPrimorial returns N+M and the primorial of that sum.
func SumPrimorial(in []wire.Value) ([]wire.Value, error) {
	sum, err := Sum(in)
	if err != nil {
		return nil, err
	}
	product, err := Primorial(sum)
	if err != nil {
		return nil, err
	}
	return append(sum, product...), nil
}
