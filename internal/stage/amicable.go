package stage

import (
	"strings"

	"github.com/danmuck/relayctl/internal/protocol/wire"
)

// ProperDivisorSum returns the sum of the divisors of n smaller than n.
func ProperDivisorSum(n int64) int64 {
	if n < 2 {
		return 0
	}
	sum := int64(1)
	for i := int64(2); i*i <= n; i++ {
		if n%i != 0 {
			continue
		}
		sum += i
		if j := n / i; j != i {
			sum += j
		}
	}
	return sum
}

// IsAmicable reports whether each of n and m is the proper divisor sum of
// the other. A perfect number pairs with itself.
func IsAmicable(n, m int64) bool {
	if n < 1 || m < 1 {
		return false
	}
	return ProperDivisorSum(n) == m && ProperDivisorSum(m) == n
}

func Amicable(in []wire.Value) ([]wire.Value, error) {
	n, err := ints(in, 2)
	if err != nil {
		return nil, err
	}
	return []wire.Value{wire.Bool(IsAmicable(n[0], n[1]))}, nil
}

// CubicNumbers lists the three-digit integers i <= bound equal to the sum of
// the cubes of their digits.
func CubicNumbers(bound int64) []int64 {
	out := make([]int64, 0, 4)
	for i := int64(100); i <= 999 && i <= bound; i++ {
		u, d, c := i%10, (i/10)%10, i/100
		if u*u*u+d*d*d+c*c*c == i {
			out = append(out, i)
		}
	}
	return out
}

// Cubic lists the cubic numbers up to N+M.
func Cubic(in []wire.Value) ([]wire.Value, error) {
	n, err := ints(in, 2)
	if err != nil {
		return nil, err
	}
	found := CubicNumbers(n[0] + n[1])
	items := make([]wire.Value, 0, len(found))
	for _, v := range found {
		items = append(items, wire.Int(v))
	}
	return []wire.Value{wire.List(items...)}, nil
}

// Report summarises the amicable variant for the originator. Inputs are N,
// the amicable flag, M and the cubic list.
func Report(in []wire.Value) ([]wire.Value, error) {
	if len(in) != 4 {
		return nil, arity(len(in), 4)
	}
	amicable, err := in[1].AsBool()
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(in[0].String())
	b.WriteString(" and ")
	b.WriteString(in[2].String())
	if amicable {
		b.WriteString(" are amicable\n")
	} else {
		b.WriteString(" are not amicable\n")
	}
	b.WriteString("three-digit cubic numbers: ")
	cubes := wire.Flatten([]wire.Value{in[3]})
	if len(cubes) == 0 {
		b.WriteString("no results found")
		return []wire.Value{wire.Text(b.String())}, nil
	}
	for i, c := range cubes {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(c.String())
	}
	b.WriteString(" (total ")
	b.WriteString(wire.Int(int64(len(cubes))).String())
	b.WriteString(")")
	return []wire.Value{wire.Text(b.String())}, nil
}
