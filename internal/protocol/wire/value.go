package wire

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrMalformedPayload marks received data that cannot be decoded or parsed
// into the expected scalar type.
var ErrMalformedPayload = errors.New("wire: malformed payload")

// Kind tags the scalar carried by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindText
	KindBool
	KindBig
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindBig:
		return "big"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Value is one application-level value. Lists only exist in memory; on the
// wire they are expanded into consecutive scalar frames.
type Value struct {
	Kind  Kind
	Int   int64
	Text  string
	Bool  bool
	Big   *big.Int
	Items []Value
}

func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

func Text(v string) Value { return Value{Kind: KindText, Text: v} }

func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

func Big(v *big.Int) Value {
	if v == nil {
		v = new(big.Int)
	}
	return Value{Kind: KindBig, Big: new(big.Int).Set(v)}
}

func List(items ...Value) Value {
	out := make([]Value, len(items))
	copy(out, items)
	return Value{Kind: KindList, Items: out}
}

// String returns the display form used in notifications and console output.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindText:
		return v.Text
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindBig:
		return v.Big.String()
	case KindList:
		parts := make([]string, 0, len(v.Items))
		for _, item := range v.Items {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return "<invalid>"
	}
}

// AsInt converts v to an int64. Text is parsed as trimmed decimal.
func (v Value) AsInt() (int64, error) {
	switch v.Kind {
	case KindInt:
		return v.Int, nil
	case KindText:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Text), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer: %v", ErrMalformedPayload, v.Text, err)
		}
		return n, nil
	case KindBig:
		if !v.Big.IsInt64() {
			return 0, fmt.Errorf("%w: %s overflows int64", ErrMalformedPayload, v.Big)
		}
		return v.Big.Int64(), nil
	default:
		return 0, fmt.Errorf("%w: %s value is not an integer", ErrMalformedPayload, v.Kind)
	}
}

// AsBool converts v to a bool by value. Text accepts strconv.ParseBool forms.
func (v Value) AsBool() (bool, error) {
	switch v.Kind {
	case KindBool:
		return v.Bool, nil
	case KindText:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Text))
		if err != nil {
			return false, fmt.Errorf("%w: %q is not a boolean", ErrMalformedPayload, v.Text)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %s value is not a boolean", ErrMalformedPayload, v.Kind)
	}
}

// AsBig converts v to an arbitrary precision integer.
func (v Value) AsBig() (*big.Int, error) {
	switch v.Kind {
	case KindBig:
		return new(big.Int).Set(v.Big), nil
	case KindInt:
		return big.NewInt(v.Int), nil
	case KindText:
		n, ok := new(big.Int).SetString(strings.TrimSpace(v.Text), 10)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrMalformedPayload, v.Text)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %s value is not an integer", ErrMalformedPayload, v.Kind)
	}
}

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindText:
		return v.Text == o.Text
	case KindBool:
		return v.Bool == o.Bool
	case KindBig:
		return v.Big.Cmp(o.Big) == 0
	case KindList:
		if len(v.Items) != len(o.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Flatten expands lists into their scalar items, preserving order.
func Flatten(values []Value) []Value {
	out := make([]Value, 0, len(values))
	for _, v := range values {
		if v.Kind == KindList {
			out = append(out, Flatten(v.Items)...)
			continue
		}
		out = append(out, v)
	}
	return out
}
