package wire

import (
	"fmt"
	"strings"

	"github.com/danmuck/relayctl/internal/protocol/frame"
	"github.com/danmuck/relayctl/internal/protocol/schema"
	"github.com/danmuck/relayctl/internal/protocol/tlv"
	"github.com/google/uuid"
)

// MaxItems bounds the values one message may declare. Receivers size their
// reassembly buffer from Total, so anything larger is rejected.
const MaxItems = 1 << 12

// valueFieldReserve covers the index, total and name fields of a value frame.
const valueFieldReserve = 256

// MaxScalarBytes is the largest encoded scalar a value frame can carry under
// limits.
func MaxScalarBytes(limits frame.Limits) uint64 {
	if limits.MaxPayloadBytes <= valueFieldReserve+tlv.HeaderLen {
		return 0
	}
	return limits.MaxPayloadBytes - valueFieldReserve - tlv.HeaderLen
}

// Item is one scalar of a hop, positioned by Index within Total.
type Item struct {
	Index uint32
	Total uint32
	Name  string
	Value Value
}

// Abort is sent downstream by a failed worker when abort propagation is enabled.
type Abort struct {
	Origin string
	Reason string
}

func (a Abort) Validate() error {
	if strings.TrimSpace(a.Origin) == "" {
		return fmt.Errorf("abort missing origin")
	}
	if strings.TrimSpace(a.Reason) == "" {
		return fmt.Errorf("abort missing reason")
	}
	return nil
}

// Items expands values (lists included) into positioned items. names labels the
// top-level values; list items inherit the list's name.
func Items(names []string, values []Value) []Item {
	flat := 0
	for _, v := range values {
		flat += len(Flatten([]Value{v}))
	}
	out := make([]Item, 0, flat)
	for i, v := range values {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		for _, scalar := range Flatten([]Value{v}) {
			out = append(out, Item{
				Index: uint32(len(out)),
				Total: uint32(flat),
				Name:  name,
				Value: scalar,
			})
		}
	}
	return out
}

func EncodeValueFrame(run uuid.UUID, seq uint64, item Item) (frame.Frame, error) {
	if item.Total > MaxItems {
		return frame.Frame{}, fmt.Errorf("wire: %d values exceed %d per message", item.Total, MaxItems)
	}
	value, err := scalarField(item.Value)
	if err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.NewU32(schema.FieldIndex, item.Index),
		tlv.NewU32(schema.FieldTotal, item.Total),
		value,
	}
	if item.Name != "" {
		fields = append(fields, tlv.NewString(schema.FieldName, item.Name))
	}
	if err := schema.Validate(schema.MsgValue, fields); err != nil {
		return frame.Frame{}, err
	}
	flags := uint32(0)
	if item.Index+1 == item.Total {
		flags |= frame.FlagFinal
	}
	return frame.Frame{
		Header: frame.Header{
			RunID:       run,
			Seq:         seq,
			MessageType: schema.MsgValue,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func DecodeValueFrame(f frame.Frame) (Item, error) {
	fields, err := decodeFields(f, schema.MsgValue)
	if err != nil {
		return Item{}, err
	}
	index, _ := tlv.GetField(fields, schema.FieldIndex)
	total, _ := tlv.GetField(fields, schema.FieldTotal)
	value, _ := tlv.GetField(fields, schema.FieldValue)

	item := Item{}
	if item.Index, err = tlv.U32(index); err != nil {
		return Item{}, malformed(err)
	}
	if item.Total, err = tlv.U32(total); err != nil {
		return Item{}, malformed(err)
	}
	if item.Total > MaxItems {
		return Item{}, fmt.Errorf("%w: total %d exceeds %d", ErrMalformedPayload, item.Total, MaxItems)
	}
	if item.Total == 0 || item.Index >= item.Total {
		return Item{}, fmt.Errorf("%w: index %d outside total %d", ErrMalformedPayload, item.Index, item.Total)
	}
	if item.Value, err = scalarValue(value); err != nil {
		return Item{}, err
	}
	if name, ok := tlv.GetField(fields, schema.FieldName); ok {
		item.Name = string(name.Value)
	}
	return item, nil
}

func EncodeNotifyFrame(run uuid.UUID, seq uint64, text string) (frame.Frame, error) {
	fields := []tlv.Field{tlv.NewString(schema.FieldText, text)}
	return frame.Frame{
		Header: frame.Header{
			RunID:       run,
			Seq:         seq,
			MessageType: schema.MsgNotify,
			Flags:       frame.FlagFinal,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func DecodeNotifyFrame(f frame.Frame) (string, error) {
	fields, err := decodeFields(f, schema.MsgNotify)
	if err != nil {
		return "", err
	}
	return getRequiredString(fields, schema.FieldText), nil
}

func EncodeAbortFrame(run uuid.UUID, seq uint64, abort Abort) (frame.Frame, error) {
	if err := abort.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.NewString(schema.FieldOrigin, abort.Origin),
		tlv.NewString(schema.FieldReason, abort.Reason),
	}
	return frame.Frame{
		Header: frame.Header{
			RunID:       run,
			Seq:         seq,
			MessageType: schema.MsgAbort,
			Flags:       frame.FlagAbort | frame.FlagFinal,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func DecodeAbortFrame(f frame.Frame) (Abort, error) {
	fields, err := decodeFields(f, schema.MsgAbort)
	if err != nil {
		return Abort{}, err
	}
	return Abort{
		Origin: getRequiredString(fields, schema.FieldOrigin),
		Reason: getRequiredString(fields, schema.FieldReason),
	}, nil
}

func decodeFields(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("%w: message_type=%d want %d", ErrMalformedPayload, f.Header.MessageType, messageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, malformed(err)
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, malformed(err)
	}
	return fields, nil
}

func scalarField(v Value) (tlv.Field, error) {
	switch v.Kind {
	case KindInt:
		return tlv.NewI64(schema.FieldValue, v.Int), nil
	case KindText:
		return tlv.NewString(schema.FieldValue, v.Text), nil
	case KindBool:
		return tlv.NewBool(schema.FieldValue, v.Bool), nil
	case KindBig:
		return tlv.NewBigInt(schema.FieldValue, v.Big), nil
	default:
		return tlv.Field{}, fmt.Errorf("wire: %s value cannot be framed", v.Kind)
	}
}

func scalarValue(f tlv.Field) (Value, error) {
	switch f.Type {
	case tlv.TypeI64:
		n, err := tlv.I64(f)
		if err != nil {
			return Value{}, malformed(err)
		}
		return Int(n), nil
	case tlv.TypeString:
		return Text(string(f.Value)), nil
	case tlv.TypeBool:
		b, err := tlv.Bool(f)
		if err != nil {
			return Value{}, malformed(err)
		}
		return Bool(b), nil
	case tlv.TypeBigInt:
		n, err := tlv.BigInt(f)
		if err != nil {
			return Value{}, malformed(err)
		}
		return Big(n), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported value type %d", ErrMalformedPayload, f.Type)
	}
}

func getRequiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}
