package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"google.golang.org/protobuf/encoding/protowire"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrInvalidValue     = errors.New("tlv: invalid field value")
)

// Type IDs from tlv contract.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeI64    uint8 = 8 // zigzag varint
	TypeBigInt uint8 = 9 // signed decimal text
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, expected)
	}
	return nil
}

func NewU32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

func NewI64(id uint16, v int64) Field {
	return Field{ID: id, Type: TypeI64, Value: protowire.AppendVarint(nil, protowire.EncodeZigZag(v))}
}

func NewBool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func NewString(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func NewBigInt(id uint16, v *big.Int) Field {
	if v == nil {
		v = new(big.Int)
	}
	return Field{ID: id, Type: TypeBigInt, Value: []byte(v.String())}
}

func U32(f Field) (uint32, error) {
	if err := MustType(f, TypeU32); err != nil {
		return 0, err
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("%w: u32 length %d", ErrInvalidValue, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func I64(f Field) (int64, error) {
	if err := MustType(f, TypeI64); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(f.Value)
	if n < 0 || n != len(f.Value) {
		return 0, fmt.Errorf("%w: varint field %d", ErrInvalidValue, f.ID)
	}
	return protowire.DecodeZigZag(v), nil
}

func Bool(f Field) (bool, error) {
	if err := MustType(f, TypeBool); err != nil {
		return false, err
	}
	if len(f.Value) != 1 || f.Value[0] > 1 {
		return false, fmt.Errorf("%w: bool field %d", ErrInvalidValue, f.ID)
	}
	return f.Value[0] == 1, nil
}

func String(f Field) (string, error) {
	if err := MustType(f, TypeString); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

func BigInt(f Field) (*big.Int, error) {
	if err := MustType(f, TypeBigInt); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(string(f.Value), 10)
	if !ok {
		return nil, fmt.Errorf("%w: bigint field %d", ErrInvalidValue, f.ID)
	}
	return v, nil
}
