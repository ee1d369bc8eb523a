package schema

import (
	"fmt"
	"slices"

	"github.com/danmuck/relayctl/internal/protocol/tlv"
	logs "github.com/danmuck/smplog"
)

// Message type IDs from tlv contract.
const (
	MsgValue  uint32 = 1
	MsgNotify uint32 = 2
	MsgAbort  uint32 = 3
)

// Field IDs from tlv contract.
const (
	FieldIndex uint16 = 1
	FieldTotal uint16 = 2
	FieldName  uint16 = 3

	FieldValue uint16 = 100

	FieldText uint16 = 200

	FieldOrigin uint16 = 300
	FieldReason uint16 = 301
)

// ScalarTypes are the tlv types a FieldValue may carry.
var ScalarTypes = []uint8{tlv.TypeI64, tlv.TypeString, tlv.TypeBool, tlv.TypeBigInt}

type Requirement struct {
	ID    uint16
	Types []uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgValue: {
		{FieldIndex, []uint8{tlv.TypeU32}},
		{FieldTotal, []uint8{tlv.TypeU32}},
		{FieldValue, ScalarTypes},
	},
	MsgNotify: {
		{FieldText, []uint8{tlv.TypeString}},
	},
	MsgAbort: {
		{FieldOrigin, []uint8{tlv.TypeString}},
		{FieldReason, []uint8{tlv.TypeString}},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	logs.Debugf("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		logs.Warnf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			logs.Warnf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if !slices.Contains(req.Types, f.Type) {
			logs.Warnf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%v",
				messageType,
				req.ID,
				f.Type,
				req.Types,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
