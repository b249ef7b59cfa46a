package schema

import (
	"fmt"

	"github.com/danmuck/flowlink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs from tlv contract.
const (
	MsgSubgraph uint32 = 1
)

// Field IDs from tlv contract. The numeric order is the wire order.
const (
	FieldIndptr       uint16 = 1
	FieldIndices      uint16 = 2
	FieldNodeMapping  uint16 = 3
	FieldEdgeMapping  uint16 = 4
	FieldLayerOffsets uint16 = 5
	FieldFlowOffsets  uint16 = 6
)

type Requirement struct {
	ID   uint16
	Type uint8
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
	MsgSubgraph: {
		{FieldIndptr, tlv.TypeI64Array},
		{FieldIndices, tlv.TypeI64Array},
		{FieldNodeMapping, tlv.TypeI64Array},
		{FieldEdgeMapping, tlv.TypeI64Array},
		{FieldLayerOffsets, tlv.TypeI64Array},
		{FieldFlowOffsets, tlv.TypeI64Array},
	},
}

// Fields returns the required field layout of a message type in wire order.
func Fields(messageType uint32) []Requirement {
	reqs := requirements[messageType]
	out := make([]Requirement, len(reqs))
	copy(out, reqs)
	return out
}

// Validate enforces the exact field sequence of a message type: every
// required field present once, in order, with the required type.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for i, req := range reqs {
		if i >= len(fields) {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		f := fields[i]
		if f.ID != req.ID {
			if _, found := tlv.GetField(fields, req.ID); !found {
				return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
			}
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "field out of order"}
		}
		if err := tlv.MustType(f, req.Type); err != nil {
			log.Debug().
				Uint32("message_type", messageType).
				Err(err).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	if len(fields) > len(reqs) {
		return ValidationError{MessageType: messageType, FieldID: fields[len(reqs)].ID, Reason: "unexpected trailing field"}
	}
	return nil
}
