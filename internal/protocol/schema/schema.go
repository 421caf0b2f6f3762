package schema

import (
	"fmt"

	"github.com/danmuck/taskman/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame header.
const (
	MsgPrivileged uint32 = 1
	MsgUser       uint32 = 2
	MsgResponse   uint32 = 3
	MsgLog        uint32 = 4
	MsgErrorLog   uint32 = 5
	MsgEvent      uint32 = 6
)

// Field IDs carried in the TLV payload.
const (
	FieldEvent       uint16 = 1
	FieldDirective   uint16 = 2
	FieldDestination uint16 = 3
	FieldData        uint16 = 4

	FieldResult uint16 = 100
	FieldError  uint16 = 101
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
	MsgPrivileged: {
		{FieldDirective, tlv.TypeString},
		{FieldData, tlv.TypeBytes},
	},
	MsgUser: {
		{FieldEvent, tlv.TypeString},
		{FieldData, tlv.TypeBytes},
	},
	MsgResponse: {},
	MsgLog: {
		{FieldData, tlv.TypeBytes},
	},
	MsgErrorLog: {
		{FieldData, tlv.TypeBytes},
	},
	MsgEvent: {
		{FieldEvent, tlv.TypeString},
		{FieldData, tlv.TypeBytes},
	},
}

// optional lists fields a message type may carry beyond its requirements, with their types.
var optional = map[uint32][]Requirement{
	MsgPrivileged: {{FieldDestination, tlv.TypeString}},
	MsgResponse: {
		{FieldResult, tlv.TypeBytes},
		{FieldError, tlv.TypeString},
	},
}

// Known reports whether messageType is part of the wire contract.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and field types for a message type.
// Unknown field ids are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
