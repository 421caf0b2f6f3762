package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/danmuck/taskman/internal/protocol/frame"
	"github.com/danmuck/taskman/internal/protocol/schema"
	"github.com/danmuck/taskman/internal/protocol/tlv"
)

// ToFrame validates msg and encodes it as one wire frame.
func ToFrame(msg Message) (frame.Frame, error) {
	if err := msg.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := make([]tlv.Field, 0, 4)
	var flags uint32
	switch msg.Kind {
	case KindPrivileged:
		data, err := msg.Data.marshal()
		if err != nil {
			return frame.Frame{}, err
		}
		fields = append(fields, tlv.String(schema.FieldDirective, string(msg.Directive)))
		if msg.Destination != "" {
			fields = append(fields, tlv.String(schema.FieldDestination, msg.Destination))
		}
		fields = append(fields, tlv.Bytes(schema.FieldData, data))
	case KindUser, KindEvent:
		data, err := msg.Data.marshal()
		if err != nil {
			return frame.Frame{}, err
		}
		fields = append(fields,
			tlv.String(schema.FieldEvent, msg.Event),
			tlv.Bytes(schema.FieldData, data),
		)
	case KindLog, KindErrorLog:
		data, err := msg.Data.marshal()
		if err != nil {
			return frame.Frame{}, err
		}
		fields = append(fields, tlv.Bytes(schema.FieldData, data))
	case KindResponse:
		flags |= frame.FlagIsResponse
		if msg.Error != "" {
			flags |= frame.FlagIsError
			fields = append(fields, tlv.String(schema.FieldError, msg.Error))
		} else {
			result := msg.Result
			if len(result) == 0 {
				result = json.RawMessage("null")
			}
			fields = append(fields, tlv.Bytes(schema.FieldResult, result))
		}
	}
	if err := schema.Validate(uint32(msg.Kind), fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   msg.ID,
			MessageType: uint32(msg.Kind),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// FromFrame decodes and validates one wire frame. Every failure wraps
// ErrInvalidMessage: the frame boundary was intact, so the stream may continue.
func FromFrame(f frame.Frame) (Message, error) {
	kind := Kind(f.Header.MessageType)
	if !schema.Known(uint32(kind)) {
		return Message{}, fmt.Errorf("%w: %w: %d", ErrInvalidMessage, ErrUnknownKind, uint32(kind))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := schema.Validate(uint32(kind), fields); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	msg := Message{ID: f.Header.MessageID, Kind: kind}
	if fd, ok := tlv.GetField(fields, schema.FieldEvent); ok {
		msg.Event, _ = fd.AsString()
	}
	if fd, ok := tlv.GetField(fields, schema.FieldDirective); ok {
		s, _ := fd.AsString()
		msg.Directive = Directive(s)
	}
	if fd, ok := tlv.GetField(fields, schema.FieldDestination); ok {
		msg.Destination, _ = fd.AsString()
	}
	if fd, ok := tlv.GetField(fields, schema.FieldData); ok {
		b, _ := fd.AsBytes()
		if msg.Data, err = unmarshalArgs(b); err != nil {
			return Message{}, err
		}
	}
	if fd, ok := tlv.GetField(fields, schema.FieldResult); ok {
		b, _ := fd.AsBytes()
		msg.Result = json.RawMessage(b)
	}
	if fd, ok := tlv.GetField(fields, schema.FieldError); ok {
		msg.Error, _ = fd.AsString()
	}
	if err := msg.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return msg, nil
}

// Encode writes msg to w as one frame.
func Encode(w io.Writer, msg Message) error {
	f, err := ToFrame(msg)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, frame.DefaultLimits())
}

// Decode reads one message from r. Errors wrapping ErrInvalidMessage leave
// the stream aligned on the next frame; any other error means the stream is
// unusable (io.EOF on a clean close).
func Decode(r io.Reader) (Message, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return Message{}, err
	}
	return FromFrame(f)
}
