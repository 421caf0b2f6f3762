package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/taskman/internal/protocol/tlv"
	"github.com/danmuck/taskman/internal/testutil/testlog"
)

func TestValidatePrivilegedRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldDirective, "shutdown"),
		tlv.String(FieldDestination, "a/b"),
		tlv.Bytes(FieldData, []byte("[]")),
	}
	if err := Validate(MsgPrivileged, fields); err != nil {
		t.Fatalf("validate privileged: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldEvent, "echo"),
		tlv.Bytes(FieldData, []byte("[42]")),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgUser, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.Bytes(FieldData, []byte("[]"))}
	err := Validate(MsgUser, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldEvent || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateOptionalTypeMismatch(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.Bytes(FieldError, []byte("boom"))}
	var ve ValidationError
	if !errors.As(Validate(MsgResponse, fields), &ve) || ve.FieldID != FieldError {
		t.Fatalf("expected error field type mismatch, got %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	if Known(77) {
		t.Fatalf("message type 77 should be unknown")
	}
	if err := Validate(77, nil); err == nil {
		t.Fatalf("expected unknown message_type error")
	}
}
