package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/taskman/internal/protocol/schema"
)

// Kind discriminates the Message variants.
type Kind uint32

const (
	KindPrivileged Kind = Kind(schema.MsgPrivileged)
	KindUser       Kind = Kind(schema.MsgUser)
	KindResponse   Kind = Kind(schema.MsgResponse)
	KindLog        Kind = Kind(schema.MsgLog)
	KindErrorLog   Kind = Kind(schema.MsgErrorLog)
	KindEvent      Kind = Kind(schema.MsgEvent)
)

func (k Kind) String() string {
	switch k {
	case KindPrivileged:
		return "super"
	case KindUser:
		return "user"
	case KindResponse:
		return "response"
	case KindLog:
		return "log"
	case KindErrorLog:
		return "error"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// IsRequest reports whether messages of this kind expect a response.
func (k Kind) IsRequest() bool {
	return k == KindPrivileged || k == KindUser
}

// Directive names a privileged lifecycle operation.
type Directive string

const (
	DirectiveRestart       Directive = "restart"
	DirectiveRestartForced Directive = "restart-forced"
	DirectiveShutdown      Directive = "shutdown"
	DirectiveKill          Directive = "kill"
)

func ParseDirective(raw string) (Directive, error) {
	switch d := Directive(strings.TrimSpace(raw)); d {
	case DirectiveRestart, DirectiveRestartForced, DirectiveShutdown, DirectiveKill:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDirective, raw)
	}
}

// Message is the unit exchanged over a link. Which fields are meaningful
// depends on Kind:
//
//	privileged: ID, Directive, Destination (optional), Data
//	user:       ID, Event, Data
//	response:   ID, Result or Error
//	log/error:  Data
//	event:      Event, Data
type Message struct {
	ID          uint64
	Kind        Kind
	Directive   Directive
	Event       string
	Destination string
	Data        Args
	Result      json.RawMessage
	Error       string
}

// IsError reports whether a response carries the error branch.
func (m Message) IsError() bool {
	return m.Kind == KindResponse && m.Error != ""
}

// Validate enforces per-kind structural requirements.
func (m Message) Validate() error {
	switch m.Kind {
	case KindPrivileged:
		if m.ID == 0 {
			return fmt.Errorf("%w: privileged request missing id", ErrInvalidMessage)
		}
		if _, err := ParseDirective(string(m.Directive)); err != nil {
			return err
		}
	case KindUser:
		if m.ID == 0 {
			return fmt.Errorf("%w: user request missing id", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.Event) == "" {
			return fmt.Errorf("%w: user request missing event", ErrInvalidMessage)
		}
	case KindResponse:
		if m.ID == 0 {
			return fmt.Errorf("%w: response missing id", ErrInvalidMessage)
		}
		if m.Error != "" && len(m.Result) > 0 {
			return fmt.Errorf("%w: response carries both result and error", ErrInvalidMessage)
		}
	case KindLog, KindErrorLog:
		if m.ID != 0 {
			return fmt.Errorf("%w: %s message carries an id", ErrInvalidMessage, m.Kind)
		}
	case KindEvent:
		if m.ID != 0 {
			return fmt.Errorf("%w: event carries an id", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.Event) == "" {
			return fmt.Errorf("%w: event missing name", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint32(m.Kind))
	}
	return nil
}

// Response builds the success branch for request id.
func Response(id uint64, result json.RawMessage) Message {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Message{ID: id, Kind: KindResponse, Result: result}
}

// ErrorResponse builds the error branch for request id.
func ErrorResponse(id uint64, err error) Message {
	text := "unknown error"
	if err != nil && err.Error() != "" {
		text = err.Error()
	}
	return Message{ID: id, Kind: KindResponse, Error: text}
}

// SplitDestination takes the first path segment as the next hop and returns
// the remainder as the destination for that hop.
func SplitDestination(destination string) (next, rest string) {
	destination = strings.Trim(destination, "/")
	next, rest, _ = strings.Cut(destination, "/")
	return next, rest
}

// JoinPath appends name to a slash-delimited tree path.
func JoinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
