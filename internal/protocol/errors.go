package protocol

import "errors"

var (
	ErrUnknownKind      = errors.New("protocol: unknown message kind")
	ErrUnknownDirective = errors.New("protocol: unknown directive")
	ErrInvalidMessage   = errors.New("protocol: invalid message")
	ErrArgIndex         = errors.New("protocol: argument index out of range")
)

// RemoteError is a failure relayed back through the error branch of a
// response. Message preserves the remote error's text.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
