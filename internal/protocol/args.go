package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Args is the ordered argument list carried by requests, logs and events.
type Args []json.RawMessage

// EncodeArgs marshals each value into one argument.
func EncodeArgs(values ...any) (Args, error) {
	out := make(Args, 0, len(values))
	for i, v := range values {
		if raw, ok := v.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode arg %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// MustArgs is EncodeArgs for values known to be marshalable.
func MustArgs(values ...any) Args {
	args, err := EncodeArgs(values...)
	if err != nil {
		panic(err)
	}
	return args
}

func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: %d of %d", ErrArgIndex, i, len(a))
	}
	return json.Unmarshal(a[i], v)
}

// Strings decodes every argument as a string.
func (a Args) Strings() ([]string, error) {
	out := make([]string, 0, len(a))
	for i := range a {
		var s string
		if err := a.Decode(i, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Text renders the arguments space-separated, unquoting string arguments.
// Log and error-log payloads are printed this way.
func (a Args) Text() string {
	parts := make([]string, 0, len(a))
	for _, raw := range a {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, " ")
}

func (a Args) marshal() ([]byte, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]json.RawMessage(a))
}

func unmarshalArgs(b []byte) (Args, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: data is not an argument list: %v", ErrInvalidMessage, err)
	}
	return Args(raw), nil
}
