package logging

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SendFunc ships one rendered line to the parent. errorLevel is set for
// error-level lines and above.
type SendFunc func(errorLevel bool, text string) error

// UpstreamWriter is a zerolog.LevelWriter that relays each JSON log event to
// the parent process. Lines that cannot be relayed fall back to Fallback.
type UpstreamWriter struct {
	Send     SendFunc
	Fallback io.Writer

	mu sync.Mutex
}

var _ zerolog.LevelWriter = (*UpstreamWriter)(nil)

func NewUpstreamWriter(send SendFunc) *UpstreamWriter {
	return &UpstreamWriter{Send: send, Fallback: os.Stderr}
}

func (w *UpstreamWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *UpstreamWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	text := renderLine(p)
	errorLevel := level >= zerolog.ErrorLevel && level != zerolog.NoLevel
	if err := w.Send(errorLevel, text); err != nil && w.Fallback != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		_, _ = io.WriteString(w.Fallback, text+"\n")
	}
	return len(p), nil
}

// renderLine turns one zerolog JSON event into a single console line without
// timestamp or color.
func renderLine(p []byte) string {
	var buf bytes.Buffer
	cw := zerolog.ConsoleWriter{
		Out:          &buf,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName},
	}
	if _, err := cw.Write(p); err != nil {
		return strings.TrimSpace(string(p))
	}
	return strings.TrimSpace(buf.String())
}
