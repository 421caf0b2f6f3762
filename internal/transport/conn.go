package transport

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/danmuck/taskman/internal/protocol"
	"github.com/rs/zerolog/log"
)

const faultBuffer = 32

// streamConn frames messages over a byte stream pair. A reader goroutine
// decodes inbound frames; writes are serialized so frames never interleave.
type streamConn struct {
	r       io.Reader
	w       io.Writer
	closers []io.Closer

	wmu    sync.Mutex
	msgs   chan protocol.Message
	faults chan error
	done   chan struct{}
	ended  chan struct{}

	closeOnce sync.Once
}

func newStreamConn(r io.Reader, w io.Writer, closers ...io.Closer) *streamConn {
	c := &streamConn{
		r:       r,
		w:       w,
		closers: closers,
		msgs:    make(chan protocol.Message),
		faults:  make(chan error, faultBuffer),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *streamConn) Messages() <-chan protocol.Message { return c.msgs }
func (c *streamConn) Faults() <-chan error              { return c.faults }

func (c *streamConn) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrLinkClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.Encode(c.w, msg); err != nil {
		if isClosedErr(err) {
			return ErrLinkClosed
		}
		return err
	}
	return nil
}

// Close stops delivery and closes the underlying streams. Messages already
// decoded but not yet received are dropped.
func (c *streamConn) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.done)
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil && !isClosedErr(err) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (c *streamConn) readLoop() {
	defer close(c.ended)
	defer close(c.msgs)
	br := bufio.NewReader(c.r)
	for {
		msg, err := protocol.Decode(br)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidMessage) {
				c.fault(err)
				continue
			}
			if !isClosedErr(err) {
				c.fault(err)
			}
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

// fault never blocks the reader; overflow is logged and dropped.
func (c *streamConn) fault(err error) {
	select {
	case c.faults <- err:
	default:
		log.Warn().Err(err).Msg("transport fault dropped")
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE)
}
