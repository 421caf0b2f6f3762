package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

const defaultMemCapacity = 1024

// Program is the body of an in-process worker. It owns link until it
// returns; a nil error is a clean exit.
type Program func(ctx context.Context, link Link, init Init) error

// MemSpawner runs registered Programs as goroutines connected by bounded
// ring buffers. Entry.Path selects the program.
type MemSpawner struct {
	// Capacity bounds each direction of a link.
	Capacity uint64

	mu       sync.RWMutex
	programs map[string]Program
}

func NewMemSpawner() *MemSpawner {
	return &MemSpawner{Capacity: defaultMemCapacity, programs: make(map[string]Program)}
}

func (s *MemSpawner) Register(path string, prog Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[path] = prog
}

func (s *MemSpawner) Spawn(ctx context.Context, entry Entry, init Init) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	prog, ok := s.programs[entry.Path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, entry.Path)
	}

	capacity := s.Capacity
	if capacity == 0 {
		capacity = defaultMemCapacity
	}
	down := queue.NewRingBuffer(capacity)
	up := queue.NewRingBuffer(capacity)

	runCtx, cancel := context.WithCancel(context.Background())
	p := &memProcess{
		id:     xid.New().String(),
		parent: newMemLink(up, down),
		child:  newMemLink(down, up),
		cancel: cancel,
		exited: make(chan struct{}),
	}
	go p.run(runCtx, prog, init)

	log.Debug().Str("worker", init.Name).Str("process", p.id).Str("program", entry.Path).Msg("program started")
	return p, nil
}

type memProcess struct {
	id     string
	parent *memLink
	child  *memLink
	cancel context.CancelFunc

	killed   atomic.Bool
	mu       sync.Mutex
	status   ExitStatus
	exitOnce sync.Once
	exited   chan struct{}
}

func (p *memProcess) ID() string                        { return p.id }
func (p *memProcess) Pid() int                          { return 0 }
func (p *memProcess) Send(msg protocol.Message) error   { return p.parent.Send(msg) }
func (p *memProcess) Messages() <-chan protocol.Message { return p.parent.Messages() }
func (p *memProcess) Faults() <-chan error              { return p.parent.Faults() }
func (p *memProcess) Exited() <-chan struct{}           { return p.exited }

func (p *memProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Terminate cancels the program and severs both links. The goroutine may
// outlive the call until it observes either.
func (p *memProcess) Terminate() error {
	p.killed.Store(true)
	p.cancel()
	_ = p.child.Close()
	_ = p.parent.Close()
	p.finish(ExitStatus{Code: -1, Killed: true, At: time.Now()})
	return nil
}

func (p *memProcess) run(ctx context.Context, prog Program, init Init) {
	status := ExitStatus{}
	defer func() {
		if r := recover(); r != nil {
			status = ExitStatus{Code: 2, Err: fmt.Errorf("panic: %v", r)}
			p.parent.fault(status.Err)
		}
		_ = p.child.Close()
		p.cancel()
		status.Killed = p.killed.Load()
		status.At = time.Now()
		p.finish(status)
	}()
	if err := prog(ctx, p.child, init); err != nil {
		status = ExitStatus{Code: 1, Err: err}
	}
}

func (p *memProcess) finish(status ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
		close(p.exited)
	})
}

// Pipe returns the two ends of an in-memory link.
func Pipe() (Link, Link) {
	ab := queue.NewRingBuffer(defaultMemCapacity)
	ba := queue.NewRingBuffer(defaultMemCapacity)
	return newMemLink(ba, ab), newMemLink(ab, ba)
}

// eof marks the end of one direction; items queued before it are delivered.
type eof struct{}

// memLink is one end of an in-memory link.
type memLink struct {
	in  *queue.RingBuffer
	out *queue.RingBuffer

	msgs   chan protocol.Message
	faults chan error
	done   chan struct{}
	once   sync.Once
}

var _ Link = (*memLink)(nil)

func newMemLink(in, out *queue.RingBuffer) *memLink {
	l := &memLink{
		in:     in,
		out:    out,
		msgs:   make(chan protocol.Message),
		faults: make(chan error, faultBuffer),
		done:   make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *memLink) Messages() <-chan protocol.Message { return l.msgs }
func (l *memLink) Faults() <-chan error              { return l.faults }

func (l *memLink) Send(msg protocol.Message) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := l.out.Put(msg); err != nil {
		return ErrLinkClosed
	}
	return nil
}

// Close ends the outbound direction after queued items and stops reading.
func (l *memLink) Close() error {
	l.once.Do(func() {
		close(l.done)
		if ok, err := l.out.Offer(eof{}); !ok || err != nil {
			l.out.Dispose()
		}
		l.in.Dispose()
	})
	return nil
}

func (l *memLink) pump() {
	defer close(l.msgs)
	for {
		item, err := l.in.Get()
		if err != nil {
			return
		}
		msg, ok := item.(protocol.Message)
		if !ok {
			return
		}
		select {
		case l.msgs <- msg:
		case <-l.done:
			return
		}
	}
}

func (l *memLink) fault(err error) {
	select {
	case l.faults <- err:
	default:
	}
}
