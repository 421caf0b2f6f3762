package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/transport"
	"github.com/danmuck/taskman/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWorkerNotFound = errors.New("node: worker not found")
	ErrWorkerExists   = errors.New("node: worker already exists")
	ErrNoUpstream     = errors.New("node: no upstream link")
	ErrNoHandler      = errors.New("node: no handler")
	ErrInvalidName    = errors.New("node: invalid worker name")
	ErrNotFireForget  = errors.New("node: only log, error and event messages can be sent upstream")
)

// PrivilegedHandler runs when this node is the addressee of a directive.
type PrivilegedHandler func(ctx context.Context, directive protocol.Directive, args protocol.Args) (any, error)

// UserHandler runs for every user request from the parent.
type UserHandler func(ctx context.Context, event string, args protocol.Args) (any, error)

// EventHandler sees unsolicited events. source is the child worker name, or
// empty for events from the parent.
type EventHandler func(source string, msg protocol.Message)

type Options struct {
	// Name of this process in the tree; "root" when empty.
	Name string
	// Path from the root, slash-delimited. Empty at the root.
	Path string
	// Upstream is the link to the parent; nil at the top of the tree.
	Upstream transport.Link
	// Spawner starts child processes; transport.NewSpawner when nil.
	Spawner transport.Spawner
	// WorkerDefaults apply to workers created without their own options.
	WorkerDefaults worker.Options
}

// WorkerSpec describes a child to register.
type WorkerSpec struct {
	Name  string
	Entry transport.Entry
	// Data is handed to the child as its init payload.
	Data json.RawMessage
	// Options overrides the node's worker defaults when set.
	Options *worker.Options
}

// Node routes messages between this process's parent and its children.
type Node struct {
	name     string
	path     string
	upstream transport.Link
	spawner  transport.Spawner
	defaults worker.Options
	logger   zerolog.Logger

	mu           sync.RWMutex
	workers      map[string]*worker.Handle
	onPrivileged PrivilegedHandler
	onUser       UserHandler
	onEvent      EventHandler

	inflight sync.WaitGroup
}

func New(opts Options) *Node {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "root"
	}
	spawner := opts.Spawner
	if spawner == nil {
		spawner = transport.NewSpawner()
	}
	return &Node{
		name:     name,
		path:     strings.Trim(opts.Path, "/"),
		upstream: opts.Upstream,
		spawner:  spawner,
		defaults: opts.WorkerDefaults,
		logger:   log.With().Str("node", name).Logger(),
		workers:  make(map[string]*worker.Handle),
	}
}

func (n *Node) Name() string { return n.name }
func (n *Node) Path() string { return n.path }

// WorkerDefaults are the options new workers get unless they bring their own.
func (n *Node) WorkerDefaults() worker.Options { return n.defaults }

// IsRoot reports whether this node has no parent.
func (n *Node) IsRoot() bool { return n.upstream == nil }

func (n *Node) OnPrivilegedRequest(h PrivilegedHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPrivileged = h
}

func (n *Node) OnUserRequest(h UserHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onUser = h
}

func (n *Node) OnEvent(h EventHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onEvent = h
}

// CreateWorker registers a child without starting it.
func (n *Node) CreateWorker(spec WorkerSpec) (*worker.Handle, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, spec.Name)
	}
	opts := n.defaults
	if spec.Options != nil {
		opts = *spec.Options
	}
	h := worker.New(worker.Config{
		Name:  name,
		Entry: spec.Entry,
		Init: transport.Init{
			Name: name,
			Path: protocol.JoinPath(n.path, name),
			Args: spec.Entry.Args,
			Data: spec.Data,
		},
		Spawner: n.spawner,
		Options: opts,
		OnEvent: n.childEvent,
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.workers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerExists, name)
	}
	n.workers[name] = h
	n.logger.Debug().Str("worker", name).Str("entry", spec.Entry.String()).Msg("worker registered")
	return h, nil
}

// Worker returns the named direct child.
func (n *Node) Worker(name string) (*worker.Handle, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	return h, nil
}

// Workers lists the status of every direct child, sorted by name.
func (n *Node) Workers() []worker.Status {
	n.mu.RLock()
	out := make([]worker.Status, 0, len(n.workers))
	for _, h := range n.workers {
		out = append(out, h.Status())
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handles returns the direct children sorted by name.
func (n *Node) Handles() []*worker.Handle {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*worker.Handle, 0, len(n.workers))
	for _, h := range n.workers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// RemoveWorker shuts the child down and forgets it.
func (n *Node) RemoveWorker(ctx context.Context, name string) error {
	n.mu.Lock()
	h, ok := n.workers[name]
	delete(n.workers, name)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	}
	return h.Close(ctx)
}

// Request sends a user request to a direct child.
func (n *Node) Request(ctx context.Context, workerName, event string, args ...any) (json.RawMessage, error) {
	h, err := n.Worker(workerName)
	if err != nil {
		return nil, err
	}
	return h.Get(ctx, event, args...)
}

// Control issues a privileged directive to destination, a slash-delimited
// path below this node. An empty destination addresses this node.
func (n *Node) Control(ctx context.Context, destination string, directive protocol.Directive, args ...any) (json.RawMessage, error) {
	data, err := protocol.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	return n.control(ctx, destination, directive, data)
}

func (n *Node) control(ctx context.Context, destination string, directive protocol.Directive, data protocol.Args) (json.RawMessage, error) {
	if _, err := protocol.ParseDirective(string(directive)); err != nil {
		return nil, err
	}
	next, rest := protocol.SplitDestination(destination)
	if next == "" {
		return n.handleLocalPrivileged(ctx, directive, data)
	}
	return n.routeDown(ctx, next, rest, directive, data)
}

// routeDown hands a directive to the direct child next with the remaining
// path as its destination.
func (n *Node) routeDown(ctx context.Context, next, rest string, directive protocol.Directive, data protocol.Args) (json.RawMessage, error) {
	h, err := n.Worker(next)
	if err != nil {
		return nil, err
	}
	n.logger.Debug().
		Str("directive", string(directive)).
		Str("next", next).
		Str("destination", rest).
		Msg("routing directive")
	return h.Control(ctx, directive, rest, data)
}

func (n *Node) handleLocalPrivileged(ctx context.Context, directive protocol.Directive, data protocol.Args) (json.RawMessage, error) {
	n.mu.RLock()
	h := n.onPrivileged
	n.mu.RUnlock()
	if h == nil {
		n.logger.Info().Str("directive", string(directive)).Msg("privileged request without handler")
		return okResult, nil
	}
	v, err := h(ctx, directive, data)
	if err != nil {
		return nil, err
	}
	return encodeResult(v)
}

func (n *Node) handleLocalUser(ctx context.Context, event string, data protocol.Args) (json.RawMessage, error) {
	n.mu.RLock()
	h := n.onUser
	n.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w for event %s", ErrNoHandler, event)
	}
	v, err := h(ctx, event, data)
	if err != nil {
		return nil, err
	}
	return encodeResult(v)
}

// Send is fire-and-forget to the parent.
func (n *Node) Send(kind protocol.Kind, event string, args ...any) error {
	switch kind {
	case protocol.KindLog, protocol.KindErrorLog, protocol.KindEvent:
	default:
		return fmt.Errorf("%w: %s", ErrNotFireForget, kind)
	}
	if n.upstream == nil {
		return ErrNoUpstream
	}
	data, err := protocol.EncodeArgs(args...)
	if err != nil {
		return err
	}
	msg := protocol.Message{Kind: kind, Data: data}
	if kind == protocol.KindEvent {
		msg.Event = event
	}
	return n.upstream.Send(msg)
}

// Log prints args, going through the parent when there is one.
func (n *Node) Log(args ...any) {
	n.emitLog(protocol.KindLog, args)
}

// Error is Log for error-log lines.
func (n *Node) Error(args ...any) {
	n.emitLog(protocol.KindErrorLog, args)
}

func (n *Node) emitLog(kind protocol.Kind, args []any) {
	if n.upstream != nil {
		if err := n.Send(kind, "", args...); err == nil {
			return
		}
	}
	data, err := protocol.EncodeArgs(args...)
	if err != nil {
		n.logger.Error().Err(err).Msg("unprintable log arguments")
		return
	}
	if kind == protocol.KindErrorLog {
		n.logger.Error().Msg(data.Text())
		return
	}
	n.logger.Info().Msg(data.Text())
}

// childEvent delivers a child's event locally and forwards it unchanged to
// the parent.
func (n *Node) childEvent(source string, msg protocol.Message) {
	n.mu.RLock()
	h := n.onEvent
	n.mu.RUnlock()
	if h != nil {
		h(source, msg)
	}
	if n.upstream != nil {
		if err := n.upstream.Send(msg); err != nil && !errors.Is(err, transport.ErrLinkClosed) {
			n.logger.Warn().Err(err).Str("event", msg.Event).Msg("event forward failed")
		}
	}
}

// Close shuts down every child concurrently.
func (n *Node) Close(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range n.Handles() {
		h := h
		g.Go(func() error {
			if err := h.Close(gctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

var okResult = json.RawMessage(`{"message":"ok"}`)

// encodeResult passes raw JSON through and marshals everything else.
func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(r) == 0 {
			return json.RawMessage("null"), nil
		}
		return r, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("node: encode result: %w", err)
		}
		return b, nil
	}
}
