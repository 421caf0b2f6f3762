package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/taskman/internal/node"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/transport"
	"github.com/danmuck/taskman/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoHandler      = errors.New("no handler for event")
	ErrShutdownFailed = errors.New("app: shutdown callbacks failed")
)

// HandlerFunc answers one user event. The result is JSON encoded.
type HandlerFunc func(ctx context.Context, args protocol.Args) (any, error)

// ShutdownFunc drains part of the application and then calls confirm.
// Calls after the first are ignored.
type ShutdownFunc func(confirm func())

// App binds handlers and shutdown callbacks to a routing node.
type App struct {
	node   *node.Node
	init   transport.Init
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	shutdown []ShutdownFunc
}

// New installs the app's request handlers on n.
func New(n *node.Node, init transport.Init) *App {
	a := &App{
		node:     n,
		init:     init,
		logger:   log.With().Str("node", n.Name()).Logger(),
		handlers: make(map[string]HandlerFunc),
	}
	n.OnUserRequest(a.handleUser)
	n.OnPrivilegedRequest(a.handlePrivileged)
	return a
}

func (a *App) Node() *node.Node { return a.node }

// Init is the payload this process was spawned with.
func (a *App) Init() transport.Init { return a.init }

func (a *App) Name() string { return a.node.Name() }

// On registers the handler for event, replacing any previous one.
func (a *App) On(event string, h HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[event] = h
}

func (a *App) OnShutdown(fn ShutdownFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = append(a.shutdown, fn)
}

func (a *App) CreateWorker(spec node.WorkerSpec) (*worker.Handle, error) {
	return a.node.CreateWorker(spec)
}

func (a *App) Log(args ...any)   { a.node.Log(args...) }
func (a *App) Error(args ...any) { a.node.Error(args...) }

func (a *App) handleUser(ctx context.Context, event string, args protocol.Args) (any, error) {
	a.mu.RLock()
	h, ok := a.handlers[event]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoHandler, event)
	}
	return h(ctx, args)
}

func (a *App) handlePrivileged(ctx context.Context, directive protocol.Directive, args protocol.Args) (any, error) {
	switch directive {
	case protocol.DirectiveShutdown:
		if err := a.Shutdown(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"message": "ok"}, nil
	case protocol.DirectiveRestart, protocol.DirectiveRestartForced, protocol.DirectiveKill:
		names, err := args.Strings()
		if err != nil {
			return nil, fmt.Errorf("%s: worker names: %w", directive, err)
		}
		return a.applyToWorkers(ctx, directive, names)
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownDirective, directive)
	}
}

// Shutdown runs every shutdown callback concurrently and waits until each
// has confirmed. Failed or panicking callbacks are reported together.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.RLock()
	callbacks := append([]ShutdownFunc(nil), a.shutdown...)
	a.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, fn := range callbacks {
		i, fn := i, fn
		g.Go(func() error {
			if err := runCallback(gctx, fn); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("callback %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrShutdownFailed, errors.Join(errs...))
		a.logger.Error().Err(err).Int("failed", len(errs)).Int("callbacks", len(callbacks)).Msg("shutdown incomplete")
		return err
	}
	a.logger.Info().Int("callbacks", len(callbacks)).Msg("shutdown drained")
	return nil
}

func runCallback(ctx context.Context, fn ShutdownFunc) error {
	confirmed := make(chan struct{})
	var once sync.Once
	confirm := func() { once.Do(func() { close(confirmed) }) }

	failed := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				failed <- fmt.Errorf("panic: %v", r)
			}
		}()
		fn(confirm)
	}()

	select {
	case <-confirmed:
		return nil
	case err := <-failed:
		select {
		case <-confirmed:
			return nil
		default:
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyToWorkers runs a lifecycle directive on the named direct workers,
// or on all of them when names is empty.
func (a *App) applyToWorkers(ctx context.Context, directive protocol.Directive, names []string) (any, error) {
	var targets []*worker.Handle
	if len(names) == 0 {
		targets = a.node.Handles()
	} else {
		for _, name := range names {
			h, err := a.node.Worker(name)
			if err != nil {
				return nil, err
			}
			targets = append(targets, h)
		}
	}

	var (
		mu   sync.Mutex
		errs []error
		done = make([]string, 0, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range targets {
		h := h
		g.Go(func() error {
			var err error
			switch directive {
			case protocol.DirectiveRestart:
				err = h.Restart(gctx)
			case protocol.DirectiveRestartForced:
				err = h.RestartKill(gctx)
			case protocol.DirectiveKill:
				err = h.Kill()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", h.Name(), err))
				return nil
			}
			done = append(done, h.Name())
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	a.logger.Info().Str("directive", string(directive)).Strs("workers", done).Msg("directive applied")
	return map[string]any{"message": "ok", "workers": done}, nil
}

// Run serves the parent link until it closes or ctx ends, then shuts down
// every worker. At the top of the tree it only waits for ctx.
func (a *App) Run(ctx context.Context) error {
	var err error
	if a.node.IsRoot() {
		<-ctx.Done()
	} else {
		err = a.node.Serve(ctx)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, a.Close())
}

// Close shuts down the node's workers, bounded by the privileged timeout.
func (a *App) Close() error {
	timeout := a.node.WorkerDefaults().PrivilegedTimeout() + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.node.Close(ctx)
}
