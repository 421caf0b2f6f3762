package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/taskman/internal/observability"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// drainWait bounds how long an exited process may keep delivering buffered
// messages.
const drainWait = 250 * time.Millisecond

type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateRestartScheduled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRestartScheduled:
		return "restart-scheduled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventFunc receives unsolicited event messages from a worker.
type EventFunc func(worker string, msg protocol.Message)

// Config describes one supervised worker.
type Config struct {
	Name    string
	Entry   transport.Entry
	Init    transport.Init
	Spawner transport.Spawner
	Options Options
	OnEvent EventFunc
}

// Handle supervises one child process and correlates requests sent to it.
type Handle struct {
	name    string
	entry   transport.Entry
	init    transport.Init
	spawner transport.Spawner
	opts    Options
	onEvent EventFunc
	logger  zerolog.Logger

	mu           sync.Mutex
	state        State
	inst         *instance
	starting     bool
	closed       bool
	nextID       uint64
	pending      pendingTable
	generation   uint64
	starts       int
	startedAt    time.Time
	lastExit     *transport.ExitStatus
	crashes      []time.Time
	restartTimer *time.Timer
	restartToken uint64
	rng          *rand.Rand
}

// instance is one generation of the worker's process.
type instance struct {
	gen        uint64
	proc       transport.Process
	detached   chan struct{}
	detachOnce sync.Once
}

// detach reports whether this call was the one that detached inst.
func (i *instance) detach() bool {
	first := false
	i.detachOnce.Do(func() {
		first = true
		close(i.detached)
	})
	return first
}

func New(cfg Config) *Handle {
	init := cfg.Init
	if init.Name == "" {
		init.Name = cfg.Name
	}
	return &Handle{
		name:    cfg.Name,
		entry:   cfg.Entry,
		init:    init,
		spawner: cfg.Spawner,
		opts:    cfg.Options.withDefaults(),
		onEvent: cfg.OnEvent,
		logger:  log.With().Str("worker", cfg.Name).Logger(),
		pending: make(pendingTable),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) Options() Options { return h.opts }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start spawns the worker process. It fails while a process is live or
// another Start is in flight.
func (h *Handle) Start(ctx context.Context) error {
	return h.start(ctx, "")
}

func (h *Handle) start(ctx context.Context, reason string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, h.name)
	}
	if h.inst != nil || h.starting {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, h.name)
	}
	h.starting = true
	h.cancelRestartLocked()
	h.mu.Unlock()

	proc, err := h.spawner.Spawn(ctx, h.entry, h.init)

	h.mu.Lock()
	h.starting = false
	if err != nil {
		if h.state != StateFailed {
			h.state = StateNotStarted
		}
		h.mu.Unlock()
		return fmt.Errorf("worker %s: start: %w", h.name, err)
	}
	if h.closed {
		h.mu.Unlock()
		_ = proc.Terminate()
		return fmt.Errorf("%w: %s", ErrClosed, h.name)
	}
	h.generation++
	inst := &instance{gen: h.generation, proc: proc, detached: make(chan struct{})}
	h.inst = inst
	h.state = StateRunning
	h.starts++
	h.startedAt = time.Now()
	if reason == "" {
		h.crashes = nil
	}
	h.mu.Unlock()

	go h.watch(inst)
	if reason != "" {
		observability.RecordWorkerRestart(h.name, reason)
	}
	h.logger.Info().
		Str("process", proc.ID()).
		Uint64("generation", inst.gen).
		Str("entry", h.entry.String()).
		Msg("worker started")
	return nil
}

// Request sends a user request, or a privileged directive named by event,
// and waits for its response.
func (h *Handle) Request(ctx context.Context, kind protocol.Kind, event string, args ...any) (json.RawMessage, error) {
	data, err := protocol.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	switch kind {
	case protocol.KindUser:
		return h.call(ctx, nil, protocol.Message{Kind: kind, Event: event, Data: data})
	case protocol.KindPrivileged:
		directive, err := protocol.ParseDirective(event)
		if err != nil {
			return nil, err
		}
		return h.call(ctx, nil, protocol.Message{Kind: kind, Directive: directive, Data: data})
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
}

// Get is a user request.
func (h *Handle) Get(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	return h.Request(ctx, protocol.KindUser, event, args...)
}

// Call sends a user request with already encoded arguments.
func (h *Handle) Call(ctx context.Context, event string, data protocol.Args) (json.RawMessage, error) {
	return h.call(ctx, nil, protocol.Message{Kind: protocol.KindUser, Event: event, Data: data})
}

// Control sends a privileged directive addressed to destination below this
// worker; an empty destination addresses the worker itself.
func (h *Handle) Control(ctx context.Context, directive protocol.Directive, destination string, data protocol.Args) (json.RawMessage, error) {
	if _, err := protocol.ParseDirective(string(directive)); err != nil {
		return nil, err
	}
	return h.call(ctx, nil, protocol.Message{
		Kind:        protocol.KindPrivileged,
		Directive:   directive,
		Destination: destination,
		Data:        data,
	})
}

// call registers a pending entry, sends msg and races the response against
// the deadline and ctx. target pins the call to one process generation.
func (h *Handle) call(ctx context.Context, target *instance, msg protocol.Message) (json.RawMessage, error) {
	timeout := h.opts.Timeout
	label := msg.Event
	if msg.Kind == protocol.KindPrivileged {
		timeout = h.opts.PrivilegedTimeout()
		label = string(msg.Directive)
	}

	h.mu.Lock()
	inst := h.inst
	if target != nil {
		inst = target
	}
	if inst == nil || isDetached(inst) {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotStarted, h.name)
	}
	h.nextID++
	p := newPending(h.nextID, msg.Kind, label, inst)
	h.pending[p.id] = p
	inflight := len(h.pending)
	h.mu.Unlock()
	observability.SetWorkerPending(h.name, inflight)

	msg.ID = p.id
	if err := inst.proc.Send(msg); err != nil {
		if h.take(p.id) != nil {
			return h.finish(p, outcome{err: fmt.Errorf("worker %s: send %s: %w", h.name, label, err)})
		}
		return h.finish(p, <-p.done)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-p.done:
		return h.finish(p, o)
	case <-timer.C:
		if h.take(p.id) != nil {
			return h.finish(p, outcome{err: &TimeoutError{Worker: h.name, Event: label, After: timeout}})
		}
		return h.finish(p, <-p.done)
	case <-ctx.Done():
		if h.take(p.id) != nil {
			return h.finish(p, outcome{err: fmt.Errorf("worker %s: %s: %w", h.name, label, ctx.Err())})
		}
		return h.finish(p, <-p.done)
	}
}

func (h *Handle) finish(p *pending, o outcome) (json.RawMessage, error) {
	result := observability.OutcomeOK
	var timeoutErr *TimeoutError
	switch {
	case o.err == nil:
	case errors.As(o.err, &timeoutErr):
		result = observability.OutcomeTimeout
	case errors.Is(o.err, context.Canceled), errors.Is(o.err, context.DeadlineExceeded):
		result = observability.OutcomeCanceled
	case errors.Is(o.err, ErrExited):
		result = observability.OutcomeExited
	default:
		result = observability.OutcomeError
	}
	observability.RecordWorkerRequest(h.name, p.kind.String(), result, time.Since(p.started))
	if result == observability.OutcomeTimeout {
		h.logger.Warn().Uint64("id", p.id).Str("event", p.label).Msg("request timed out")
	}
	return o.result, o.err
}

func (h *Handle) take(id uint64) *pending {
	h.mu.Lock()
	p := h.pending.take(id)
	inflight := len(h.pending)
	h.mu.Unlock()
	if p != nil {
		observability.SetWorkerPending(h.name, inflight)
	}
	return p
}

// resolve settles the pending request a response belongs to. Responses for
// ids no longer pending are dropped.
func (h *Handle) resolve(msg protocol.Message) {
	p := h.take(msg.ID)
	if p == nil {
		observability.RecordProtocolAnomaly(h.name, "unknown_id")
		h.logger.Warn().Uint64("id", msg.ID).Msg("response for unknown request id")
		return
	}
	if msg.IsError() {
		p.settle(outcome{err: &protocol.RemoteError{Message: msg.Error}})
		return
	}
	p.settle(outcome{result: msg.Result})
}

// Kill terminates the process without a cooperative shutdown and cancels a
// scheduled crash restart. It is a no-op when nothing is running.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.cancelRestartLocked()
	if h.state == StateRestartScheduled {
		h.state = StateNotStarted
	}
	inst := h.inst
	h.mu.Unlock()
	if inst == nil {
		return nil
	}
	return h.killInstance(inst)
}

// killInstance terminates one generation. Later generations are untouched.
func (h *Handle) killInstance(inst *instance) error {
	if !inst.detach() {
		return nil
	}
	h.mu.Lock()
	if h.inst == inst {
		h.inst = nil
		h.state = StateNotStarted
	}
	var abandoned []*pending
	if !h.opts.KeepPendingOnExit {
		abandoned = h.pending.takeInstance(inst)
	}
	inflight := len(h.pending)
	h.mu.Unlock()

	h.failPending(abandoned, "killed", inflight)
	err := inst.proc.Terminate()
	status := inst.proc.ExitStatus()
	h.mu.Lock()
	h.lastExit = &status
	h.mu.Unlock()
	observability.RecordWorkerExit(h.name, observability.ExitKilled)
	h.logger.Info().Str("process", inst.proc.ID()).Uint64("generation", inst.gen).Msg("worker killed")
	if err != nil {
		return fmt.Errorf("worker %s: kill: %w", h.name, err)
	}
	return nil
}

func (h *Handle) failPending(list []*pending, why string, inflight int) {
	if len(list) == 0 {
		return
	}
	observability.SetWorkerPending(h.name, inflight)
	for _, p := range list {
		p.settle(outcome{err: fmt.Errorf("%w: %s %s during %s", ErrExited, h.name, why, p.label)})
	}
}

// Shutdown asks the worker to drain with a privileged shutdown, then kills
// the same process whether or not the request succeeded. The request's error
// is returned.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	inst := h.inst
	if inst == nil {
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	h.mu.Unlock()

	_, err := h.call(ctx, inst, protocol.Message{Kind: protocol.KindPrivileged, Directive: protocol.DirectiveShutdown})
	if err != nil {
		h.logger.Error().Err(err).Msg("shutdown request failed")
	}
	if kerr := h.killInstance(inst); kerr != nil {
		err = errors.Join(err, kerr)
	}
	return err
}

// RestartKill kills and immediately starts the worker.
func (h *Handle) RestartKill(ctx context.Context) error {
	return h.restartKill(ctx, "forced")
}

func (h *Handle) restartKill(ctx context.Context, reason string) error {
	if err := h.Kill(); err != nil {
		h.logger.Error().Err(err).Msg("kill before restart failed")
	}
	return h.start(ctx, reason)
}

// Restart shuts the worker down gracefully and starts it again. If shutdown
// outlasts the base timeout a forced restart takes over and the graceful path
// does not start a second process.
func (h *Handle) Restart(ctx context.Context) error {
	forced := make(chan error, 1)
	fallback := time.AfterFunc(h.opts.Timeout, func() {
		h.logger.Warn().Dur("timeout", h.opts.Timeout).Msg("graceful restart timed out, forcing")
		forced <- h.restartKill(context.Background(), "forced")
	})
	if err := h.Shutdown(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("graceful restart continues after shutdown error")
	}
	if !fallback.Stop() {
		return <-forced
	}
	return h.start(ctx, "graceful")
}

// Close stops crash recovery, shuts the worker down and refuses later starts.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.cancelRestartLocked()
	if h.state == StateRestartScheduled {
		h.state = StateNotStarted
	}
	h.mu.Unlock()
	return h.Shutdown(ctx)
}

func (h *Handle) watch(inst *instance) {
	proc := inst.proc
	msgs := proc.Messages()
	faults := proc.Faults()
	for {
		select {
		case <-inst.detached:
			return
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			h.dispatch(msg)
		case err := <-faults:
			h.logger.Warn().Err(err).Str("process", proc.ID()).Msg("worker fault")
		case <-proc.Exited():
			h.drain(inst, msgs, faults)
			h.onExit(inst)
			return
		}
	}
}

// drain delivers what the exited process wrote before it went away.
func (h *Handle) drain(inst *instance, msgs <-chan protocol.Message, faults <-chan error) {
	timer := time.NewTimer(drainWait)
	defer timer.Stop()
	for msgs != nil {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			h.dispatch(msg)
		case <-inst.detached:
			return
		case <-timer.C:
			msgs = nil
		}
	}
	for {
		select {
		case err := <-faults:
			h.logger.Warn().Err(err).Str("process", inst.proc.ID()).Msg("worker fault")
		default:
			return
		}
	}
}

func (h *Handle) dispatch(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindResponse:
		h.resolve(msg)
	case protocol.KindLog:
		h.logger.Info().Msg(msg.Data.Text())
	case protocol.KindErrorLog:
		h.logger.Error().Msg(msg.Data.Text())
	case protocol.KindEvent:
		if h.onEvent != nil {
			h.onEvent(h.name, msg)
			return
		}
		h.logger.Debug().Str("event", msg.Event).Msg("unhandled worker event")
	case protocol.KindPrivileged, protocol.KindUser:
		observability.RecordProtocolAnomaly(h.name, "request_from_child")
		h.logger.Warn().Uint64("id", msg.ID).Str("kind", msg.Kind.String()).Msg("worker sent a request upstream")
	default:
		observability.RecordProtocolAnomaly(h.name, "unknown_kind")
		h.logger.Warn().Str("kind", msg.Kind.String()).Msg("unknown message kind from worker")
	}
}

// onExit handles a process that ended without being killed by this handle.
// Outside a shutdown that is a crash.
func (h *Handle) onExit(inst *instance) {
	if !inst.detach() {
		return
	}
	status := inst.proc.ExitStatus()

	h.mu.Lock()
	if h.inst == inst {
		h.inst = nil
	}
	h.lastExit = &status
	var abandoned []*pending
	if !h.opts.KeepPendingOnExit {
		abandoned = h.pending.takeInstance(inst)
	}
	inflight := len(h.pending)
	expected := h.state == StateStopping || h.closed
	var delay time.Duration
	failed := false
	if expected {
		h.state = StateNotStarted
	} else {
		delay, failed = h.scheduleCrashRestartLocked()
	}
	crashes := len(h.crashes)
	h.mu.Unlock()

	h.failPending(abandoned, "exited", inflight)

	event := h.logger.Info()
	class := observability.ExitExpected
	if !expected {
		event = h.logger.Error()
		class = observability.ExitCrash
	}
	observability.RecordWorkerExit(h.name, class)
	event.
		Str("process", inst.proc.ID()).
		Uint64("generation", inst.gen).
		Int("code", status.Code).
		AnErr("cause", status.Err).
		Msg("worker exited")

	switch {
	case expected:
	case failed:
		h.logger.Error().Int("crashes", crashes).Dur("window", h.opts.CrashWindow).Msg("crash restart budget exhausted, worker left stopped")
	default:
		h.logger.Warn().Dur("delay", delay).Int("attempt", crashes).Msg("crash restart scheduled")
	}
}

// scheduleCrashRestartLocked records a crash and arms the restart timer, or
// marks the handle failed when the crash budget is spent.
func (h *Handle) scheduleCrashRestartLocked() (time.Duration, bool) {
	now := time.Now()
	cutoff := now.Add(-h.opts.CrashWindow)
	kept := h.crashes[:0]
	for _, at := range h.crashes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	h.crashes = append(kept, now)

	if h.opts.MaxCrashRestarts > 0 && len(h.crashes) > h.opts.MaxCrashRestarts {
		h.state = StateFailed
		return 0, true
	}
	delay := NextBackoffDelay(h.opts.CrashBackoff, len(h.crashes), h.rng)
	h.state = StateRestartScheduled
	h.restartToken++
	token := h.restartToken
	h.restartTimer = time.AfterFunc(delay, func() { h.crashRestart(token) })
	return delay, false
}

func (h *Handle) crashRestart(token uint64) {
	h.mu.Lock()
	if h.restartToken != token || h.state != StateRestartScheduled || h.closed {
		h.mu.Unlock()
		return
	}
	h.restartTimer = nil
	h.mu.Unlock()

	if err := h.restartKill(context.Background(), "crash"); err != nil {
		h.logger.Error().Err(err).Msg("crash restart failed")
		if errors.Is(err, ErrAlreadyStarted) || errors.Is(err, ErrClosed) {
			return
		}
		h.mu.Lock()
		if h.inst == nil && !h.closed {
			h.scheduleCrashRestartLocked()
		}
		h.mu.Unlock()
	}
}

func (h *Handle) cancelRestartLocked() {
	if h.restartTimer != nil {
		h.restartTimer.Stop()
		h.restartTimer = nil
	}
	h.restartToken++
}

// Status is a point-in-time view of a Handle.
type Status struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Entry      string    `json:"entry"`
	Process    string    `json:"process,omitempty"`
	Pid        int       `json:"pid,omitempty"`
	Generation uint64    `json:"generation"`
	Restarts   int       `json:"restarts"`
	Crashes    int       `json:"recent_crashes"`
	Pending    int       `json:"pending"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastExit   string    `json:"last_exit,omitempty"`
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Name:       h.name,
		State:      h.state.String(),
		Entry:      h.entry.String(),
		Generation: h.generation,
		Crashes:    len(h.crashes),
		Pending:    len(h.pending),
		StartedAt:  h.startedAt,
	}
	if h.starts > 1 {
		st.Restarts = h.starts - 1
	}
	if h.inst != nil {
		st.Process = h.inst.proc.ID()
		st.Pid = h.inst.proc.Pid()
	}
	if h.lastExit != nil {
		st.LastExit = h.lastExit.String()
	}
	return st
}

func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s gen=%d restarts=%d pending=%d", s.Name, s.State, s.Generation, s.Restarts, s.Pending)
	if s.LastExit != "" {
		fmt.Fprintf(&b, " last_exit=%q", s.LastExit)
	}
	return b.String()
}

func isDetached(inst *instance) bool {
	select {
	case <-inst.detached:
		return true
	default:
		return false
	}
}
