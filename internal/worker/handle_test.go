package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/testutil/testlog"
	"github.com/danmuck/taskman/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errExit = errors.New("test program exit")

type handlerFunc func(ctx context.Context, args protocol.Args) (any, error)

// program answers requests until its link closes. Each request is handled
// on its own goroutine; a handler returning errExit makes the program exit.
func program(handlers map[string]handlerFunc, onShutdown handlerFunc) transport.Program {
	return func(ctx context.Context, link transport.Link, init transport.Init) error {
		var wg sync.WaitGroup
		defer wg.Wait()
		exitc := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-exitc:
				return errExit
			case msg, ok := <-link.Messages():
				if !ok {
					return nil
				}
				var h handlerFunc
				switch msg.Kind {
				case protocol.KindUser:
					h = handlers[msg.Event]
				case protocol.KindPrivileged:
					h = onShutdown
				default:
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					if h == nil {
						_ = link.Send(protocol.Response(msg.ID, json.RawMessage(`{"message":"ok"}`)))
						return
					}
					v, err := h(ctx, msg.Data)
					if errors.Is(err, errExit) {
						select {
						case exitc <- struct{}{}:
						default:
						}
						return
					}
					if err != nil {
						_ = link.Send(protocol.ErrorResponse(msg.ID, err))
						return
					}
					b, _ := json.Marshal(v)
					_ = link.Send(protocol.Response(msg.ID, b))
				}()
			}
		}
	}
}

func echo(ctx context.Context, args protocol.Args) (any, error) {
	var v any
	if err := args.Decode(0, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func blockUntilDone(ctx context.Context, args protocol.Args) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func die(ctx context.Context, args protocol.Args) (any, error) {
	return nil, errExit
}

type countingSpawner struct {
	transport.Spawner
	spawns atomic.Int32
}

func (s *countingSpawner) Spawn(ctx context.Context, entry transport.Entry, init transport.Init) (transport.Process, error) {
	s.spawns.Add(1)
	return s.Spawner.Spawn(ctx, entry, init)
}

func newHandle(t *testing.T, prog transport.Program, opts Options) (*Handle, *countingSpawner) {
	t.Helper()
	mem := transport.NewMemSpawner()
	mem.Register("prog", prog)
	spawner := &countingSpawner{Spawner: mem}
	h := New(Config{
		Name:    "w",
		Entry:   transport.Entry{Path: "prog"},
		Spawner: spawner,
		Options: opts,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h, spawner
}

func TestRequestEchoResolves(t *testing.T) {
	testlog.Start(t)
	h, _ := newHandle(t, program(map[string]handlerFunc{"echo": echo}, nil), Options{Timeout: 5 * time.Second})
	require.NoError(t, h.Start(context.Background()))

	got, err := h.Request(context.Background(), protocol.KindUser, "echo", 42)
	require.NoError(t, err)
	require.JSONEq(t, "42", string(got))
	require.Equal(t, 0, h.Status().Pending)
}

func TestRequestTimesOutAtBaseTimeout(t *testing.T) {
	testlog.Start(t)
	h, _ := newHandle(t, program(map[string]handlerFunc{"slow": blockUntilDone}, nil), Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, h.Start(context.Background()))

	start := time.Now()
	_, err := h.Get(context.Background(), "slow", nil)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, "slow", timeoutErr.Event)
	require.Contains(t, err.Error(), "slow")
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, time.Second)
	require.Equal(t, 0, h.Status().Pending)
}

func TestPrivilegedRequestUsesMultipliedTimeout(t *testing.T) {
	testlog.Start(t)
	slowConfirm := func(ctx context.Context, args protocol.Args) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return map[string]string{"message": "ok"}, nil
	}
	h, _ := newHandle(t, program(nil, slowConfirm), Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, h.Start(context.Background()))

	_, err := h.Request(context.Background(), protocol.KindPrivileged, "restart")
	require.NoError(t, err)
	require.Equal(t, 300*time.Millisecond, h.Options().PrivilegedTimeout())
}

func TestRequestBeforeStartFails(t *testing.T) {
	testlog.Start(t)
	h, spawner := newHandle(t, program(nil, nil), Options{})

	_, err := h.Get(context.Background(), "echo", 1)
	require.ErrorIs(t, err, ErrNotStarted)
	require.Zero(t, spawner.spawns.Load())
}

func TestRequestRejectsBadKindAndDirective(t *testing.T) {
	testlog.Start(t)
	h, _ := newHandle(t, program(nil, nil), Options{})
	require.NoError(t, h.Start(context.Background()))

	_, err := h.Request(context.Background(), protocol.KindLog, "x")
	require.ErrorIs(t, err, ErrInvalidKind)
	_, err = h.Request(context.Background(), protocol.KindPrivileged, "reboot")
	require.ErrorIs(t, err, protocol.ErrUnknownDirective)
}

func TestConcurrentStartOnlyOneSucceeds(t *testing.T) {
	testlog.Start(t)
	h, spawner := newHandle(t, program(nil, nil), Options{})

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Start(context.Background()); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyStarted)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(1), spawner.spawns.Load())
	require.ErrorIs(t, h.Start(context.Background()), ErrAlreadyStarted)
}

func TestOutOfOrderResponsesResolveTheirOwnCallers(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	handlers := map[string]handlerFunc{
		"held": func(ctx context.Context, args protocol.Args) (any, error) {
			select {
			case <-release:
				return "first", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"fast": func(ctx context.Context, args protocol.Args) (any, error) { return "second", nil },
	}
	h, _ := newHandle(t, program(handlers, nil), Options{Timeout: 5 * time.Second})
	require.NoError(t, h.Start(context.Background()))

	firstDone := make(chan json.RawMessage, 1)
	go func() {
		got, err := h.Get(context.Background(), "held")
		assert.NoError(t, err)
		firstDone <- got
	}()
	require.Eventually(t, func() bool { return h.Status().Pending == 1 }, time.Second, 5*time.Millisecond)

	got, err := h.Get(context.Background(), "fast")
	require.NoError(t, err)
	require.JSONEq(t, `"second"`, string(got))

	select {
	case <-firstDone:
		t.Fatalf("held request resolved before its response")
	default:
	}
	close(release)
	select {
	case got := <-firstDone:
		require.JSONEq(t, `"first"`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatalf("held request never resolved")
	}
}

func TestLateResponseIsDiscarded(t *testing.T) {
	testlog.Start(t)
	handlers := map[string]handlerFunc{
		"late": func(ctx context.Context, args protocol.Args) (any, error) {
			time.Sleep(150 * time.Millisecond)
			return "too late", nil
		},
		"echo": echo,
	}
	h, _ := newHandle(t, program(handlers, nil), Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, h.Start(context.Background()))

	_, err := h.Get(context.Background(), "late")
	require.ErrorIs(t, err, ErrTimeout)

	time.Sleep(200 * time.Millisecond)
	got, err := h.Get(context.Background(), "echo", "still fine")
	require.NoError(t, err)
	require.JSONEq(t, `"still fine"`, string(got))
	require.Equal(t, 0, h.Status().Pending)
}

func TestUnknownResponseIDDoesNotDisturbPending(t *testing.T) {
	testlog.Start(t)
	prog := func(ctx context.Context, link transport.Link, init transport.Init) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-link.Messages():
				if !ok {
					return nil
				}
				if msg.Kind == protocol.KindPrivileged {
					_ = link.Send(protocol.Response(msg.ID, nil))
					continue
				}
				_ = link.Send(protocol.Response(msg.ID+1000, json.RawMessage(`"stray"`)))
				_ = link.Send(protocol.Response(msg.ID, json.RawMessage(`"mine"`)))
			}
		}
	}
	h, _ := newHandle(t, prog, Options{Timeout: time.Second})
	require.NoError(t, h.Start(context.Background()))

	got, err := h.Get(context.Background(), "anything")
	require.NoError(t, err)
	require.JSONEq(t, `"mine"`, string(got))
}

func TestRemoteErrorIsRelayed(t *testing.T) {
	testlog.Start(t)
	handlers := map[string]handlerFunc{
		"fail": func(ctx context.Context, args protocol.Args) (any, error) {
			return nil, errors.New("no handler for event fail")
		},
	}
	h, _ := newHandle(t, program(handlers, nil), Options{})
	require.NoError(t, h.Start(context.Background()))

	_, err := h.Get(context.Background(), "fail")
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "no handler for event fail", remote.Message)
}

func TestContextCancelRemovesPending(t *testing.T) {
	testlog.Start(t)
	h, _ := newHandle(t, program(map[string]handlerFunc{"slow": blockUntilDone}, nil), Options{Timeout: 5 * time.Second})
	require.NoError(t, h.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Get(ctx, "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, h.Status().Pending)
}

func TestCrashedWorkerIsRestarted(t *testing.T) {
	testlog.Start(t)
	h, spawner := newHandle(t, program(map[string]handlerFunc{"die": die, "echo": echo}, nil), Options{Timeout: time.Second})
	require.NoError(t, h.Start(context.Background()))

	_, err := h.Get(context.Background(), "die")
	require.ErrorIs(t, err, ErrExited)

	require.Eventually(t, func() bool {
		return h.State() == StateRunning && h.Status().Generation == 2
	}, 3*time.Second, 20*time.Millisecond)
	got, err := h.Get(context.Background(), "echo", "back")
	require.NoError(t, err)
	require.JSONEq(t, `"back"`, string(got))
	require.Equal(t, int32(2), spawner.spawns.Load())
	require.Equal(t, 1, h.Status().Restarts)
}

func TestKeepPendingOnExitLeavesRequestsToTheirDeadline(t *testing.T) {
	testlog.Start(t)
	opts := Options{
		Timeout:           100 * time.Millisecond,
		KeepPendingOnExit: true,
		CrashBackoff:      Backoff{InitialDelay: time.Hour},
	}
	h, _ := newHandle(t, program(map[string]handlerFunc{"die": die}, nil), opts)
	require.NoError(t, h.Start(context.Background()))

	_, err := h.Get(context.Background(), "die")
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateRestartScheduled, h.State())
}

func TestCrashBudgetMovesToFailed(t *testing.T) {
	testlog.Start(t)
	crashAtOnce := func(ctx context.Context, link transport.Link, init transport.Init) error {
		return errors.New("boot failure")
	}
	opts := Options{
		MaxCrashRestarts: 2,
		CrashWindow:      time.Minute,
		CrashBackoff:     Backoff{InitialDelay: 10 * time.Millisecond},
	}
	h, spawner := newHandle(t, crashAtOnce, opts)
	require.NoError(t, h.Start(context.Background()))

	require.Eventually(t, func() bool { return h.State() == StateFailed }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(3), spawner.spawns.Load())
	require.Contains(t, h.Status().LastExit, "boot failure")
}

func TestKillCancelsScheduledCrashRestart(t *testing.T) {
	testlog.Start(t)
	opts := Options{CrashBackoff: Backoff{InitialDelay: 100 * time.Millisecond}}
	h, spawner := newHandle(t, program(map[string]handlerFunc{"die": die}, nil), opts)
	require.NoError(t, h.Start(context.Background()))

	_, _ = h.Get(context.Background(), "die")
	require.Eventually(t, func() bool { return h.State() == StateRestartScheduled }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Kill())
	require.Equal(t, StateNotStarted, h.State())

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, StateNotStarted, h.State())
	require.Equal(t, int32(1), spawner.spawns.Load())
}

func TestKillWhenNotStartedIsNoop(t *testing.T) {
	testlog.Start(t)
	h, _ := newHandle(t, program(nil, nil), Options{})
	require.NoError(t, h.Kill())
	require.NoError(t, h.Shutdown(context.Background()))
}

func TestShutdownKillsAfterSuccess(t *testing.T) {
	testlog.Start(t)
	var drained atomic.Bool
	onShutdown := func(ctx context.Context, args protocol.Args) (any, error) {
		drained.Store(true)
		return map[string]string{"message": "ok"}, nil
	}
	h, _ := newHandle(t, program(nil, onShutdown), Options{})
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, h.Shutdown(context.Background()))
	require.True(t, drained.Load())
	st := h.Status()
	require.Equal(t, "not-started", st.State)
	require.Empty(t, st.Process)
}

func TestShutdownKillsEvenWhenRequestFails(t *testing.T) {
	testlog.Start(t)
	failing := func(ctx context.Context, args protocol.Args) (any, error) {
		return nil, errors.New("drain failed")
	}
	h, _ := newHandle(t, program(nil, failing), Options{})
	require.NoError(t, h.Start(context.Background()))

	err := h.Shutdown(context.Background())
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, StateNotStarted, h.State())
	require.Empty(t, h.Status().Process)
}

func TestShutdownKillsWhenRequestTimesOut(t *testing.T) {
	testlog.Start(t)
	h, _ := newHandle(t, program(nil, blockUntilDone), Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, h.Start(context.Background()))

	err := h.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateNotStarted, h.State())
	require.NoError(t, h.Start(context.Background()))
}

func TestRestartGraceful(t *testing.T) {
	testlog.Start(t)
	h, spawner := newHandle(t, program(map[string]handlerFunc{"echo": echo}, nil), Options{Timeout: time.Second})
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, h.Restart(context.Background()))
	st := h.Status()
	require.Equal(t, "running", st.State)
	require.Equal(t, uint64(2), st.Generation)
	require.Equal(t, int32(2), spawner.spawns.Load())

	got, err := h.Get(context.Background(), "echo", 7)
	require.NoError(t, err)
	require.JSONEq(t, "7", string(got))
}

func TestRestartFallbackDoesNotDoubleStart(t *testing.T) {
	testlog.Start(t)
	h, spawner := newHandle(t, program(map[string]handlerFunc{"echo": echo}, blockUntilDone), Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, h.Start(context.Background()))

	start := time.Now()
	require.NoError(t, h.Restart(context.Background()))
	require.Less(t, time.Since(start), 500*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(2), spawner.spawns.Load())
	require.Equal(t, StateRunning, h.State())
	got, err := h.Get(context.Background(), "echo", "ok")
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(got))
}

func TestRestartKillStartsFresh(t *testing.T) {
	testlog.Start(t)
	h, spawner := newHandle(t, program(nil, nil), Options{})
	require.NoError(t, h.RestartKill(context.Background()))
	require.NoError(t, h.RestartKill(context.Background()))
	require.Equal(t, int32(2), spawner.spawns.Load())
	require.Equal(t, uint64(2), h.Status().Generation)
}

func TestCloseRefusesStart(t *testing.T) {
	testlog.Start(t)
	h, _ := newHandle(t, program(nil, nil), Options{})
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Close(context.Background()))
	require.ErrorIs(t, h.Start(context.Background()), ErrClosed)
}

func TestEventsReachCallback(t *testing.T) {
	testlog.Start(t)
	mem := transport.NewMemSpawner()
	mem.Register("chatty", func(ctx context.Context, link transport.Link, init transport.Init) error {
		_ = link.Send(protocol.Message{Kind: protocol.KindLog, Data: protocol.MustArgs("booting")})
		_ = link.Send(protocol.Message{Kind: protocol.KindEvent, Event: "ready", Data: protocol.MustArgs(init.Name)})
		<-ctx.Done()
		return nil
	})
	got := make(chan protocol.Message, 1)
	h := New(Config{
		Name:    "chatty",
		Entry:   transport.Entry{Path: "chatty"},
		Spawner: mem,
		OnEvent: func(worker string, msg protocol.Message) {
			assert.Equal(t, "chatty", worker)
			got <- msg
		},
	})
	defer h.Kill()
	require.NoError(t, h.Start(context.Background()))

	select {
	case msg := <-got:
		require.Equal(t, "ready", msg.Event)
		require.Equal(t, "chatty", msg.Data.Text())
	case <-time.After(2 * time.Second):
		t.Fatalf("event never delivered")
	}
}

// faultyProcess lets a test push errors onto a process's fault stream.
type faultyProcess struct {
	transport.Process
	faults chan error
}

func (p *faultyProcess) Faults() <-chan error { return p.faults }

type faultySpawner struct {
	transport.Spawner
	faults chan error
}

func (s *faultySpawner) Spawn(ctx context.Context, entry transport.Entry, init transport.Init) (transport.Process, error) {
	proc, err := s.Spawner.Spawn(ctx, entry, init)
	if err != nil {
		return nil, err
	}
	return &faultyProcess{Process: proc, faults: s.faults}, nil
}

func TestFaultIsLoggedWithoutSettlingPending(t *testing.T) {
	testlog.Start(t)
	mem := transport.NewMemSpawner()
	mem.Register("prog", program(map[string]handlerFunc{"slow": blockUntilDone}, nil))
	faults := make(chan error)
	h := New(Config{
		Name:    "w",
		Entry:   transport.Entry{Path: "prog"},
		Spawner: &faultySpawner{Spawner: mem, faults: faults},
		Options: Options{Timeout: 300 * time.Millisecond},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	require.NoError(t, h.Start(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := h.Get(context.Background(), "slow")
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.Status().Pending == 1 }, time.Second, 5*time.Millisecond)

	select {
	case faults <- errors.New("worker wrote garbage"):
	case <-time.After(time.Second):
		t.Fatal("fault was not consumed")
	}

	select {
	case err := <-errc:
		t.Fatalf("fault settled the request early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, h.Status().Pending)
	require.Equal(t, StateRunning, h.State())

	err := <-errc
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "slow", timeoutErr.Event)
	require.Equal(t, 0, h.Status().Pending)
}
