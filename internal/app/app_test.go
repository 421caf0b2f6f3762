package app

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/taskman/internal/node"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/testutil/testlog"
	"github.com/danmuck/taskman/internal/transport"
	"github.com/danmuck/taskman/internal/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testOptions = worker.Options{Timeout: time.Second}

func newTree(t *testing.T) (*node.Node, *transport.MemSpawner) {
	t.Helper()
	mem := transport.NewMemSpawner()
	top := node.New(node.Options{Name: "main", Spawner: mem, WorkerDefaults: testOptions})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = top.Close(ctx)
	})
	return top, mem
}

func startWorker(t *testing.T, top *node.Node, name, path string) *worker.Handle {
	t.Helper()
	h, err := top.CreateWorker(node.WorkerSpec{Name: name, Entry: transport.Entry{Path: path}})
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	return h
}

func TestOnDispatchesNamedHandlers(t *testing.T) {
	testlog.Start(t)
	top, mem := newTree(t)
	mem.Register("leaf", Program(mem, testOptions, func(ctx context.Context, a *App) error {
		a.On("sum", func(ctx context.Context, args protocol.Args) (any, error) {
			var x, y int
			if err := args.Decode(0, &x); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &y); err != nil {
				return nil, err
			}
			return x + y, nil
		})
		a.On("whoami", func(ctx context.Context, args protocol.Args) (any, error) {
			return a.Init().Path, nil
		})
		return nil
	}))
	startWorker(t, top, "leaf", "leaf")

	got, err := top.Request(context.Background(), "leaf", "sum", 40, 2)
	require.NoError(t, err)
	require.JSONEq(t, "42", string(got))

	got, err = top.Request(context.Background(), "leaf", "whoami")
	require.NoError(t, err)
	require.JSONEq(t, `"leaf"`, string(got))

	_, err = top.Request(context.Background(), "leaf", "nope")
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "no handler for event nope", remote.Message)
}

func TestShutdownConfirmIsIdempotent(t *testing.T) {
	testlog.Start(t)
	a := New(node.New(node.Options{Spawner: transport.NewMemSpawner()}), transport.Init{Name: "main"})
	var calls atomic.Int32
	a.OnShutdown(func(confirm func()) {
		calls.Add(1)
		confirm()
		confirm()
	})
	a.OnShutdown(func(confirm func()) {
		calls.Add(1)
		go func() {
			time.Sleep(20 * time.Millisecond)
			confirm()
		}()
		confirm()
	})

	require.NoError(t, a.Shutdown(context.Background()))
	require.Equal(t, int32(2), calls.Load())
	time.Sleep(40 * time.Millisecond)
}

func TestShutdownAggregatesFailures(t *testing.T) {
	testlog.Start(t)
	a := New(node.New(node.Options{Spawner: transport.NewMemSpawner()}), transport.Init{Name: "main"})
	a.OnShutdown(func(confirm func()) { panic("disk flush failed") })
	a.OnShutdown(func(confirm func()) { confirm() })
	a.OnShutdown(func(confirm func()) { panic("queue drain failed") })

	err := a.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrShutdownFailed)
	require.Contains(t, err.Error(), "disk flush failed")
	require.Contains(t, err.Error(), "queue drain failed")
}

func TestShutdownConfirmBeforePanicCounts(t *testing.T) {
	testlog.Start(t)
	a := New(node.New(node.Options{Spawner: transport.NewMemSpawner()}), transport.Init{Name: "main"})
	a.OnShutdown(func(confirm func()) {
		confirm()
		panic("after confirm")
	})
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestShutdownStopsWaitingWhenContextEnds(t *testing.T) {
	testlog.Start(t)
	a := New(node.New(node.Options{Spawner: transport.NewMemSpawner()}), transport.Init{Name: "main"})
	a.OnShutdown(func(confirm func()) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.Shutdown(ctx)
	require.ErrorIs(t, err, ErrShutdownFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownDirectiveDrainsChild(t *testing.T) {
	testlog.Start(t)
	top, mem := newTree(t)
	drained := make(chan string, 1)
	mem.Register("leaf", Program(mem, testOptions, func(ctx context.Context, a *App) error {
		a.OnShutdown(func(confirm func()) {
			drained <- a.Name()
			confirm()
		})
		return nil
	}))
	h := startWorker(t, top, "leaf", "leaf")

	require.NoError(t, h.Shutdown(context.Background()))
	require.Equal(t, "leaf", <-drained)
	require.Equal(t, worker.StateNotStarted, h.State())
}

func TestShutdownDirectiveFailureStillKills(t *testing.T) {
	testlog.Start(t)
	top, mem := newTree(t)
	mem.Register("leaf", Program(mem, testOptions, func(ctx context.Context, a *App) error {
		a.OnShutdown(func(confirm func()) { panic("cannot drain") })
		return nil
	}))
	h := startWorker(t, top, "leaf", "leaf")

	err := h.Shutdown(context.Background())
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Message, "cannot drain")
	require.Equal(t, worker.StateNotStarted, h.State())
}

func TestLifecycleDirectivesApplyToOwnWorkers(t *testing.T) {
	testlog.Start(t)
	top, mem := newTree(t)
	mem.Register("leaf", Program(mem, testOptions, nil))
	mem.Register("mid", Program(mem, testOptions, func(ctx context.Context, a *App) error {
		a.On("workers", func(ctx context.Context, args protocol.Args) (any, error) {
			return a.Node().Workers(), nil
		})
		for _, name := range []string{"s1", "s2"} {
			h, err := a.CreateWorker(node.WorkerSpec{Name: name, Entry: transport.Entry{Path: "leaf"}})
			if err != nil {
				return err
			}
			if err := h.Start(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
	startWorker(t, top, "mid", "mid")

	got, err := top.Control(context.Background(), "mid", protocol.DirectiveRestartForced, "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"ok","workers":["s1"]}`, string(got))

	raw, err := top.Request(context.Background(), "mid", "workers")
	require.NoError(t, err)
	var statuses []worker.Status
	require.NoError(t, json.Unmarshal(raw, &statuses))
	require.Len(t, statuses, 2)
	require.Equal(t, uint64(2), statuses[0].Generation)
	require.Equal(t, uint64(1), statuses[1].Generation)

	_, err = top.Control(context.Background(), "mid", protocol.DirectiveRestart)
	require.NoError(t, err)

	_, err = top.Control(context.Background(), "mid", protocol.DirectiveKill, "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "worker not found: missing")
}

func TestLogSenderMapsLevelToKind(t *testing.T) {
	testlog.Start(t)
	parent, child := transport.Pipe()
	defer func() {
		_ = child.Close()
		_ = parent.Close()
	}()

	send := logSender(child)
	require.NoError(t, send(false, "INF started"))
	require.NoError(t, send(true, "ERR handler failed"))

	first := <-parent.Messages()
	require.Equal(t, protocol.KindLog, first.Kind)
	require.Equal(t, "INF started", first.Data.Text())
	second := <-parent.Messages()
	require.Equal(t, protocol.KindErrorLog, second.Kind)
	require.Equal(t, "ERR handler failed", second.Data.Text())
}
