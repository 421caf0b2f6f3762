package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/taskman/internal/logging"
	"github.com/danmuck/taskman/internal/node"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/transport"
	"github.com/danmuck/taskman/internal/worker"
	"github.com/rs/zerolog/log"
)

// Setup registers handlers and creates workers before the app serves.
type Setup func(ctx context.Context, a *App) error

// Program runs an App as an in-memory worker.
func Program(spawner transport.Spawner, opts worker.Options, setup Setup) transport.Program {
	return func(ctx context.Context, link transport.Link, init transport.Init) error {
		n := node.New(node.Options{
			Name:           init.Name,
			Path:           init.Path,
			Upstream:       link,
			Spawner:        spawner,
			WorkerDefaults: opts,
		})
		a := New(n, init)
		if setup != nil {
			if err := setup(ctx, a); err != nil {
				return errors.Join(err, a.Close())
			}
		}
		return a.Run(ctx)
	}
}

// Main is the body of a worker binary and returns its exit code. Spawned by
// a parent, the process serves the stdio link and relays its logs upward;
// run directly, it is the top of its own tree until interrupted.
func Main(name string, setup Setup) int {
	init, spawned, err := transport.InitFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	var link transport.Link
	if spawned {
		link = transport.StdioLink()
		logging.ConfigureWorker(logging.NewUpstreamWriter(logSender(link)))
		name = init.Name
	} else {
		logging.ConfigureRuntime()
		init = transport.Init{Name: name}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.New(node.Options{
		Name:           name,
		Path:           init.Path,
		Upstream:       link,
		Spawner:        transport.NewSpawner(),
		WorkerDefaults: worker.DefaultOptions(),
	})
	a := New(n, init)
	if setup != nil {
		if err := setup(ctx, a); err != nil {
			log.Error().Err(err).Str("node", name).Msg("setup failed")
			_ = a.Close()
			return 1
		}
	}
	log.Info().Str("node", name).Str("path", init.Path).Bool("spawned", spawned).Msg("worker ready")
	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Str("node", name).Msg("worker stopped with error")
		return 1
	}
	return 0
}

// logSender relays rendered log lines to the parent as log or error-log
// messages.
func logSender(link transport.Link) logging.SendFunc {
	return func(errorLevel bool, text string) error {
		kind := protocol.KindLog
		if errorLevel {
			kind = protocol.KindErrorLog
		}
		args, err := protocol.EncodeArgs(text)
		if err != nil {
			return err
		}
		return link.Send(protocol.Message{Kind: kind, Data: args})
	}
}
