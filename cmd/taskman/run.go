package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/taskman/internal/app"
	"github.com/danmuck/taskman/internal/config"
	"github.com/danmuck/taskman/internal/node"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/server"
	"github.com/danmuck/taskman/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(resolve func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the configured worker tree and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolve())
			if err != nil {
				return err
			}
			return runTree(cmd.Context(), cfg, transport.NewSpawner())
		},
	}
}

// tree is the top node of a running config.
type tree struct {
	app    *app.App
	server *server.Server
}

// buildTree registers every configured worker on a fresh top node. Nothing
// is started yet.
func buildTree(cfg config.Config, spawner transport.Spawner) (*tree, error) {
	top := node.New(node.Options{
		Name:           cfg.Name,
		Spawner:        spawner,
		WorkerDefaults: cfg.Defaults,
	})
	top.OnEvent(func(source string, msg protocol.Message) {
		log.Info().Str("source", source).Str("event", msg.Event).Str("data", msg.Data.Text()).Msg("worker event")
	})
	a := app.New(top, transport.Init{Name: cfg.Name})

	for _, wc := range cfg.Workers {
		if _, err := a.CreateWorker(wc.Spec(cfg.Defaults)); err != nil {
			return nil, errors.Join(err, a.Close())
		}
	}

	t := &tree{app: a}
	if cfg.Admin.Enabled {
		t.server = server.New(top, server.Options{Addr: cfg.Admin.Addr, CorsOrigins: cfg.Admin.CorsOrigins})
	}
	return t, nil
}

// startAutostart starts the autostart workers. A worker that fails to start
// is logged and left stopped so the rest of the tree still comes up.
func (t *tree) startAutostart(ctx context.Context, cfg config.Config) int {
	started := 0
	for _, wc := range cfg.Workers {
		if !wc.Autostart {
			continue
		}
		h, err := t.app.Node().Worker(wc.Name)
		if err != nil {
			log.Error().Err(err).Str("worker", wc.Name).Msg("autostart lookup failed")
			continue
		}
		if err := h.Start(ctx); err != nil {
			log.Error().Err(err).Str("worker", wc.Name).Msg("autostart failed")
			continue
		}
		started++
	}
	return started
}

func runTree(ctx context.Context, cfg config.Config, spawner transport.Spawner) error {
	t, err := buildTree(cfg, spawner)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if t.server != nil {
		g.Go(func() error {
			if err := t.server.Serve(gctx); err != nil {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
	}

	started := t.startAutostart(gctx, cfg)
	if t.server != nil {
		t.server.SetReady(true)
	}
	log.Info().
		Str("node", cfg.Name).
		Int("workers", len(cfg.Workers)).
		Int("started", started).
		Msg("tree running")

	g.Go(func() error {
		begin := time.Now()
		err := t.app.Run(gctx)
		log.Info().Str("node", cfg.Name).Dur("uptime", time.Since(begin)).Msg("tree stopped")
		return err
	})
	return g.Wait()
}
