// Command relay is a middle worker: it owns a stringgen child, forwards
// string requests to it and reports a heartbeat counter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/danmuck/taskman/internal/app"
	"github.com/danmuck/taskman/internal/node"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/transport"
)

// settings arrive in the init data from the parent's config.
type settings struct {
	Stringgen  string   `json:"stringgen"`
	Args       []string `json:"args"`
	Interval   string   `json:"interval"`
	DrainDelay string   `json:"drain_delay"`
	EventEvery int      `json:"event_every"`

	interval   time.Duration
	drainDelay time.Duration
}

func defaultSettings() settings {
	return settings{
		Stringgen:  "./bin/stringgen",
		interval:   time.Second,
		drainDelay: 500 * time.Millisecond,
		EventEvery: 10,
	}
}

func parseSettings(raw json.RawMessage) (settings, error) {
	s := defaultSettings()
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("init data: %w", err)
	}
	var err error
	if s.Interval != "" {
		if s.interval, err = time.ParseDuration(s.Interval); err != nil {
			return s, fmt.Errorf("interval: %w", err)
		}
	}
	if s.DrainDelay != "" {
		if s.drainDelay, err = time.ParseDuration(s.DrainDelay); err != nil {
			return s, fmt.Errorf("drain_delay: %w", err)
		}
	}
	if s.interval <= 0 {
		return s, fmt.Errorf("interval must be positive")
	}
	return s, nil
}

func main() {
	os.Exit(app.Main("relay", setup))
}

func setup(ctx context.Context, a *app.App) error {
	cfg, err := parseSettings(a.Init().Data)
	if err != nil {
		return err
	}

	gen, err := a.CreateWorker(node.WorkerSpec{
		Name:  "stringgen",
		Entry: transport.Entry{Path: cfg.Stringgen, Args: cfg.Args},
	})
	if err != nil {
		return err
	}
	if err := gen.Start(ctx); err != nil {
		return err
	}

	var counter atomic.Int64
	counter.Store(1)

	a.On("counter", func(ctx context.Context, args protocol.Args) (any, error) {
		return counter.Load(), nil
	})
	a.On("string", func(ctx context.Context, args protocol.Args) (any, error) {
		return gen.Call(ctx, "string", args)
	})
	a.On("random_string", func(ctx context.Context, args protocol.Args) (any, error) {
		return gen.Call(ctx, "random_string", args)
	})

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go heartbeat(heartbeatCtx, a, cfg, &counter)

	a.OnShutdown(func(confirm func()) {
		stopHeartbeat()
		a.Log("relay draining, confirming in", cfg.drainDelay.String())
		time.AfterFunc(cfg.drainDelay, confirm)
	})
	return nil
}

// heartbeat advances the counter every interval and emits a tick event to
// the parent every EventEvery ticks.
func heartbeat(ctx context.Context, a *app.App, cfg settings, counter *atomic.Int64) {
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n := counter.Add(1)
		if cfg.EventEvery > 0 && n%int64(cfg.EventEvery) == 0 {
			if err := a.Node().Send(protocol.KindEvent, "tick", n); err != nil {
				a.Error("tick event:", err.Error())
			}
		}
	}
}
