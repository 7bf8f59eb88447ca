// Package app wires every component together the way the teacher's
// app/app.go does: load config, stand up storage, start the background
// workers, then watch the config file on a ticker for hot-reloadable
// changes. Unlike the teacher's per-rule listener lifecycle, this
// redirector has exactly one proxy chain to reload, so the hot-reload
// loop here rebuilds one chain.Dialer and swaps it into the worker
// instead of stopping/starting per-rule listeners.
//
// New is what cmd/shim's init() calls: it publishes the pcx/shim.State
// every interposer consults and returns the App whose Worker must then
// be run in its own goroutine before any connection is handed off.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"proxychains/pcx/audit"
	"proxychains/pcx/chain"
	"proxychains/pcx/common/logx"
	"proxychains/pcx/control"
	"proxychains/pcx/events"
	"proxychains/pcx/limiter"
	"proxychains/pcx/metrics"
	"proxychains/pcx/model"
	"proxychains/pcx/proxycfg"
	"proxychains/pcx/shim"
	"proxychains/pcx/worker"
)

var log = logx.New(logx.WithPrefix("app"))

const (
	reloadInterval = 30 * time.Second
	auditDSN       = "proxychains_audit.db"
)

// App owns every long-lived component cmd/shim's init() needs: the
// shared shim.State the connect/read/write/close interposers consult,
// the background Worker that dials and pumps bridges, and (optionally)
// the admin control plane.
type App struct {
	CfgPath string

	State   *shim.State
	Worker  *worker.Worker
	Events  *events.Hub
	Ledger  audit.Ledger
	Metrics metrics.Sink
	Control *control.Server

	controlAddr string

	Ctx    context.Context
	Cancel context.CancelFunc

	reloadGroup singleflight.Group
	Log         *logx.Logger
}

// New loads cfgPath, publishes the process-wide shim.State, and wires up
// every component that reads through it. It does not start any
// goroutines beyond what audit.Open, events.NewHub and
// metrics.NewInfluxSink already spawn internally; call Start to begin the
// worker and hot-reload loop.
func New(cfgPath string) (*App, error) {
	cfg, err := proxycfg.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	state := shim.Init(cfg)

	a := &App{
		CfgPath: cfgPath,
		State:   state,
		Log:     log,
	}

	dialer := &chain.Dialer{Cfg: cfg, Limiter: limiter.New(cfg.Limiter.GlobalBps, nil)}
	a.Worker = worker.New(cfg, state.Registry, state.Listener, dialer)

	if cfg.Control.Enabled {
		a.Events = events.NewHub()

		ledger, err := audit.Open(auditDSN)
		if err != nil {
			return nil, fmt.Errorf("app: open audit ledger: %w", err)
		}
		a.Ledger = ledger
		a.Worker.Ledger = a.Ledger

		sink, err := metrics.NewInfluxSink(cfg.Control.Influx)
		if err != nil {
			return nil, fmt.Errorf("app: open influx sink: %w", err)
		}
		if sink != nil {
			a.Metrics = sink
		} else {
			a.Metrics = metrics.NoopSink{}
		}

		// The worker only knows about one events.Publisher, so a fanout
		// feeds both the websocket hub and the metrics sink off the same
		// BridgeEvent stream instead of wiring Metrics into Worker directly.
		a.Worker.Events = fanoutPublisher{hub: a.Events, sink: a.Metrics}

		a.Control = control.New(state.Registry, a.Ledger, a.Events, cfg.Control)
		a.controlAddr = cfg.Control.ListenAddr
	} else {
		a.Ledger = audit.NoopLedger{}
		a.Metrics = metrics.NoopSink{}
		log.Infof("control plane disabled, audit/events/metrics are no-ops")
	}

	return a, nil
}

// Start runs the worker, the optional control server, and the
// hot-reload watcher until ctx is cancelled. It blocks until the worker
// has begun draining its listener, so a caller handing off connections
// immediately after Start returns (cmd/shim's init) never races the
// worker's startup.
func (a *App) Start(ctx context.Context) error {
	a.Ctx, a.Cancel = context.WithCancel(ctx)

	go func() {
		if err := a.Worker.Run(a.Ctx); err != nil {
			a.Log.Errorf("worker exited: %v", err)
		}
	}()
	<-a.Worker.Started()

	if a.Control != nil {
		go func() {
			if err := a.Control.Serve(a.Ctx, a.controlAddr); err != nil {
				a.Log.Errorf("control server on %s exited: %v", a.controlAddr, err)
			}
		}()
		a.Log.Infof("control plane listening on %s", a.controlAddr)
	}

	go a.watchAndHotReload(reloadInterval)
	a.Log.Infof("hot-reload watcher started (interval=%s)", reloadInterval)
	return nil
}

// Stop tears everything down in reverse order: stop accepting new
// connections, then flush the ledger and metrics sink.
func (a *App) Stop() {
	if a.Cancel != nil {
		a.Cancel()
	}
	a.State.Listener.Close()
	if a.Events != nil {
		a.Events.Close()
	}
	if a.Metrics != nil {
		a.Metrics.Close()
	}
	if err := a.Ledger.Close(); err != nil {
		a.Log.Warnf("ledger close: %v", err)
	}
}

// watchAndHotReload re-reads CfgPath on every tick and, if the proxy
// chain changed, builds a fresh Dialer and swaps it (and shim.State) in
// atomically. singleflight collapses a reload triggered by this ticker
// with one triggered by a concurrent manual request — pcx/control has no
// reload endpoint yet, but the dedup is free and the shape matches how
// a future one would hook in.
func (a *App) watchAndHotReload(interval time.Duration) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-a.Ctx.Done():
			a.Log.Debugf("hot-reload watcher exit")
			return
		case <-tk.C:
			if _, err, _ := a.reloadGroup.Do("reload", func() (any, error) {
				return nil, a.reloadOnce()
			}); err != nil {
				a.Log.Errorf("hot-reload: %v", err)
			}
		}
	}
}

func (a *App) reloadOnce() error {
	cfg, err := proxycfg.Load(a.CfgPath)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	cur := a.Worker.Cfg()
	if configEqual(cur, cfg) {
		return nil
	}

	a.Log.Infof("config changed, rebuilding dialer (mode=%s proxies=%d)", cfg.Mode, len(cfg.Proxies))
	dialer := &chain.Dialer{Cfg: cfg, Limiter: limiter.New(cfg.Limiter.GlobalBps, nil)}
	a.Worker.SetCfg(cfg)
	a.Worker.SetDialer(dialer)
	a.State.SetCfg(cfg)
	return nil
}

// fanoutPublisher lets pcx/worker publish to a single events.Publisher
// while both the websocket hub and the metrics sink observe every event.
type fanoutPublisher struct {
	hub  *events.Hub
	sink metrics.Sink
}

func (f fanoutPublisher) Publish(ev model.BridgeEvent) {
	f.hub.Publish(ev)
	f.sink.Observe(ev)
}

func configEqual(a, b *proxycfg.Config) bool {
	if a.Mode != b.Mode || a.ChainLen != b.ChainLen || len(a.Proxies) != len(b.Proxies) {
		return false
	}
	if a.Limiter.GlobalBps != b.Limiter.GlobalBps {
		return false
	}
	for i := range a.Proxies {
		if a.Proxies[i].Addr != b.Proxies[i].Addr {
			return false
		}
	}
	return true
}
