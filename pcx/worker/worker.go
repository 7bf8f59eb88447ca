// Package worker is the dedicated background goroutine tree that drains
// pcx/connlistener, dials out through pcx/chain, and pumps bytes between
// each bridge and its tunnel. It generalizes the teacher's
// core/forward/tcp.go "auth, dial, pipe" shape and core/transport/pipe.go
// bidirectional copy loop from one proxied TCP accept to one bridge
// tunneled through an N-hop SOCKS5 chain.
package worker

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"proxychains/pcx/audit"
	"proxychains/pcx/bridge"
	"proxychains/pcx/chain"
	"proxychains/pcx/common/logx"
	"proxychains/pcx/common/ttime"
	"proxychains/pcx/connlistener"
	"proxychains/pcx/events"
	"proxychains/pcx/model"
	"proxychains/pcx/proxycfg"
	"proxychains/pcx/registry"
)

var log = logx.New(logx.WithPrefix("worker"))

// Worker owns the single consumer side of the listener queue and spawns
// one goroutine per bridge to dial and pump it. Events and Ledger are
// optional in the sense that New defaults them to events.NoopPublisher{}
// and audit.NoopLedger{}; handle calls both unconditionally, so neither
// may be set to nil.
//
// Cfg and Dialer live behind atomic pointers because pcx/app's hot-reload
// loop replaces both out from under in-flight handle() goroutines when
// the on-disk config changes; every other field is set once at New and
// never written again.
type Worker struct {
	cfg      atomic.Pointer[proxycfg.Config]
	dialer   atomic.Pointer[chain.Dialer]
	Registry *registry.Registry
	Listener *connlistener.Listener
	Events   events.Publisher
	Ledger   audit.Ledger

	started chan struct{}

	Log *logx.Logger
}

func New(cfg *proxycfg.Config, reg *registry.Registry, l *connlistener.Listener, d *chain.Dialer) *Worker {
	w := &Worker{
		Registry: reg,
		Listener: l,
		Events:   events.NoopPublisher{},
		Ledger:   audit.NoopLedger{},
		started:  make(chan struct{}),
		Log:      log,
	}
	w.cfg.Store(cfg)
	w.dialer.Store(d)
	return w
}

// Started is closed the instant Run begins draining the listener.
// cmd/shim's init() blocks on it before returning, satisfying spec.md
// §4.H's mandatory "don't hand off a connection before the worker is
// listening" startup ordering.
func (w *Worker) Started() <-chan struct{} { return w.started }

// SetCfg atomically swaps the config every future handle() call reads.
// Connections already mid-pump keep using the Dialer (and its own Cfg
// snapshot) they were handed at dial time.
func (w *Worker) SetCfg(cfg *proxycfg.Config) { w.cfg.Store(cfg) }

// SetDialer atomically swaps the dialer new connections use to pick
// hops; see SetCfg.
func (w *Worker) SetDialer(d *chain.Dialer) { w.dialer.Store(d) }

func (w *Worker) Cfg() *proxycfg.Config   { return w.cfg.Load() }
func (w *Worker) Dialer() *chain.Dialer { return w.dialer.Load() }

// Run drains the listener until it reports shutdown. Each entry gets its
// own goroutine, matching spec.md §4.G: "for each new bridge, spawn a
// task". Run blocks until the listener reports shutdown; pcx/app.Start
// calls it on its own goroutine (not pinned to an OS thread).
func (w *Worker) Run(ctx context.Context) error {
	select {
	case <-w.started:
	default:
		close(w.started)
	}
	for {
		entry, ok := w.Listener.Next(ctx)
		if !ok {
			w.Log.Infof("listener closed, worker exiting")
			return nil
		}
		go w.handle(ctx, entry)
	}
}

func (w *Worker) handle(ctx context.Context, entry connlistener.Entry) {
	b, ok := w.Registry.Lookup(entry.FD)
	if !ok {
		// Closed before the worker got to it.
		return
	}

	// Defense in depth: spec.md §9's second cycle-breaker. The shim
	// already refuses to register a bridge whose target is a configured
	// proxy, so this only ever fires if Cfg changed between OnConnect and
	// here (hot-reload race) — still worth refusing rather than dialing
	// into a now-proxy address.
	for _, p := range w.Cfg().Proxies {
		if p.SameEndpoint(entry.Target) {
			w.Log.Warnf("refusing to tunnel fd=%d target=%s: now a configured proxy endpoint", entry.FD, entry.Target)
			w.teardown(entry.FD, b, "target_is_proxy")
			return
		}
	}

	tunnel, err := w.Dialer().Dial(ctx, entry.Target)
	if err != nil {
		w.Log.Warnf("dial fd=%d target=%s failed: %v", entry.FD, entry.Target, err)
		w.Events.Publish(model.BridgeEvent{Kind: model.EventDialFailed, FD: entry.FD, Target: entry.Target, Reason: err.Error(), Timestamp: now()})
		// Bridge stays registered: spec.md §7's documented limitation —
		// a subsequent read(fd) now returns bridge.ErrWorkerGone once the
		// safety timeout elapses, rather than hanging forever.
		return
	}
	defer tunnel.Close()

	w.Events.Publish(model.BridgeEvent{Kind: model.EventOpened, FD: entry.FD, Target: entry.Target, Timestamp: now()})
	w.Ledger.RecordOpen(entry.FD, entry.Target, nil)

	up, down := w.pump(ctx, b, tunnel)

	w.Ledger.RecordBytes(entry.FD, up, down)
	w.Events.Publish(model.BridgeEvent{Kind: model.EventClosed, FD: entry.FD, Target: entry.Target, Up: up, Down: down, Timestamp: now()})
	w.Ledger.RecordClose(entry.FD, "eof")
	w.teardown(entry.FD, b, "eof")
}

// pump runs the two copy directions concurrently and returns the byte
// counts once both have terminated (peer EOF, pump error, or bridge
// close — spec.md §4.G).
func (w *Worker) pump(ctx context.Context, b *bridge.Bridge, tunnel io.ReadWriteCloser) (up, down int64) {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := io.Copy(tunnel, inboundReader{b})
		up = n
		// The inbound side ends on bridge close or a tunnel write error;
		// closing the tunnel then unblocks the other direction's Read.
		_ = tunnel.Close()
		return ignoreWouldBlock(err)
	})
	g.Go(func() error {
		n, err := io.Copy(b.OutboundWriter(), tunnel)
		down = n
		return err
	})

	if err := g.Wait(); err != nil && err != io.EOF {
		w.Log.Debugf("pump fd=%d ended: %v", b.FD, err)
	}
	return up, down
}

func (w *Worker) teardown(fd int, b *bridge.Bridge, reason string) {
	w.Registry.Remove(fd)
	_ = b.Close()
	w.Log.Debugf("fd=%d torn down: %s", fd, reason)
}

// inboundReader adapts bridge.InboundReader's ErrWouldBlock/Wait protocol
// onto io.Reader so io.Copy can drive it directly: within each call the
// first would-block result is retried immediately, and any later one waits
// on the published waker before retrying, rather than surfacing the
// sentinel error to the copy loop.
type inboundReader struct{ b *bridge.Bridge }

func (r inboundReader) Read(p []byte) (int, error) {
	ir := r.b.InboundReader()
	firstPoll := true
	for {
		n, err := ir.Read(p)
		if err != bridge.ErrWouldBlock {
			return n, err
		}
		// The very first ErrWouldBlock only means this call just
		// published the waker — it says nothing about whether data is
		// already pending, so retry immediately once before committing
		// to a blocking wait on it.
		if firstPoll {
			firstPoll = false
			continue
		}
		if wait := ir.Wait(); wait != nil {
			<-wait
		}
	}
}

func now() ttime.TimeFormat {
	return ttime.TimeFormat{Time: time.Now(), Format: ttime.FormatDateTime}
}

func ignoreWouldBlock(err error) error {
	if err == bridge.ErrWouldBlock {
		return nil
	}
	return err
}
