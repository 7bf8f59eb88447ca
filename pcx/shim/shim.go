// Package shim is the pure-Go decision layer behind the four
// ABI-compatible syscall replacements (connect, read, write, close): it owns the process-wide registry,
// listener and config behind a single atomic slot (spec.md §9's "re-
// architect as an init-returned context... single OnceCell-style
// process-wide slot") and decides, per call, whether a descriptor should
// be hijacked. cmd/shim's cgo shell is the only thing that calls into
// real libc; this package never does.
package shim

import (
	"io"
	"sync/atomic"

	"proxychains/pcx/addr"
	"proxychains/pcx/bridge"
	"proxychains/pcx/connlistener"
	"proxychains/pcx/proxycfg"
	"proxychains/pcx/registry"
)

// State is the single process-wide slot every interposer call reads. It
// is read-mostly: Init publishes it once, and every target thread only
// ever reads through State's own concurrency-safe members afterward.
// Cfg is behind its own atomic pointer because pcx/app's hot-reload loop
// replaces it in place once the process is up, rather than publishing an
// entirely new State — a fresh State would mean a fresh Registry and
// Listener, orphaning every bridge the running worker already owns.
type State struct {
	cfg      atomic.Pointer[proxycfg.Config]
	Registry *registry.Registry
	Listener *connlistener.Listener
}

var current atomic.Pointer[State]

// Init builds a fresh State and publishes it. It does not start the
// worker goroutine — that is pcx/app's job (App.Start), after it has this
// State to hand the worker.
func Init(cfg *proxycfg.Config) *State {
	s := &State{
		Registry: &registry.Registry{},
		Listener: connlistener.New(64),
	}
	s.cfg.Store(cfg)
	current.Store(s)
	return s
}

// Cfg returns the config currently in effect.
func (s *State) Cfg() *proxycfg.Config { return s.cfg.Load() }

// SetCfg swaps the config a live State consults, for pcx/app's
// hot-reload loop. It never touches Registry or Listener, so in-flight
// bridges are unaffected.
func (s *State) SetCfg(cfg *proxycfg.Config) { s.cfg.Store(cfg) }

// Current returns the published State, or nil if Init hasn't run yet —
// every interposer must treat a nil State as "fall through to real libc",
// never panic (a target calling connect before the constructor finished
// would otherwise crash the host process).
func Current() *State { return current.Load() }

// OnConnect decides whether fd's connect(2) call should be hijacked. It
// always returns a decision, never touches the real socket itself — the
// caller (cmd/shim) is responsible for always still invoking the real
// connect regardless of this return value, per spec.md §4.H.
func (s *State) OnConnect(fd int, sa [14]byte) (intercepted bool) {
	target, err := addr.Unpack(sa)
	if err != nil {
		return false
	}

	// The spec's only cycle-breaker: never hijack a connect whose
	// destination is itself one of the configured proxy hops, or the
	// dialer's own TCP to that hop would recurse (spec.md §4.C/§9).
	for _, p := range s.Cfg().Proxies {
		if p.SameEndpoint(target) {
			return false
		}
	}

	var dup bool
	s.Registry.Each(func(_ int, b *bridge.Bridge) {
		if b.TargetAddr == target {
			dup = true
		}
	})
	if dup {
		return false
	}

	b := bridge.New(fd, target)
	if !s.Registry.Insert(fd, b) {
		// Lost a race with another connect() on the same fd; whichever
		// bridge is already registered owns it, so this call forwards.
		return false
	}
	s.Listener.Enqueue(connlistener.Entry{FD: fd, Target: target})
	return true
}

// OnWrite looks fd up in the registry. If present, it hands buf to the
// bridge's inbound side (never a partial write — see spec.md §4.H) and
// reports intercepted=true; the caller must not also forward to real
// write in that case.
func (s *State) OnWrite(fd int, buf []byte) (n int, intercepted bool) {
	b, ok := s.Registry.Lookup(fd)
	if !ok {
		return 0, false
	}
	n, _ = b.Write(buf)
	return n, true
}

// OnRead looks fd up in the registry. If present, it blocks on the
// bridge's outbound side until the worker has produced a chunk, the
// bridge closes, or the worker-dead safety timeout fires (spec.md §9).
func (s *State) OnRead(fd int, buf []byte) (n int, intercepted bool, err error) {
	b, ok := s.Registry.Lookup(fd)
	if !ok {
		return 0, false, nil
	}
	n, err = b.Read(buf)
	if err == io.EOF {
		return n, true, io.EOF
	}
	return n, true, err
}

// OnClose is the §4.E/§9 redesign the original source never implemented:
// it tears the bridge down so its pump task and channels are released
// instead of leaking until process exit. The caller still always invokes
// the real close(2) regardless of this return value.
func (s *State) OnClose(fd int) (intercepted bool) {
	b, ok := s.Registry.Remove(fd)
	if !ok {
		return false
	}
	_ = b.Close()
	return true
}
