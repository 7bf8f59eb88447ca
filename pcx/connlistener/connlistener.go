// Package connlistener queues intercepted connections for the background
// worker to pick up, one at a time. It is a direct translation of
// original_source/src/connection_listener.rs's Stream/Poll machinery: Go
// has no stackless-poll executor to preserve, so the "first poll
// publishes a waker, subsequent polls drain" dance collapses to a
// buffered channel — but the one-shot rendezvous requirement (the shim
// must not enqueue before the worker is listening) is kept by having
// cmd/shim's init() block on the worker's startup signal before handing
// off any connection.
package connlistener

import (
	"context"
	"net/netip"
)

type Entry struct {
	FD     int
	Target netip.AddrPort
}

type Listener struct {
	entries chan Entry
	closed  chan struct{}
}

func New(buf int) *Listener {
	return &Listener{
		entries: make(chan Entry, buf),
		closed:  make(chan struct{}),
	}
}

// Enqueue is called from the shim side. It reports false if the listener
// has been closed; the caller should then fall back to an unintercepted
// connect.
func (l *Listener) Enqueue(e Entry) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.entries <- e:
		return true
	case <-l.closed:
		return false
	}
}

// Next is called from the worker side. It returns (Entry{}, false) on
// shutdown or context cancellation — reserved for "no more items",
// matching spec.md §4.F. A closed listener still drains whatever was
// already queued before reporting (Entry{}, false).
func (l *Listener) Next(ctx context.Context) (Entry, bool) {
	select {
	case e := <-l.entries:
		return e, true
	default:
	}
	select {
	case e := <-l.entries:
		return e, true
	case <-l.closed:
		select {
		case e := <-l.entries:
			return e, true
		default:
			return Entry{}, false
		}
	case <-ctx.Done():
		return Entry{}, false
	}
}

func (l *Listener) Close() {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
}
