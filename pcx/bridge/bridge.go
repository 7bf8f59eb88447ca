// Package bridge is a virtual, in-process duplex stream standing in for a
// socket the shim has intercepted: the shim's write() interposer feeds one
// side, the worker's copy pump drains it and fills the other side, and the
// shim's read() interposer drains that. It is a Go channel translation of
// original_source/src/connection.rs's futures AsyncRead/AsyncWrite Reader
// and Writer, which poll a pair of std::sync::mpsc channels.
package bridge

import (
	"errors"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWouldBlock is InboundReader.Read's "not ready yet" signal — the
// worker pump must not treat it as an error, only as a cue to wait on
// Wait() and retry.
var ErrWouldBlock = errors.New("bridge: would block")

// ErrWorkerGone is returned by Read once workerDeadTimeout has elapsed
// with no data arriving from the worker's pump — see the §9 redesign note
// on Bridge.Read.
var ErrWorkerGone = errors.New("bridge: worker gone")

var ErrClosed = errors.New("bridge: closed")

const defaultWorkerDeadTimeout = 10 * time.Minute

// Bridge is safe for concurrent use by exactly one shim thread and one
// worker pump goroutine pair, per the spec's single-bridge-per-fd model.
type Bridge struct {
	FD         int
	TargetAddr netip.AddrPort

	inbound  chan []byte // shim Write -> worker pump (via InboundReader)
	outbound chan []byte // worker pump (via OutboundWriter) -> shim Read

	readerWaker atomic.Pointer[chan struct{}]

	// REDESIGN (spec §9): a Write that arrives before InboundReader's
	// first poll is buffered here instead of being silently dropped.
	pending   [][]byte
	pendingMu sync.Mutex

	// outPending holds the unconsumed tail of an outbound chunk too big
	// for the caller's Read buffer, mirroring pending/drainPending above.
	outPending   [][]byte
	outPendingMu sync.Mutex

	workerDeadTimeout time.Duration

	closed    chan struct{}
	closeOnce sync.Once

	ir *InboundReader
}

func New(fd int, target netip.AddrPort) *Bridge {
	b := &Bridge{
		FD:                fd,
		TargetAddr:        target,
		inbound:           make(chan []byte, 64),
		outbound:          make(chan []byte, 64),
		workerDeadTimeout: defaultWorkerDeadTimeout,
		closed:            make(chan struct{}),
	}
	b.ir = &InboundReader{b: b}
	return b
}

// SetWorkerDeadTimeout overrides the default Read safety timeout; zero
// disables the timeout (blocks forever, the literal spec.md behavior —
// useful for tests that want to assert on that boundary directly).
func (b *Bridge) SetWorkerDeadTimeout(d time.Duration) { b.workerDeadTimeout = d }

// InboundReader is consumed by the worker's copy pump (pcx/worker) to pull
// bytes the shim's write() interposer has handed to the bridge.
type InboundReader struct {
	b *Bridge
}

func (b *Bridge) InboundReader() *InboundReader { return b.ir }

// OutboundWriter is consumed by the worker's copy pump to push bytes that
// the shim's read() interposer will later hand back to the target
// process.
func (b *Bridge) OutboundWriter() io.Writer { return outboundWriter{b} }

type outboundWriter struct{ b *Bridge }

func (w outboundWriter) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	select {
	case w.b.outbound <- data:
		return len(p), nil
	case <-w.b.closed:
		return 0, ErrClosed
	}
}

// Read implements the first-poll-publishes-a-waker contract: the first
// call creates and publishes a waker channel, then returns ErrWouldBlock
// without touching the queue. Every call after that drains pending writes
// first (REDESIGN, see the pending field), then the inbound channel,
// non-blockingly — ErrWouldBlock again if nothing is ready.
func (r *InboundReader) Read(p []byte) (int, error) {
	b := r.b
	if b.readerWaker.Load() == nil {
		ch := make(chan struct{}, 1)
		b.readerWaker.Store(&ch)
		return 0, ErrWouldBlock
	}

	if n, ok := b.drainPending(p); ok {
		return n, nil
	}

	select {
	case chunk, ok := <-b.inbound:
		if !ok {
			return 0, io.EOF
		}
		return b.deliver(p, chunk), nil
	case <-b.closed:
		return 0, io.EOF
	default:
		return 0, ErrWouldBlock
	}
}

// Wait returns the channel the pump should block on after an
// ErrWouldBlock from Read, or nil if Read was never called first.
func (r *InboundReader) Wait() <-chan struct{} {
	wp := r.b.readerWaker.Load()
	if wp == nil {
		return nil
	}
	return *wp
}

func (b *Bridge) drainPending(p []byte) (int, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if len(b.pending) == 0 {
		return 0, false
	}
	chunk := b.pending[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		b.pending[0] = chunk[n:]
	} else {
		b.pending = b.pending[1:]
	}
	return n, true
}

func (b *Bridge) deliver(p, chunk []byte) int {
	n := copy(p, chunk)
	if n < len(chunk) {
		b.pendingMu.Lock()
		b.pending = append([][]byte{chunk[n:]}, b.pending...)
		b.pendingMu.Unlock()
	}
	return n
}

// Write is called by the shim's write() interposer. It never blocks for
// long: if the pump hasn't started polling yet, the chunk is buffered; if
// the bridge is closed, it fails.
func (b *Bridge) Write(p []byte) (int, error) {
	select {
	case <-b.closed:
		return 0, ErrClosed
	default:
	}

	data := append([]byte(nil), p...)
	wp := b.readerWaker.Load()
	if wp == nil {
		b.pendingMu.Lock()
		b.pending = append(b.pending, data)
		b.pendingMu.Unlock()
		return len(p), nil
	}

	select {
	case b.inbound <- data:
	case <-b.closed:
		return 0, ErrClosed
	}

	// Idempotent wake: a send that would block because a token is
	// already pending is simply dropped.
	select {
	case *wp <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Read is called by the shim's read() interposer. It blocks until the
// worker pump has produced a chunk, the bridge is closed, or
// workerDeadTimeout elapses (the §9 redesign: a synchronous receive with
// no timeout deadlocks permanently if the worker goroutine has died).
// A chunk larger than p is never truncated: the unconsumed tail is
// stashed in outPending and returned by the next call, mirroring
// InboundReader.Read/deliver's handling of the inbound side.
func (b *Bridge) Read(p []byte) (int, error) {
	if n, ok := b.drainOutPending(p); ok {
		return n, nil
	}

	var timeoutC <-chan time.Time
	if b.workerDeadTimeout > 0 {
		t := time.NewTimer(b.workerDeadTimeout)
		defer t.Stop()
		timeoutC = t.C
	}
	select {
	case chunk, ok := <-b.outbound:
		if !ok {
			return 0, io.EOF
		}
		return b.deliverOut(p, chunk), nil
	case <-b.closed:
		return 0, io.EOF
	case <-timeoutC:
		return 0, ErrWorkerGone
	}
}

func (b *Bridge) drainOutPending(p []byte) (int, bool) {
	b.outPendingMu.Lock()
	defer b.outPendingMu.Unlock()
	if len(b.outPending) == 0 {
		return 0, false
	}
	chunk := b.outPending[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		b.outPending[0] = chunk[n:]
	} else {
		b.outPending = b.outPending[1:]
	}
	return n, true
}

func (b *Bridge) deliverOut(p, chunk []byte) int {
	n := copy(p, chunk)
	if n < len(chunk) {
		b.outPendingMu.Lock()
		b.outPending = append([][]byte{chunk[n:]}, b.outPending...)
		b.outPendingMu.Unlock()
	}
	return n
}

// Close tears the bridge down: both channels stop accepting new data and
// any blocked Read/Write returns. A pump parked on the published waker is
// woken so its next InboundReader.Read reports io.EOF. Idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		if wp := b.readerWaker.Load(); wp != nil {
			select {
			case *wp <- struct{}{}:
			default:
			}
		}
	})
	return nil
}
