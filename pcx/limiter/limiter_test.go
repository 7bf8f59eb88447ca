package limiter

import (
	"net"
	"testing"
)

func TestWrapNoopWhenUnconfigured(t *testing.T) {
	c := New(0, nil)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	wrapped := c.Wrap(a)
	if wrapped != net.Conn(a) {
		t.Fatal("expected Wrap to be the identity function when no limiter is configured")
	}
}

func TestWrapReturnsDecoratedConn(t *testing.T) {
	c := New(1<<20, nil)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	wrapped := c.Wrap(a)
	if _, ok := wrapped.(*limitedConn); !ok {
		t.Fatalf("expected *limitedConn, got %T", wrapped)
	}
}
