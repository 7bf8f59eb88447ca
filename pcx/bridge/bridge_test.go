package bridge

import (
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"
)

func target(t *testing.T) netip.AddrPort {
	t.Helper()
	return netip.MustParseAddrPort("93.184.216.34:443")
}

func TestInboundReaderFirstPollPublishesWaker(t *testing.T) {
	b := New(3, target(t))
	ir := b.InboundReader()

	buf := make([]byte, 16)
	n, err := ir.Read(buf)
	if n != 0 || !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("first Read = (%d, %v), want (0, ErrWouldBlock)", n, err)
	}
	if ir.Wait() == nil {
		t.Fatal("expected a waker channel to be published after the first Read")
	}
}

func TestWriteBeforeFirstPollIsBufferedNotDropped(t *testing.T) {
	b := New(3, target(t))
	ir := b.InboundReader()

	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 16)
	// First poll only publishes the waker, per contract.
	if _, err := ir.Read(buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("first Read should still be ErrWouldBlock, got %v", err)
	}

	n, err := ir.Read(buf)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q (pre-waker write must not be dropped)", buf[:n], "hello")
	}
}

func TestWriteAfterPollWakesPump(t *testing.T) {
	b := New(3, target(t))
	ir := b.InboundReader()

	buf := make([]byte, 16)
	ir.Read(buf) // publish waker

	done := make(chan struct{})
	go func() {
		b.Write([]byte("payload"))
		close(done)
	}()
	<-done

	select {
	case <-ir.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected a wake signal after Write")
	}

	n, err := ir.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestReadDeliversOutbound(t *testing.T) {
	b := New(3, target(t))
	ow := b.OutboundWriter()
	if _, err := ow.Write([]byte("response")); err != nil {
		t.Fatalf("OutboundWriter.Write: %v", err)
	}

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "response" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestReadDeliversOutboundTailOnShortBuffer(t *testing.T) {
	b := New(3, target(t))
	ow := b.OutboundWriter()
	if _, err := ow.Write([]byte("0123456789")); err != nil {
		t.Fatalf("OutboundWriter.Write: %v", err)
	}

	var got []byte
	buf := make([]byte, 4)
	for len(got) < 10 {
		n, err := b.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "0123456789" {
		t.Fatalf("got %q, want the full chunk with no bytes dropped", got)
	}
}

func TestReadTimesOutWhenWorkerGone(t *testing.T) {
	b := New(3, target(t))
	b.SetWorkerDeadTimeout(20 * time.Millisecond)

	_, err := b.Read(make([]byte, 16))
	if !errors.Is(err, ErrWorkerGone) {
		t.Fatalf("got %v, want ErrWorkerGone", err)
	}
}

func TestCloseUnblocksReadAndWrite(t *testing.T) {
	b := New(3, target(t))
	b.Close()

	if _, err := b.Read(make([]byte, 16)); err != io.EOF {
		t.Fatalf("Read after close = %v, want io.EOF", err)
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after close = %v, want ErrClosed", err)
	}
}

func TestDoubleCloseIsSafe(t *testing.T) {
	b := New(3, target(t))
	b.Close()
	b.Close()
}
