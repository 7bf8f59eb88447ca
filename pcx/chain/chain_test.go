package chain

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"proxychains/pcx/proxycfg"
)

// mockSocks5 accepts one connection, performs the greeting (always
// selecting NO-AUTH unless requireAuth is set), reads one CONNECT request,
// and replies success with a zero BND.ADDR/BND.PORT. It never relays
// payload bytes — these tests only exercise the handshake. When
// requireAuth and rejectAuth are both set, it replies with a non-zero
// auth status instead of ever reaching the CONNECT step.
func mockSocks5(t *testing.T, requireAuth, rejectAuth bool, gotConnect chan<- netip.AddrPort) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greet := make([]byte, 4)
		if _, err := io.ReadFull(conn, greet); err != nil {
			return
		}
		method := byte(s5MethodNoAuth)
		if requireAuth {
			method = s5MethodUserPass
		}
		conn.Write([]byte{0x05, method})

		if requireAuth {
			hdr := make([]byte, 2)
			if _, err := io.ReadFull(conn, hdr); err != nil {
				return
			}
			user := make([]byte, hdr[1])
			io.ReadFull(conn, user)
			plen := make([]byte, 1)
			io.ReadFull(conn, plen)
			pass := make([]byte, plen[0])
			io.ReadFull(conn, pass)
			if rejectAuth {
				conn.Write([]byte{0x01, 0x01})
				return
			}
			conn.Write([]byte{0x01, 0x00})
		}

		hdr := make([]byte, 4)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		var addr netip.Addr
		var port uint16
		switch hdr[3] {
		case 0x01:
			b := make([]byte, 4)
			io.ReadFull(conn, b)
			addr = netip.AddrFrom4([4]byte(b))
		case 0x04:
			b := make([]byte, 16)
			io.ReadFull(conn, b)
			addr = netip.AddrFrom16([16]byte(b))
		}
		pb := make([]byte, 2)
		io.ReadFull(conn, pb)
		port = uint16(pb[0])<<8 | uint16(pb[1])
		if gotConnect != nil {
			gotConnect <- netip.AddrPortFrom(addr, port)
		}
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()
	return ln
}

func TestDialStrictSingleHop(t *testing.T) {
	got := make(chan netip.AddrPort, 1)
	ln := mockSocks5(t, false, false, got)
	defer ln.Close()

	cfg := &proxycfg.Config{
		Mode: proxycfg.ModeStrict,
		Proxies: []proxycfg.Proxy{
			{Addr: netip.MustParseAddrPort(ln.Addr().String())},
		},
	}
	d := &Dialer{Cfg: cfg}
	target := netip.MustParseAddrPort("93.184.216.34:80")

	conn, err := d.Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case addr := <-got:
		if addr != target {
			t.Fatalf("proxy saw CONNECT to %s, want %s", addr, target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CONNECT")
	}
}

func TestDialAuthRejected(t *testing.T) {
	ln := mockSocks5(t, true, true, nil)
	defer ln.Close()

	cfg := &proxycfg.Config{
		Mode: proxycfg.ModeStrict,
		Proxies: []proxycfg.Proxy{
			{Addr: netip.MustParseAddrPort(ln.Addr().String())},
		},
	}
	d := &Dialer{Cfg: cfg}

	_, err := d.Dial(context.Background(), netip.MustParseAddrPort("1.2.3.4:80"))
	if err == nil {
		t.Fatal("expected dial to fail when the proxy rejects auth")
	}
	var de *DialError
	if !asDialError(err, &de) || de.Kind != AuthRejected {
		t.Fatalf("got %v, want AuthRejected", err)
	}
}

func TestSampleRandomBadChainLen(t *testing.T) {
	cfg := &proxycfg.Config{
		Mode:     proxycfg.ModeRandom,
		ChainLen: 3,
		Proxies: []proxycfg.Proxy{
			{Addr: netip.MustParseAddrPort("127.0.0.1:1")},
		},
	}
	d := &Dialer{Cfg: cfg}
	_, err := d.sampleRandom()
	var de *DialError
	if err == nil {
		t.Fatal("expected BadChainLen error")
	}
	if ok := asDialError(err, &de); !ok || de.Kind != BadChainLen {
		t.Fatalf("got %v, want BadChainLen", err)
	}
}

func asDialError(err error, target **DialError) bool {
	if de, ok := err.(*DialError); ok {
		*target = de
		return true
	}
	return false
}

func TestProbeLiveNoLiveProxies(t *testing.T) {
	cfg := &proxycfg.Config{
		Mode: proxycfg.ModeDynamic,
		Proxies: []proxycfg.Proxy{
			{Addr: netip.MustParseAddrPort("127.0.0.1:1")},
		},
	}
	d := &Dialer{Cfg: cfg}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := d.probeLive(ctx)
	if err == nil {
		t.Fatal("expected NoLiveProxies error when nothing listens on the configured port")
	}
}
