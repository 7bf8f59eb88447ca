package shim

import (
	"net/netip"
	"testing"

	"proxychains/pcx/addr"
	"proxychains/pcx/proxycfg"
)

func testConfig() *proxycfg.Config {
	return &proxycfg.Config{
		Mode: proxycfg.ModeStrict,
		Proxies: []proxycfg.Proxy{
			{Addr: netip.MustParseAddrPort("127.0.0.1:1080")},
		},
	}
}

func packSA(t *testing.T, ap netip.AddrPort) [14]byte {
	t.Helper()
	sa, err := addr.Pack(ap)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return sa
}

func TestOnConnectInterceptsNonProxyTarget(t *testing.T) {
	s := Init(testConfig())
	sa := packSA(t, netip.MustParseAddrPort("93.184.216.34:80"))

	if !s.OnConnect(5, sa) {
		t.Fatal("expected OnConnect to intercept a non-proxy target")
	}
	b, ok := s.Registry.Lookup(5)
	if !ok {
		t.Fatal("expected a bridge to be registered for fd 5")
	}
	if b.TargetAddr != netip.MustParseAddrPort("93.184.216.34:80") {
		t.Fatalf("bridge target = %v, want 93.184.216.34:80", b.TargetAddr)
	}
}

func TestOnConnectSkipsProxyEndpoint(t *testing.T) {
	s := Init(testConfig())
	sa := packSA(t, netip.MustParseAddrPort("127.0.0.1:1080"))

	if s.OnConnect(6, sa) {
		t.Fatal("expected OnConnect to not intercept a configured proxy endpoint")
	}
	if _, ok := s.Registry.Lookup(6); ok {
		t.Fatal("expected no bridge for a proxy-endpoint connect")
	}
}

func TestOnConnectDedupesExistingTarget(t *testing.T) {
	s := Init(testConfig())
	target := netip.MustParseAddrPort("93.184.216.34:80")
	sa := packSA(t, target)

	if !s.OnConnect(7, sa) {
		t.Fatal("first connect to a fresh target should intercept")
	}
	if s.OnConnect(8, sa) {
		t.Fatal("second connect to the same already-bridged target should not intercept")
	}
}

func TestOnWriteAndOnReadRoundTrip(t *testing.T) {
	s := Init(testConfig())
	sa := packSA(t, netip.MustParseAddrPort("93.184.216.34:80"))
	s.OnConnect(9, sa)

	n, intercepted := s.OnWrite(9, []byte("hello"))
	if !intercepted || n != 5 {
		t.Fatalf("OnWrite = (%d, %v), want (5, true)", n, intercepted)
	}

	b, _ := s.Registry.Lookup(9)
	go func() {
		_, _ = b.OutboundWriter().Write([]byte("world"))
	}()

	buf := make([]byte, 16)
	n, intercepted, err := s.OnRead(9, buf)
	if err != nil || !intercepted || string(buf[:n]) != "world" {
		t.Fatalf("OnRead = (%d, %v, %v) buf=%q", n, intercepted, err, buf[:n])
	}
}

func TestOnWriteOnReadNotInterceptedForUnknownFD(t *testing.T) {
	s := Init(testConfig())
	if _, intercepted := s.OnWrite(99, []byte("x")); intercepted {
		t.Fatal("expected OnWrite to fall through for an unregistered fd")
	}
	if _, intercepted, _ := s.OnRead(99, make([]byte, 4)); intercepted {
		t.Fatal("expected OnRead to fall through for an unregistered fd")
	}
}

func TestOnCloseTearsDownBridge(t *testing.T) {
	s := Init(testConfig())
	sa := packSA(t, netip.MustParseAddrPort("93.184.216.34:80"))
	s.OnConnect(10, sa)

	if !s.OnClose(10) {
		t.Fatal("expected OnClose to report intercepted for a registered fd")
	}
	if _, ok := s.Registry.Lookup(10); ok {
		t.Fatal("expected the bridge to be removed from the registry")
	}
	if s.OnClose(10) {
		t.Fatal("expected a second OnClose on the same fd to report not-intercepted")
	}
}

func TestCurrentReflectsLastInit(t *testing.T) {
	s := Init(testConfig())
	if Current() != s {
		t.Fatal("expected Current() to return the last State published by Init")
	}
}
