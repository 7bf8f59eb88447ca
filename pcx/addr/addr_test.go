package addr

import (
	"net/netip"
	"testing"
)

func TestUnpack(t *testing.T) {
	sa := [14]byte{0x1F, 0x90, 127, 0, 0, 1}
	ap, err := Unpack(sa)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	want := netip.MustParseAddrPort("127.0.0.1:8080")
	if ap != want {
		t.Fatalf("got %s, want %s", ap, want)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []string{
		"0.0.0.0:0",
		"127.0.0.1:1",
		"192.168.1.254:65535",
		"255.255.255.255:443",
	}
	for _, c := range cases {
		ap := netip.MustParseAddrPort(c)
		sa, err := Pack(ap)
		if err != nil {
			t.Fatalf("pack(%s): %v", c, err)
		}
		got, err := Unpack(sa)
		if err != nil {
			t.Fatalf("unpack after pack(%s): %v", c, err)
		}
		if got != ap {
			t.Fatalf("round trip mismatch: got %s, want %s", got, ap)
		}
	}
}

func TestPackRejectsIPv6(t *testing.T) {
	ap := netip.MustParseAddrPort("[2001:db8::1]:80")
	if _, err := Pack(ap); err == nil {
		t.Fatal("expected ErrNotIPv4 for an IPv6 address")
	}
}

func TestPackZeroPads(t *testing.T) {
	ap := netip.MustParseAddrPort("10.0.0.1:80")
	sa, err := Pack(ap)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	for i := 6; i < len(sa); i++ {
		if sa[i] != 0 {
			t.Fatalf("byte %d: expected zero padding, got %d", i, sa[i])
		}
	}
}
