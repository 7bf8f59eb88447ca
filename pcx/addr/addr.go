// Package addr decodes and encodes the raw 14-byte sa_data field of a
// POSIX sockaddr_in as passed to connect(2): 2 bytes of port (network byte
// order) followed by 4 bytes of IPv4 address, the remainder zero-padded.
package addr

import "net/netip"

// ErrNotIPv4 is returned by Pack when the address isn't an IPv4 address;
// sockaddr_in has no room for anything wider and sockaddr_in6 is a
// different, larger struct this package does not model.
type ErrNotIPv4 struct{ Addr netip.Addr }

func (e ErrNotIPv4) Error() string {
	return "addr: " + e.Addr.String() + " is not an IPv4 address"
}

// Unpack decodes the port and IPv4 address out of a raw sa_data byte
// array, the same 14 bytes libc exposes as sockaddr.sa_data.
func Unpack(sa [14]byte) (netip.AddrPort, error) {
	p := port(sa[0], sa[1])
	ip := [4]byte{sa[2], sa[3], sa[4], sa[5]}
	return netip.AddrPortFrom(netip.AddrFrom4(ip), p), nil
}

// Pack is the inverse of Unpack: it lays out port and address into the
// 14-byte sa_data field, zeroing the rest.
func Pack(ap netip.AddrPort) ([14]byte, error) {
	var sa [14]byte
	a := ap.Addr()
	if !a.Is4() {
		if a.Is4In6() {
			a = a.Unmap()
		} else {
			return sa, ErrNotIPv4{Addr: a}
		}
	}
	sa[0], sa[1] = splitPort(ap.Port())
	b := a.As4()
	copy(sa[2:6], b[:])
	return sa, nil
}

func port(hi, lo byte) uint16 {
	return uint16(hi)<<8 | uint16(lo)
}

func splitPort(p uint16) (hi, lo byte) {
	return byte(p >> 8), byte(p)
}
