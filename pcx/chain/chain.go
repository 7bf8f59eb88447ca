// Package chain dials a target address through a chain of SOCKS5 proxies,
// generalizing the teacher's single-hop core/upstream/socks5.go handshake
// (greeting, NO-AUTH/user-pass subnegotiation, CONNECT, BND.ADDR/BND.PORT
// skip) into an N-hop walk driven by pcx/proxycfg's configured mode.
package chain

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"proxychains/pcx/common/logx"
	"proxychains/pcx/limiter"
	"proxychains/pcx/proxycfg"
)

var log = logx.New(logx.WithPrefix("chain"))

type DialErrorKind string

const (
	TCPError      DialErrorKind = "tcp_error"
	ProtocolError DialErrorKind = "protocol_error"
	AuthRejected  DialErrorKind = "auth_rejected"
	BadChainLen   DialErrorKind = "bad_chain_len"
	NoLiveProxies DialErrorKind = "no_live_proxies"
)

// DialError reports which hop in the chain failed and how.
type DialError struct {
	Hop  int
	Kind DialErrorKind
	Err  error
}

func (e *DialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chain: hop %d: %s: %v", e.Hop, e.Kind, e.Err)
	}
	return fmt.Sprintf("chain: hop %d: %s", e.Hop, e.Kind)
}

func (e *DialError) Unwrap() error { return e.Err }

// Dialer walks Cfg.Proxies according to Cfg.Mode to open a connection to
// target. Limiter is optional; a nil Limiter leaves hops unthrottled.
type Dialer struct {
	Cfg     *proxycfg.Config
	Limiter *limiter.ChainLimiter
}

func (d *Dialer) Dial(ctx context.Context, target netip.AddrPort) (net.Conn, error) {
	proxies, err := d.selectProxies(ctx)
	if err != nil {
		return nil, err
	}
	return d.dialChain(ctx, proxies, target)
}

func (d *Dialer) selectProxies(ctx context.Context) ([]proxycfg.Proxy, error) {
	switch d.Cfg.Mode {
	case proxycfg.ModeStrict:
		return d.Cfg.Proxies, nil
	case proxycfg.ModeRandom:
		return d.sampleRandom()
	case proxycfg.ModeDynamic:
		return d.probeLive(ctx)
	default:
		return nil, &DialError{Kind: ProtocolError, Err: fmt.Errorf("unknown mode %q", d.Cfg.Mode)}
	}
}

// sampleRandom does a partial Fisher-Yates shuffle (crypto/rand-backed, no
// replacement) over Cfg.Proxies and keeps the first ChainLen entries.
func (d *Dialer) sampleRandom() ([]proxycfg.Proxy, error) {
	n := len(d.Cfg.Proxies)
	if d.Cfg.ChainLen < 1 || d.Cfg.ChainLen > n {
		return nil, &DialError{Kind: BadChainLen, Err: fmt.Errorf("chain_len=%d proxies=%d", d.Cfg.ChainLen, n)}
	}
	pool := make([]proxycfg.Proxy, n)
	copy(pool, d.Cfg.Proxies)
	for i := 0; i < d.Cfg.ChainLen; i++ {
		j, err := randIntn(n - i)
		if err != nil {
			return nil, &DialError{Kind: TCPError, Err: err}
		}
		j += i
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:d.Cfg.ChainLen], nil
}

func randIntn(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// probeLive TCP-connects and runs the SOCKS5 greeting/auth step (never a
// CONNECT) against every configured proxy concurrently, and keeps the
// survivors in their original configured order.
func (d *Dialer) probeLive(ctx context.Context) ([]proxycfg.Proxy, error) {
	alive := make([]bool, len(d.Cfg.Proxies))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range d.Cfg.Proxies {
		i, p := i, p
		g.Go(func() error {
			alive[i] = d.probeOne(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	var survivors []proxycfg.Proxy
	for i, ok := range alive {
		if ok {
			survivors = append(survivors, d.Cfg.Proxies[i])
		}
	}
	if len(survivors) == 0 {
		return nil, &DialError{Kind: NoLiveProxies}
	}
	return survivors, nil
}

func (d *Dialer) probeOne(ctx context.Context, p proxycfg.Proxy) bool {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", p.Addr.String())
	if err != nil {
		log.Debugf("probe %s: dial failed: %v", p.Addr, err)
		return false
	}
	defer conn.Close()
	if d.Limiter != nil {
		conn = d.Limiter.Wrap(conn)
	}
	if _, err := socks5Greet(conn, p.Auth); err != nil {
		log.Debugf("probe %s: greeting failed: %v", p.Addr, err)
		return false
	}
	return true
}

func (d *Dialer) dialChain(ctx context.Context, proxies []proxycfg.Proxy, target netip.AddrPort) (net.Conn, error) {
	if len(proxies) == 0 {
		return nil, &DialError{Kind: NoLiveProxies}
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", proxies[0].Addr.String())
	if err != nil {
		return nil, &DialError{Hop: 0, Kind: TCPError, Err: err}
	}
	if d.Limiter != nil {
		conn = d.Limiter.Wrap(conn)
	}

	for i, p := range proxies {
		nextTarget := target
		if i+1 < len(proxies) {
			nextTarget = proxies[i+1].Addr
		}
		if err := socks5Connect(conn, p.Auth, nextTarget); err != nil {
			_ = conn.Close()
			kind := ProtocolError
			if de, ok := err.(*hopError); ok {
				kind = de.kind
			}
			return nil, &DialError{Hop: i, Kind: kind, Err: err}
		}
		log.Debugf("hop %d (%s) -> %s established", i, proxies[i].Addr, nextTarget)
	}
	return conn, nil
}

type hopError struct {
	kind DialErrorKind
	err  error
}

func (e *hopError) Error() string { return e.err.Error() }
func (e *hopError) Unwrap() error { return e.err }

const (
	s5MethodNoAuth   = 0x00
	s5MethodUserPass = 0x02
)

// socks5Greet performs the version/method negotiation and, if selected,
// the user/pass subnegotiation — no CONNECT. Used by Dynamic mode probing.
func socks5Greet(conn net.Conn, auth *proxycfg.Auth) (selected byte, err error) {
	if _, err := conn.Write([]byte{0x05, 0x02, s5MethodNoAuth, s5MethodUserPass}); err != nil {
		return 0, &hopError{kind: TCPError, err: fmt.Errorf("greeting write: %w", err)}
	}
	gr := make([]byte, 2)
	if _, err := io.ReadFull(conn, gr); err != nil || gr[0] != 0x05 {
		return 0, &hopError{kind: ProtocolError, err: fmt.Errorf("greeting read: %w ver=%#x", err, gr[0])}
	}
	method := gr[1]
	switch method {
	case s5MethodNoAuth:
		return method, nil
	case s5MethodUserPass:
		user, pass := credsOf(auth)
		if len(user) > 255 || len(pass) > 255 {
			return 0, &hopError{kind: ProtocolError, err: fmt.Errorf("creds too long (user=%d, pass=%d)", len(user), len(pass))}
		}
		if _, err := conn.Write([]byte{0x01, byte(len(user))}); err != nil {
			return 0, &hopError{kind: TCPError, err: fmt.Errorf("auth write(ver/ulen): %w", err)}
		}
		if _, err := conn.Write([]byte(user)); err != nil {
			return 0, &hopError{kind: TCPError, err: fmt.Errorf("auth write(user): %w", err)}
		}
		if _, err := conn.Write([]byte{byte(len(pass))}); err != nil {
			return 0, &hopError{kind: TCPError, err: fmt.Errorf("auth write(plen): %w", err)}
		}
		if _, err := conn.Write([]byte(pass)); err != nil {
			return 0, &hopError{kind: TCPError, err: fmt.Errorf("auth write(pass): %w", err)}
		}
		verstat := make([]byte, 2)
		if _, err := io.ReadFull(conn, verstat); err != nil {
			return 0, &hopError{kind: TCPError, err: fmt.Errorf("auth read: %w", err)}
		}
		if verstat[0] != 0x01 || verstat[1] != 0x00 {
			return 0, &hopError{kind: AuthRejected, err: fmt.Errorf("auth failed (status=%#x)", verstat[1])}
		}
		return method, nil
	case 0xFF:
		return 0, &hopError{kind: AuthRejected, err: fmt.Errorf("no acceptable auth methods")}
	default:
		return 0, &hopError{kind: ProtocolError, err: fmt.Errorf("unsupported method selected by server: %#x", method)}
	}
}

func credsOf(a *proxycfg.Auth) (user, pass string) {
	if a == nil {
		return "", ""
	}
	return a.Username, a.Password
}

// socks5Connect runs the greeting/auth step then a CONNECT to target,
// skipping BND.ADDR/BND.PORT in the reply.
func socks5Connect(conn net.Conn, auth *proxycfg.Auth, target netip.AddrPort) error {
	if _, err := socks5Greet(conn, auth); err != nil {
		return err
	}

	var atyp byte
	var addrBytes []byte
	a := target.Addr()
	if a.Is4() {
		atyp = 0x01
		b := a.As4()
		addrBytes = b[:]
	} else {
		atyp = 0x04
		b := a.As16()
		addrBytes = b[:]
	}
	port := target.Port()
	req := append([]byte{0x05, 0x01, 0x00, atyp}, addrBytes...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		return &hopError{kind: TCPError, err: fmt.Errorf("connect write: %w", err)}
	}

	h := make([]byte, 4)
	if _, err := io.ReadFull(conn, h); err != nil {
		return &hopError{kind: ProtocolError, err: fmt.Errorf("connect resp: %w", err)}
	}
	if h[1] != 0x00 {
		return &hopError{kind: ProtocolError, err: fmt.Errorf("connect refused rep=%#x", h[1])}
	}

	var skip int
	switch h[3] {
	case 0x01:
		skip = 4
	case 0x04:
		skip = 16
	case 0x03:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return &hopError{kind: ProtocolError, err: err}
		}
		skip = int(l[0])
	default:
		return &hopError{kind: ProtocolError, err: fmt.Errorf("bad atyp=%#x in resp", h[3])}
	}
	if _, err := io.CopyN(io.Discard, conn, int64(skip+2)); err != nil {
		return &hopError{kind: ProtocolError, err: err}
	}
	return nil
}
