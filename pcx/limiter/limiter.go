// Package limiter throttles bytes moving through a chain hop or a bridge
// pump, composing an optional global cap with an optional per-endpoint
// cap. It is adapted from the token-bucket-by-hand + golang.org/x/time/rate
// composition the teacher's core/limiter package uses for per-connection
// shaping, re-homed onto the chain dialer and the worker's copy pumps.
package limiter

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/time/rate"

	"proxychains/pcx/common"
)

// ChainLimiter composes a process-wide limiter with per-endpoint limiters
// keyed by the proxy address being dialed. A zero-value ChainLimiter (or
// one built with no rates configured) is a no-op: Wrap returns conn
// unchanged.
type ChainLimiter struct {
	mu          sync.Mutex
	global      *rate.Limiter
	perEndpoint map[netip.AddrPort]*rate.Limiter
}

// New builds a ChainLimiter. globalBps <= 0 disables the global cap;
// perEndpointBps may be nil.
func New(globalBps int64, perEndpointBps map[netip.AddrPort]int64) *ChainLimiter {
	c := &ChainLimiter{}
	if globalBps > 0 {
		c.global = rate.NewLimiter(rate.Limit(globalBps), burstFor(globalBps))
	}
	if len(perEndpointBps) > 0 {
		c.perEndpoint = make(map[netip.AddrPort]*rate.Limiter, len(perEndpointBps))
		for ap, bps := range perEndpointBps {
			if bps > 0 {
				c.perEndpoint[ap] = rate.NewLimiter(rate.Limit(bps), burstFor(bps))
			}
		}
	}
	return c
}

func burstFor(bps int64) int {
	return int(common.Max64(1, bps/10))
}

func (c *ChainLimiter) limiterFor(addr netip.AddrPort) common.MultiLimiter {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var per *rate.Limiter
	if c.perEndpoint != nil {
		per = c.perEndpoint[addr]
	}
	return common.Compose(c.global, per)
}

// Wrap returns conn unchanged when c has no limiters configured, otherwise
// a net.Conn whose Write blocks on the shared limiters before sending and
// whose Read blocks on them after receiving.
func (c *ChainLimiter) Wrap(conn net.Conn) net.Conn {
	if c == nil || (c.global == nil && len(c.perEndpoint) == 0) {
		return conn
	}
	var addr netip.AddrPort
	if ap, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		addr = netip.AddrPortFrom(ap.AddrPort().Addr(), ap.AddrPort().Port())
	}
	ml := c.limiterFor(addr)
	if len(ml) == 0 {
		return conn
	}
	return &limitedConn{Conn: conn, limits: ml}
}

type limitedConn struct {
	net.Conn
	limits common.MultiLimiter
}

func (l *limitedConn) Read(p []byte) (int, error) {
	n, err := l.Conn.Read(p)
	if n > 0 {
		_ = l.limits.WaitN(context.Background(), n)
	}
	return n, err
}

func (l *limitedConn) Write(p []byte) (int, error) {
	if err := l.limits.WaitN(context.Background(), len(p)); err != nil {
		return 0, err
	}
	return l.Conn.Write(p)
}
