package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/spindle-proxy/spindle/internal/egress"
)

// Tunneler establishes outbound tunnel connections, binding every attempt to
// an independently drawn egress address.
type Tunneler struct {
	Pool        *egress.Pool
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// resolve overrides destination resolution in tests. Nil means the
	// default resolver.
	resolve func(ctx context.Context, host string) ([]netip.Addr, error)
}

func NewTunneler(cfg Config) *Tunneler {
	return &Tunneler{
		Pool:        cfg.Egress,
		DialTimeout: cfg.DialTimeout,
		KeepAlive:   cfg.KeepAlive,
	}
}

// Establish resolves authority ("host:port", port defaulting to 443) and
// tries each candidate address in resolution order. Every attempt binds a
// fresh random egress address, so a retry is never pinned to the local
// address a previous attempt failed with. The first successful connect wins
// and no further candidates are tried; bind and connect failures both just
// advance the loop.
func (t *Tunneler) Establish(ctx context.Context, authority string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
		port = "443"
	}

	addrs, err := t.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	var lastErr error
	for _, a := range addrs {
		d := net.Dialer{
			Timeout:   t.DialTimeout,
			LocalAddr: egress.TCPAddr(t.Pool.Random()),
			Control:   egress.DialControl,
		}

		c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.String(), port))
		if err != nil {
			lastErr = err
			continue
		}

		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetKeepAliveConfig(t.KeepAlive)
		}
		return c, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, fmt.Errorf("connect %s: %w", authority, lastErr)
}

func (t *Tunneler) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if t.resolve != nil {
		return t.resolve(ctx, host)
	}
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}
