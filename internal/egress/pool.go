package egress

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"strings"
)

// ErrEmptyPool is returned when no local addresses are available. It is a
// startup configuration error, never a per-request one.
var ErrEmptyPool = errors.New("egress: no local addresses available")

// Pool is an ordered, immutable set of local IPv4 addresses eligible for
// binding outbound sockets. Built once at startup and shared read-only by
// every connection handler.
type Pool struct {
	addrs []netip.Addr
}

func NewPool(addrs []netip.Addr) (*Pool, error) {
	if len(addrs) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{addrs: slices.Clone(addrs)}, nil
}

// ParsePool builds a pool from textual IPv4 addresses.
func ParsePool(addrs []string) (*Pool, error) {
	out := make([]netip.Addr, 0, len(addrs))
	for _, s := range addrs {
		a, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("egress address %q: %w", s, err)
		}
		if !a.Unmap().Is4() {
			return nil, fmt.Errorf("egress address %q: not IPv4", s)
		}
		out = append(out, a.Unmap())
	}
	return NewPool(out)
}

// FromInterfaces builds a pool from the host's global unicast IPv4 addresses,
// in interface order.
func FromInterfaces() (*Pool, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("egress: list interface addresses: %w", err)
	}

	var out []netip.Addr
	for _, ia := range ifaceAddrs {
		ipNet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		a, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		a = a.Unmap()
		if !a.Is4() || a.IsLoopback() || a.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, a)
	}

	return NewPool(out)
}

// Current returns the pool's sequential choice, stable across calls.
func (p *Pool) Current() netip.Addr {
	return p.addrs[0]
}

// Random returns a uniform independent draw, with replacement.
func (p *Pool) Random() netip.Addr {
	return p.addrs[rand.IntN(len(p.addrs))]
}

func (p *Pool) Len() int {
	return len(p.addrs)
}

// TCPAddr adapts a pool address for use as net.Dialer.LocalAddr. The port is
// left zero so the kernel assigns one at connect time.
func TCPAddr(a netip.Addr) *net.TCPAddr {
	return &net.TCPAddr{IP: a.AsSlice()}
}
