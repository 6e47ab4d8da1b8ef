package proxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spindle-proxy/spindle/internal/egress"
	"github.com/spindle-proxy/spindle/internal/testutil"
)

func testPool(t *testing.T, addrs ...string) *egress.Pool {
	t.Helper()
	p, err := egress.ParsePool(addrs)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func staticResolver(addrs ...string) func(context.Context, string) ([]netip.Addr, error) {
	return func(context.Context, string) ([]netip.Addr, error) {
		out := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.MustParseAddr(a))
		}
		return out, nil
	}
}

// The first two candidates have nothing listening on the target port, so the
// tunnel must fall back, in resolution order, to the third.
func TestEstablishFallsBackAcrossCandidates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.3:0")
	if err != nil {
		t.Skipf("cannot bind 127.0.0.3 (loopback aliasing unavailable): %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		_, _ = c.Write(buf[:n])
	}()

	port := ln.Addr().(*net.TCPAddr).Port

	tun := &Tunneler{
		Pool:        testPool(t, "127.0.0.1"),
		DialTimeout: 2 * time.Second,
		resolve:     staticResolver("127.0.0.1", "127.0.0.2", "127.0.0.3"),
	}

	c, err := tun.Establish(ctx, net.JoinHostPort("fallback.test", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ra := c.RemoteAddr().(*net.TCPAddr)
	if got := ra.IP.String(); got != "127.0.0.3" {
		t.Errorf("connected to %s, want 127.0.0.3", got)
	}

	testutil.AssertEcho(t, c, c, []byte("through the tunnel"))
}

// Once a candidate connects, later candidates must not be dialed.
func TestEstablishFirstSuccessWins(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lc := net.ListenConfig{}
	first, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	go func() {
		c, err := first.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		_, _ = c.Write(buf[:n])
	}()

	port := first.Addr().(*net.TCPAddr).Port

	// Second candidate listening on the same port, counting accepts.
	second, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.2", strconv.Itoa(port)))
	if err != nil {
		t.Skipf("cannot bind 127.0.0.2 (loopback aliasing unavailable): %v", err)
	}
	defer second.Close()
	var secondAccepts atomic.Int32
	go func() {
		for {
			c, err := second.Accept()
			if err != nil {
				return
			}
			secondAccepts.Add(1)
			_ = c.Close()
		}
	}()

	tun := &Tunneler{
		Pool:        testPool(t, "127.0.0.1"),
		DialTimeout: 2 * time.Second,
		resolve:     staticResolver("127.0.0.1", "127.0.0.2"),
	}

	c, err := tun.Establish(ctx, net.JoinHostPort("firstwins.test", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()

	if n := secondAccepts.Load(); n != 0 {
		t.Errorf("second candidate was dialed %d time(s) after the first succeeded", n)
	}
}

func TestEstablishResolutionFailure(t *testing.T) {
	tun := &Tunneler{
		Pool:        testPool(t, "127.0.0.1"),
		DialTimeout: time.Second,
		resolve: func(context.Context, string) ([]netip.Addr, error) {
			return nil, errors.New("no such host")
		},
	}

	if _, err := tun.Establish(context.Background(), "nowhere.test:443"); err == nil {
		t.Fatal("expected error for unresolvable authority")
	}
}

func TestEstablishAllCandidatesExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Grab a free port and close it again so nothing is listening there.
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	tun := &Tunneler{
		Pool:        testPool(t, "127.0.0.1"),
		DialTimeout: time.Second,
		resolve:     staticResolver("127.0.0.1"),
	}

	if _, err := tun.Establish(ctx, net.JoinHostPort("refused.test", strconv.Itoa(port))); err == nil {
		t.Fatal("expected error when every candidate fails")
	}
}

// Each attempt draws its own egress address; over enough tunnels both pool
// addresses must appear as local addresses.
func TestEstablishRotatesEgressAddresses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	probe, err := lc.Listen(ctx, "tcp", "127.0.0.2:0")
	if err != nil {
		t.Skipf("cannot bind 127.0.0.2 (loopback aliasing unavailable): %v", err)
	}
	_ = probe.Close()

	tun := &Tunneler{
		Pool:        testPool(t, "127.0.0.1", "127.0.0.2"),
		DialTimeout: 2 * time.Second,
		resolve:     staticResolver("127.0.0.1"),
	}

	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	seen := make(map[string]bool)
	for range 64 {
		c, err := tun.Establish(ctx, net.JoinHostPort("rotate.test", port))
		if err != nil {
			t.Fatal(err)
		}
		seen[c.LocalAddr().(*net.TCPAddr).IP.String()] = true
		_ = c.Close()
		if len(seen) == 2 {
			break
		}
	}

	if len(seen) != 2 {
		t.Errorf("egress addresses used: %v, want both pool addresses", seen)
	}
}
