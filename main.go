package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/spindle-proxy/spindle/internal/egress"
	"github.com/spindle-proxy/spindle/internal/policy"
	"github.com/spindle-proxy/spindle/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpListen  = pflag.String("http-listen", "", "HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables.")
		socksListen = pflag.String("socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")

		credentials  = pflag.StringSlice("credentials", nil, "Allowed login:password pairs. Empty disables proxy authentication.")
		allowedHosts = pflag.StringSlice("allowed-hosts", nil, "Hostnames eligible for proxying, exact or *.suffix. Empty allows all.")
		secretToken  = pflag.String("secret-token", "", "Shared secret; clients send its SHA-256 hex in the "+policy.TokenHeader+" header. Empty disables.")
		noHTTPToken  = pflag.Bool("no-http-token", false, "Skip the secret token check on the plaintext HTTP listener")

		egressAddrs = pflag.StringSlice("egress-addrs", nil, "Local IPv4 addresses to bind outbound connections to. Empty discovers them from host interfaces.")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose            = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *httpListen == "" && *socksListen == "" {
		return errors.New("no listeners enabled (set at least one of --http-listen, --socks5-listen)")
	}

	creds := make([]policy.Credential, 0, len(*credentials))
	for _, s := range *credentials {
		c, err := policy.ParseCredential(s)
		if err != nil {
			return fmt.Errorf("invalid --credentials: %w", err)
		}
		creds = append(creds, c)
	}

	pol := policy.New(creds, *allowedHosts, *secretToken, *noHTTPToken)

	var pool *egress.Pool
	if len(*egressAddrs) > 0 {
		pool, err = egress.ParsePool(*egressAddrs)
	} else {
		pool, err = egress.FromInterfaces()
	}
	if err != nil {
		return fmt.Errorf("egress pool: %w", err)
	}

	cfg := proxy.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		HTTPIdleTimeout:    *httpIdleTimeout,
		KeepAlive:          ka,
		Policy:             pol,
		Egress:             pool,
		Verbose:            *verbose,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("egress pool: %d address(es), sequential %s", pool.Len(), pool.Current())

	if *httpListen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", *httpListen, cfg.KeepAlive)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		srv := proxy.NewHTTPProxyServer(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
		log.Printf("http proxy listening on %s", *httpListen)
	}

	if *socksListen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", *socksListen, cfg.KeepAlive)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(ctx, cfg, *verbose)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		log.Printf("socks5 proxy listening on %s", *socksListen)
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
