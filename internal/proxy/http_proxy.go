package proxy

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/spindle-proxy/spindle/internal/egress"
	"github.com/spindle-proxy/spindle/internal/policy"
)

// HTTPProxyServer serves an HTTP forward proxy.
//
// Every request passes the policy gate before any outbound work happens.
// CONNECT requests are then acknowledged with an empty 200 and hijacked into
// a raw byte tunnel; all other methods are replayed against their origin
// through httputil.ReverseProxy, bound to the pool's sequential egress
// address.
type HTTPProxyServer struct {
	ctx context.Context
	cfg Config
	tun *Tunneler
	srv *http.Server
	rp  *httputil.ReverseProxy
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the
// underlying http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &HTTPProxyServer{ctx: ctx, cfg: cfg, tun: NewTunneler(cfg), rp: newReverseProxy(cfg)}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	switch s.cfg.Policy.Check(targetHost(r), r.Header) {
	case policy.RejectBadRequest:
		w.WriteHeader(http.StatusBadRequest)
		return
	case policy.RejectUnauthorized:
		w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
		w.WriteHeader(http.StatusProxyAuthRequired)
		return
	}

	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	s.rp.ServeHTTP(w, r)
}

// targetHost extracts the hostname the request wants proxied to: the
// authority for CONNECT, the absolute URI host otherwise. Empty when
// unparseable, which a non-empty allowlist rejects.
func targetHost(r *http.Request) string {
	if strings.EqualFold(r.Method, http.MethodConnect) {
		if host, _, err := net.SplitHostPort(r.Host); err == nil {
			return host
		}
		return r.Host
	}
	if r.URL == nil {
		return ""
	}
	return r.URL.Hostname()
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	// The tunnel is acknowledged before resolution or dialing starts. From
	// here on failures close the connection without a status line; the
	// client sees a tunnel that never carries data.
	_, _ = brw.WriteString("HTTP/1.1 200 OK\r\n\r\n")
	if err := brw.Flush(); err != nil {
		_ = clientConn.Close()
		return
	}

	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	originConn, err := s.tun.Establish(s.ctx, target)
	if err != nil {
		if s.cfg.Verbose {
			log.Printf("connect %s: %v", target, err)
		}
		_ = clientConn.Close()
		return
	}

	_ = CopyBidirectional(s.ctx, clientConn, originConn)
}

func newReverseProxy(cfg Config) *httputil.ReverseProxy {
	director := func(r *http.Request) {
		// Forward-proxy handling: ensure URL is absolute and points at the origin server.
		if r.URL == nil {
			return
		}
		if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}
		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}
		r.Host = r.URL.Host

		// Proxy-facing headers stay at the proxy.
		r.Header.Del("Proxy-Authorization")
		r.Header.Del("Proxy-Connection")
		r.Header.Del(policy.TokenHeader)
		r.Header.Del(policy.TLSTokenHeader)

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, _ *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     newTransport(cfg),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    NewBufferPool(32768),
	}
}

func newTransport(cfg Config) http.RoundTripper {
	// Plain forwarded requests all exit through the pool's sequential
	// address. Keep-alives to origins are off: no origin connection pooling.
	d := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		LocalAddr: egress.TCPAddr(cfg.Egress.Current()),
		Control:   egress.DialControl,
	}

	return &http.Transport{
		DialContext:         d.DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}
