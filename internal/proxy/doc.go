package proxy

// Package proxy implements the listener-side proxy servers.
//
// It contains the HTTP forward proxy (CONNECT tunneling and plain request
// forwarding), the SOCKS5 front end, and shared connection plumbing such as
// keepalive listeners, tunnel establishment with egress rotation, and
// bidirectional copy.
