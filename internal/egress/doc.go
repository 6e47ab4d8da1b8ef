package egress

// Package egress owns the pool of local IPv4 addresses used as the source of
// outbound connections.
//
// Plain forwarded requests share the pool's sequential address so they keep
// one observable egress path; each tunnel attempt draws an independent random
// address so distinct tunnels (and retries of the same tunnel) can exit
// through different addresses.
