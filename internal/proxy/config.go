package proxy

import (
	"net"
	"time"

	"github.com/spindle-proxy/spindle/internal/egress"
	"github.com/spindle-proxy/spindle/internal/policy"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration

	KeepAlive net.KeepAliveConfig

	Policy *policy.Policy
	Egress *egress.Pool

	Verbose bool
}
