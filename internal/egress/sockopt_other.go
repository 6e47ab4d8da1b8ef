//go:build !linux

package egress

import "syscall"

// DialControl is a no-op on platforms without IP_BIND_ADDRESS_NO_PORT.
func DialControl(network, address string, c syscall.RawConn) error {
	return nil
}
