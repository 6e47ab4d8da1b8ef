//go:build linux

package egress

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// DialControl is the net.Dialer.Control for locally bound egress sockets.
// Many concurrent tunnels share few local addresses, so defer source port
// assignment to connect time (IP_BIND_ADDRESS_NO_PORT) and allow address
// reuse; otherwise binds start failing with EADDRINUSE under load.
func DialControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ctrlErr = err
			return
		}
		ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BIND_ADDRESS_NO_PORT, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
