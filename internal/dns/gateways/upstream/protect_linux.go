//go:build linux

package upstream

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// protectControl marks sockets with SO_MARK so the routing rule for mark
// bypasses the tunnel.
func protectControl(mark int) func(network, address string, c syscall.RawConn) error {
	if mark == 0 {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
		}); err != nil {
			return err
		}
		return serr
	}
}
