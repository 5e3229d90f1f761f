//go:build !linux

package upstream

import "syscall"

func protectControl(int) func(network, address string, c syscall.RawConn) error {
	return nil
}
