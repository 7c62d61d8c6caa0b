//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package udp

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is not available; a second node
// on the same host will fail to bind the multicast port.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
