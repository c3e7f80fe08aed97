//go:build !windows

package p2p

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketReuseAddr marks the listening socket address-reusable so a
// restarted node can rebind its port without waiting out TIME_WAIT.
func setSocketReuseAddr(network, address string, c syscall.RawConn) error {
	var optErr error
	if err := c.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT} {
			if optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); optErr != nil {
				return
			}
		}
	}); err != nil {
		return err
	}
	return optErr
}
