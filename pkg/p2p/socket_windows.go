//go:build windows

package p2p

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setSocketReuseAddr marks the listening socket address-reusable so a
// restarted node can rebind its port without waiting out TIME_WAIT.
// SO_REUSEPORT does not exist on Windows; SO_REUSEADDR alone covers rebind.
func setSocketReuseAddr(network, address string, c syscall.RawConn) error {
	var optErr error
	if err := c.Control(func(fd uintptr) {
		optErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return optErr
}
