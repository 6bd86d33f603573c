//go:build windows

package sockopt

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func control(_, _ string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
}
