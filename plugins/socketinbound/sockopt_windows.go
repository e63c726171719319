//go:build windows

package socketinbound

import "golang.org/x/sys/windows"

// setSockOpt mirrors sockopt_linux.go for Windows: only SO_REUSEADDR
// exists there (no SO_REUSEPORT, no SO_MARK).
func setSockOpt(fd uintptr, fwmark int) {
	windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
