//go:build linux

package socketinbound

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOpt is run on the raw socket fd before bind/listen, via
// net.ListenConfig.Control: SO_REUSEADDR/SO_REUSEPORT so several
// socket-inbound instances or process restarts can share a listen
// address, SO_MARK/fwmark for policy routing of the accepting socket.
func setSockOpt(fd uintptr, fwmark int) {
	ifd := int(fd)
	unix.SetsockoptInt(ifd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	unix.SetsockoptInt(ifd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	if fwmark != 0 {
		syscall.SetsockoptInt(ifd, syscall.SOL_SOCKET, unix.SO_MARK, fwmark)
	}
}
