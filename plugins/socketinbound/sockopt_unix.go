//go:build darwin || freebsd

package socketinbound

import "golang.org/x/sys/unix"

// setSockOpt mirrors sockopt_linux.go for BSD-family kernels, minus
// SO_MARK/fwmark, which is a Linux-only socket option.
func setSockOpt(fd uintptr, fwmark int) {
	ifd := int(fd)
	unix.SetsockoptInt(ifd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	unix.SetsockoptInt(ifd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
