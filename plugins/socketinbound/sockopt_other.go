//go:build !linux && !darwin && !freebsd && !windows

package socketinbound

// setSockOpt is a no-op on platforms with no dedicated implementation;
// socket-inbound still listens correctly, just without
// SO_REUSEADDR/SO_REUSEPORT/fwmark tuning.
func setSockOpt(fd uintptr, fwmark int) {}
