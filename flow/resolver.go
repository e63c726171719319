package flow

import (
	"context"
	"math/rand"
	"net"
)

// OrderPolicy controls how a Resolver orders multiple returned
// addresses, e.g. for happy-eyeballs-style dialing by a downstream
// socket plugin.
type OrderPolicy uint8

const (
	OrderAsReturned OrderPolicy = iota
	OrderPreferIPv4
	OrderPreferIPv6
	OrderRandomShuffle
)

// Resolver is the name-resolution capability, backed interchangeably
// by a DoH client, a plain UDP resolver, a hosts-file lookup or a
// DNS-server plugin's own upstream chain. Plugins consuming a Resolver
// never know which.
type Resolver interface {
	ResolveV4(ctx context.Context, name string) ([]net.IP, error)
	ResolveV6(ctx context.Context, name string) ([]net.IP, error)

	// Reverse performs a PTR-style lookup. Returns ErrNotFound if the
	// resolver has no answer, distinct from other failures.
	Reverse(ctx context.Context, ip net.IP) (string, error)
}

// OrderAddrs returns addrs ordered per policy (the prefer policies
// return a new slice; the shuffle policy reorders addrs in place). A resolver
// implementation applies this before returning from ResolveV4/V6 so
// every Resolver, regardless of backend, honors the configured policy
// uniformly.
func OrderAddrs(addrs []net.IP, policy OrderPolicy) []net.IP {
	switch policy {
	case OrderPreferIPv4:
		return stablePartition(addrs, func(ip net.IP) bool { return ip.To4() != nil })
	case OrderPreferIPv6:
		return stablePartition(addrs, func(ip net.IP) bool { return ip.To4() == nil })
	case OrderRandomShuffle:
		rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
		return addrs
	default:
		return addrs
	}
}

func stablePartition(addrs []net.IP, keep func(net.IP) bool) []net.IP {
	out := make([]net.IP, 0, len(addrs))
	var rest []net.IP
	for _, a := range addrs {
		if keep(a) {
			out = append(out, a)
		} else {
			rest = append(rest, a)
		}
	}
	return append(out, rest...)
}
