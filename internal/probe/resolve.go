package probe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// resolveFirst resolves host to its first address. Resolution happens on
// every probe invocation; only the first returned address is used.
func resolveFirst(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("probe: no addresses for %q", host)
	}
	return ips[0], nil
}

// resolveEndpoint resolves host and pairs it with port.
func resolveEndpoint(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	addr, err := resolveFirst(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
