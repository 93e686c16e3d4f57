package system

import (
	"context"
	"fmt"
	"net"
	"sort"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// LocalRanges returns the /24 networks of every IPv4 address on an up,
// non-loopback interface, sorted and deduplicated.
func LocalRanges(ctx context.Context) ([]string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var addrs []string
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			addrs = append(addrs, a.Addr)
		}
	}
	return CollapseRanges(addrs), nil
}

// CollapseRanges maps interface addresses ("192.168.1.7/24" or bare IPs) to their
// /24 network. IPv6 and loopback addresses are dropped.
func CollapseRanges(addrs []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range addrs {
		ip, _, err := net.ParseCIDR(a)
		if err != nil {
			ip = net.ParseIP(a)
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		network := &net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
		s := network.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
