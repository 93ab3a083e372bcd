package dhcp

import (
	"net"
	"net/netip"
)

// toAddr converts a net.IP into a netip.Addr, unmapping IPv4-in-IPv6 forms.
// A nil or malformed IP yields the zero Addr.
func toAddr(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func toIP(addr netip.Addr) net.IP {
	if !addr.IsValid() {
		return nil
	}
	return net.IP(addr.AsSlice())
}

// inRange reports whether start <= addr <= end.
func inRange(addr, start, end netip.Addr) bool {
	return addr.IsValid() && addr.Compare(start) >= 0 && addr.Compare(end) <= 0
}
