package devices

import (
	"net"
	"net/netip"
	"strings"
)

// NormalizeHardwareAddr returns the canonical lower-case colon form of a MAC.
// Values that do not parse are lower-cased and trimmed.
func NormalizeHardwareAddr(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if hw, err := net.ParseMAC(trimmed); err == nil {
		return hw.String()
	}
	return strings.ToLower(trimmed)
}

// NormalizeAddress returns the canonical textual form of an IP address with
// IPv4-mapped IPv6 addresses unmapped.
func NormalizeAddress(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if addr, err := netip.ParseAddr(trimmed); err == nil {
		return addr.Unmap().String()
	}
	return trimmed
}
