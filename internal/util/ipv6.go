package util

import (
	"fmt"
	"net"
	"strings"
)

// CanonicalIPv6 expands an IPv6 address to its canonical stored form:
// eight groups of four lowercase hex digits, zero groups written out.
// "3ffe::1" and "3ffe:0000:0000:0000:0000:0000:0000:0001" both
// canonicalize to the latter.
func CanonicalIPv6(s string) (string, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To16() == nil || (ip.To4() != nil && !strings.Contains(s, ":")) {
		return "", fmt.Errorf("%q is not an IPv6 address", s)
	}
	b := ip.To16()
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = fmt.Sprintf("%02x%02x", b[2*i], b[2*i+1])
	}
	return strings.Join(groups, ":"), nil
}
