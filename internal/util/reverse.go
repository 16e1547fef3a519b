package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseReverseCIDR parses a reverse-zone CIDR assignment. Truncated
// IPv4 forms like "192.168.0/24" are accepted and padded with zero
// octets before parsing.
func ParseReverseCIDR(s string) (*net.IPNet, error) {
	addr, prefix, found := strings.Cut(s, "/")
	if !found {
		return nil, fmt.Errorf("CIDR %q has no prefix length", s)
	}
	if !strings.Contains(addr, ":") {
		for strings.Count(addr, ".") < 3 {
			addr += ".0"
		}
	}
	_, ipnet, err := net.ParseCIDR(addr + "/" + prefix)
	if err != nil {
		return nil, fmt.Errorf("bad CIDR %q: %w", s, err)
	}
	return ipnet, nil
}

// ReverseOrigin computes the in-addr.arpa / ip6.arpa origin implied by
// a network. IPv4 prefixes must fall on an octet boundary and IPv6
// prefixes on a nibble boundary.
func ReverseOrigin(ipnet *net.IPNet) (string, error) {
	ones, _ := ipnet.Mask.Size()
	if v4 := ipnet.IP.To4(); v4 != nil {
		if ones%8 != 0 || ones == 0 {
			return "", fmt.Errorf("IPv4 reverse prefix /%d is not on an octet boundary", ones)
		}
		parts := make([]string, 0, ones/8+2)
		for i := ones/8 - 1; i >= 0; i-- {
			parts = append(parts, strconv.Itoa(int(v4[i])))
		}
		return strings.Join(parts, ".") + ".in-addr.arpa.", nil
	}
	if ones%4 != 0 || ones == 0 {
		return "", fmt.Errorf("IPv6 reverse prefix /%d is not on a nibble boundary", ones)
	}
	b := ipnet.IP.To16()
	nibbles := make([]string, 0, ones/4+2)
	for i := ones/4 - 1; i >= 0; i-- {
		nib := b[i/2]
		if i%2 == 0 {
			nib >>= 4
		} else {
			nib &= 0x0f
		}
		nibbles = append(nibbles, fmt.Sprintf("%x", nib))
	}
	return strings.Join(nibbles, ".") + ".ip6.arpa.", nil
}

// CheckReverseAssignment verifies that a reverse zone's origin matches
// its CIDR assignment.
func CheckReverseAssignment(origin, cidr string) error {
	ipnet, err := ParseReverseCIDR(cidr)
	if err != nil {
		return err
	}
	want, err := ReverseOrigin(ipnet)
	if err != nil {
		return err
	}
	if !strings.EqualFold(origin, want) {
		return fmt.Errorf("reverse zone origin %q does not match CIDR %s (expected %q)", origin, cidr, want)
	}
	return nil
}

// IsReverseOrigin reports whether origin lies under in-addr.arpa or
// ip6.arpa.
func IsReverseOrigin(origin string) bool {
	o := strings.ToLower(strings.TrimSuffix(origin, "."))
	return strings.HasSuffix(o, ".in-addr.arpa") || strings.HasSuffix(o, ".ip6.arpa")
}
