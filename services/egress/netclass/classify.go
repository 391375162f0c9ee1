// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netclass classifies outbound hostnames for the egress gateway.
//
// It answers the pure questions the policy evaluator needs before any
// allowlist lookup happens: is a host an IP literal (in any textual form a
// resolver would accept), is it a loopback name, does an address fall in a
// range that must never be reached from the application, and does a host
// belong to the small set of first-party domains trusted for platform-trust
// endpoints.
//
// Thread Safety:
//
//	All functions are pure. TrustClassifier is immutable after construction.
package netclass

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// ErrEmptyHost is returned by NormalizeHost for an empty or whitespace host.
var ErrEmptyHost = errors.New("netclass: empty host")

// cgnatPrefix is the RFC 6598 shared address space.
var cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")

// thisNetworkPrefix is 0.0.0.0/8, "this host on this network".
var thisNetworkPrefix = netip.MustParsePrefix("0.0.0.0/8")

// localHostnames are names every resolver maps to loopback.
var localHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
}

// NormalizeHost converts a URL host into the canonical form used for policy
// matching.
//
// Description:
//
//	Strips IPv6 brackets and a single trailing dot, lowercases the result and
//	converts internationalized names to their ASCII (punycode) form. IP
//	literals pass through unchanged apart from bracket removal.
//
// Inputs:
//   - host: The hostname portion of a URL (no port).
//
// Outputs:
//   - string: The normalized host.
//   - error: ErrEmptyHost for an empty host, or an IDNA conversion error.
func NormalizeHost(host string) (string, error) {
	h := strings.TrimSpace(host)
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return "", ErrEmptyHost
	}
	if !isASCII(h) {
		ascii, err := idna.Lookup.ToASCII(h)
		if err != nil {
			return "", fmt.Errorf("netclass: converting %q to ASCII: %w", host, err)
		}
		h = ascii
	}
	return strings.ToLower(h), nil
}

// ParseHostIP reports whether host is an IP literal and returns the address.
//
// Description:
//
//	Accepts standard IPv4 and IPv6 text (with or without brackets and zone),
//	plus the legacy inet_aton forms resolvers still honour: dotted parts in
//	decimal, octal (leading 0) or hex (0x), and fewer than four parts
//	("127.1", "2130706433", "0x7f.0.0.1"). IPv4-mapped IPv6 addresses are
//	returned unmapped so range checks see the embedded IPv4 address.
//
// Inputs:
//   - host: The host to inspect.
//
// Outputs:
//   - netip.Addr: The parsed address (zero value when ok is false).
//   - bool: True if host is any form of IP literal.
func ParseHostIP(host string) (netip.Addr, bool) {
	h := strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), ".")
	if h == "" {
		return netip.Addr{}, false
	}
	if addr, err := netip.ParseAddr(h); err == nil {
		return addr.WithZone("").Unmap(), true
	}
	if addr, ok := parseLaxIPv4(h); ok {
		return addr, true
	}
	return netip.Addr{}, false
}

// IsIPLiteral reports whether host is an IP address in any textual form.
func IsIPLiteral(host string) bool {
	_, ok := ParseHostIP(host)
	return ok
}

// IsNonPublic reports whether addr is in a range the gateway must never
// contact: loopback, RFC 1918 / RFC 4193 private, link-local (v4 and v6),
// unspecified, 0.0.0.0/8 and the RFC 6598 shared (CGNAT) range.
func IsNonPublic(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsUnspecified():
		return true
	}
	if addr.Is4() && (cgnatPrefix.Contains(addr) || thisNetworkPrefix.Contains(addr)) {
		return true
	}
	return false
}

// IsLocalHostname reports whether host is a name that resolves to loopback
// by convention ("localhost", any "*.localhost" name, and the ip6 aliases).
func IsLocalHostname(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(host), ".")
	if localHostnames[h] {
		return true
	}
	return strings.HasSuffix(h, ".localhost")
}

// parseLaxIPv4 parses inet_aton style IPv4 text.
func parseLaxIPv4(s string) (netip.Addr, bool) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}

	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, ok := parseLaxPart(p)
		if !ok {
			return netip.Addr{}, false
		}
		vals[i] = v
	}

	// Every part but the last is one octet; the last fills the rest.
	var out uint32
	for i := 0; i < len(vals)-1; i++ {
		if vals[i] > 0xff {
			return netip.Addr{}, false
		}
		out |= uint32(vals[i]) << (24 - 8*uint(i))
	}
	last := vals[len(vals)-1]
	remaining := uint(4 - (len(vals) - 1))
	if last >= uint64(1)<<(8*remaining) {
		return netip.Addr{}, false
	}
	out |= uint32(last)

	return netip.AddrFrom4([4]byte{byte(out >> 24), byte(out >> 16), byte(out >> 8), byte(out)}), true
}

func parseLaxPart(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := 10
	digits := p
	switch {
	case strings.HasPrefix(p, "0x") || strings.HasPrefix(p, "0X"):
		base = 16
		digits = p[2:]
		if digits == "" {
			// "0x" alone is zero for inet_aton.
			return 0, true
		}
	case len(p) > 1 && p[0] == '0':
		base = 8
		digits = p[1:]
	}
	v, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return 0, false
	}
	return v, true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
