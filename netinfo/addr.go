// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package netinfo

import (
	"net"
	"strings"

	"httpdns/hostrecord"
)

// AddrType is the family of a literal address.
type AddrType int

const (
	Invalid AddrType = iota
	IPv4
	IPv6
)

func (t AddrType) String() string {
	switch t {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "Invalid"
	}
}

// Family maps the address type to a host record family. ok is false for Invalid.
func (t AddrType) Family() (hostrecord.Family, bool) {
	switch t {
	case IPv4:
		return hostrecord.FamilyV4, true
	case IPv6:
		return hostrecord.FamilyV6, true
	default:
		return 0, false
	}
}

// IsIPLiteral reports whether s is an address rather than a hostname.
func IsIPLiteral(s string) bool {
	return Classify(s) != Invalid
}

// Classify reports whether s is a strict dotted-quad IPv4 or an IPv6 literal.
// Octets with leading zeros are rejected.
func Classify(s string) AddrType {
	s = strings.TrimSpace(s)
	if s == "" {
		return Invalid
	}
	if net.ParseIP(s) == nil {
		return Invalid
	}
	if strings.Contains(s, ":") {
		if strings.Count(s, "::") > 1 {
			return Invalid
		}
		for _, part := range strings.Split(strings.ReplaceAll(s, "::", ":"), ":") {
			if len(part) > 4 && !strings.Contains(part, ".") {
				return Invalid
			}
		}
		return IPv6
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Invalid
	}
	for _, part := range parts {
		if len(part) == 0 || (len(part) > 1 && part[0] == '0') {
			return Invalid
		}
	}
	return IPv4
}
