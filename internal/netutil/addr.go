// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// internal/netutil/addr.go
// Dotted-quad helpers kept allocation-light for per-accept use.

package netutil

import (
	"fmt"
	"net"
)

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out, fmt.Errorf("bad ipv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("address %q is not ipv4", s)
	}
	copy(out[:], v4)
	return out, nil
}

func ipString(ip [4]byte) string {
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]).String()
}
