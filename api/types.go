// File: api/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Core address and event types shared across subsystems.

package api

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// WildcardIP is the IPv4 any-address. A listener bound to it matches any
// destination IP on its port during original-destination lookup.
const WildcardIP = "0.0.0.0"

// Address is a resolved TCP endpoint. The zero value is invalid.
type Address struct {
	IP   string
	Port uint32
}

// String renders the canonical listener address grammar, tcp://<ip>:<port>.
func (a Address) String() string {
	return fmt.Sprintf("tcp://%s:%d", a.IP, a.Port)
}

// HostPort renders the address in net.Dial form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.IP, strconv.FormatUint(uint64(a.Port), 10))
}

// IsWildcard reports whether the address binds all local interfaces.
func (a Address) IsWildcard() bool { return a.IP == WildcardIP }

// ParseAddress parses the tcp://<ip>:<port> grammar.
func ParseAddress(s string) (Address, error) {
	const scheme = "tcp://"
	if !strings.HasPrefix(s, scheme) {
		return Address{}, fmt.Errorf("malformed address %q: missing tcp:// scheme", s)
	}
	host, port, err := net.SplitHostPort(s[len(scheme):])
	if err != nil {
		return Address{}, fmt.Errorf("malformed address %q: %v", s, err)
	}
	if net.ParseIP(host) == nil {
		return Address{}, fmt.Errorf("malformed address %q: bad ip", s)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("malformed address %q: bad port", s)
	}
	return Address{IP: host, Port: uint32(p)}, nil
}

// ConnectionEvent is delivered to ConnectionCallbacks as the connection
// moves through its lifecycle.
type ConnectionEvent int

const (
	// ConnectionEventRemoteClose fires when the peer closed the socket or a
	// pending connect failed.
	ConnectionEventRemoteClose ConnectionEvent = iota
	// ConnectionEventLocalClose fires when this process closed the socket.
	ConnectionEventLocalClose
	// ConnectionEventConnected fires once a client connection finishes its
	// non-blocking connect.
	ConnectionEventConnected
)

// ConnectionState is the externally visible connection state machine.
type ConnectionState int

const (
	ConnectionOpen ConnectionState = iota
	ConnectionHalfCloseRead
	ConnectionHalfCloseWrite
	ConnectionClosed
)

// CloseType selects how Close disposes of buffered write data.
type CloseType int

const (
	// CloseFlushWrite drains the write buffer before closing the socket.
	CloseFlushWrite CloseType = iota
	// CloseNoFlush discards buffered data and closes immediately.
	CloseNoFlush
)
