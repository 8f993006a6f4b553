// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// internal/netutil/netutil_linux.go
// Raw socket plumbing used by the transport/tcp package. IPv4 only,
// matching the listener address grammar.

package netutil

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
)

// NewTCPSocket creates a non-blocking, close-on-exec IPv4 stream socket.
func NewTCPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	return fd, nil
}

// SetReuseAddr enables SO_REUSEADDR so rebinding after a hot restart or a
// fast process bounce does not hit TIME_WAIT.
func SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetNoDelay toggles TCP_NODELAY.
func SetNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetNonblock marks fd non-blocking.
func SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// Sockaddr converts an api.Address into a bindable/connectable sockaddr.
func Sockaddr(addr api.Address) (*unix.SockaddrInet4, error) {
	ip, err := parseIPv4(addr.IP)
	if err != nil {
		return nil, err
	}
	return &unix.SockaddrInet4{Port: int(addr.Port), Addr: ip}, nil
}

// AddressFromSockaddr converts a kernel sockaddr back into api form.
func AddressFromSockaddr(sa unix.Sockaddr) api.Address {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return api.Address{IP: ipString(sa4.Addr), Port: uint32(sa4.Port)}
	}
	return api.Address{}
}

// LocalAddress reads the bound local address of fd.
func LocalAddress(fd int) (api.Address, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return api.Address{}, errors.Wrap(err, "getsockname")
	}
	return AddressFromSockaddr(sa), nil
}

// RemoteAddress reads the peer address of fd.
func RemoteAddress(fd int) (api.Address, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return api.Address{}, errors.Wrap(err, "getpeername")
	}
	return AddressFromSockaddr(sa), nil
}

// OriginalDst returns the pre-DNAT destination of a socket redirected by
// iptables REDIRECT/TPROXY. The sockopt writes a sockaddr_in, read here
// through the 16-byte IPv6Mreq buffer.
func OriginalDst(fd int) (api.Address, error) {
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return api.Address{}, errors.Wrap(err, "getsockopt SO_ORIGINAL_DST")
	}
	port := uint32(mreq.Multiaddr[2])<<8 | uint32(mreq.Multiaddr[3])
	var ip [4]byte
	copy(ip[:], mreq.Multiaddr[4:8])
	return api.Address{IP: ipString(ip), Port: port}, nil
}
