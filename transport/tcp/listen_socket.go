// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// transport/tcp/listen_socket.go
// A bound, listening socket. Either freshly bound, or wrapped around an fd
// inherited from the hot-restart parent.

package tcp

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/internal/netutil"
)

const listenBacklog = 128

// ListenSocket owns one listening fd.
type ListenSocket struct {
	fd        int
	localAddr api.Address
}

// NewListenSocket creates, binds and listens a socket on addr.
func NewListenSocket(addr api.Address) (*ListenSocket, error) {
	fd, err := netutil.NewTCPSocket()
	if err != nil {
		return nil, err
	}
	if err := netutil.SetReuseAddr(fd); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	sa, err := netutil.Sockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "cannot bind %s", addr)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "cannot listen on %s", addr)
	}
	// Binding port 0 resolves to an ephemeral port; read the result back.
	local, err := netutil.LocalAddress(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &ListenSocket{fd: fd, localAddr: local}, nil
}

// NewListenSocketFromFd wraps a listening fd handed over by the hot-restart
// parent.
func NewListenSocketFromFd(fd int) (*ListenSocket, error) {
	if err := netutil.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "set nonblock on inherited socket")
	}
	local, err := netutil.LocalAddress(fd)
	if err != nil {
		return nil, err
	}
	return &ListenSocket{fd: fd, localAddr: local}, nil
}

// Fd returns the listening fd.
func (s *ListenSocket) Fd() int { return s.fd }

// Address returns the bound local address.
func (s *ListenSocket) Address() api.Address { return s.localAddr }

// Close closes the fd.
func (s *ListenSocket) Close() {
	if s.fd != -1 {
		unix.Close(s.fd)
		s.fd = -1
	}
}
