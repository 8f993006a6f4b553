// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// transport/tcp/client_connection.go
// Outbound connection with asynchronous connect. The connect outcome is
// reported as Connected or RemoteClose once the socket turns writable.

package tcp

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/internal/netutil"
)

// ClientConnection implements api.ClientConnection.
type ClientConnection struct {
	*Connection
}

var _ api.ClientConnection = (*ClientConnection)(nil)

// NewClientConnection allocates the socket immediately; Connect starts the
// handshake. Socket allocation failure is fatal, matching file event
// registration semantics: the worker cannot run without fds.
func NewClientConnection(d api.Dispatcher, remote api.Address) *ClientConnection {
	fd, err := netutil.NewTCPSocket()
	if err != nil {
		logrus.Fatalf("unable to allocate client socket: %v", err)
	}
	return &ClientConnection{Connection: newConnection(d, fd, api.Address{}, remote, true)}
}

// Connect implements api.ClientConnection.
func (c *ClientConnection) Connect() {
	sa, err := netutil.Sockaddr(c.remoteAddr)
	if err != nil {
		c.closeSocket(api.ConnectionEventRemoteClose)
		return
	}
	err = unix.Connect(c.fd, sa)
	switch err {
	case nil:
		// Loopback connects can complete inline; the write-ready path
		// still delivers the Connected event.
		c.event.Activate(api.FileReadyWrite)
	case unix.EINPROGRESS:
		// Connected or RemoteClose arrives with write readiness.
	default:
		c.closeSocket(api.ConnectionEventRemoteClose)
	}
}
