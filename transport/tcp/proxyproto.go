// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// transport/tcp/proxyproto.go
// PROXY protocol v1 probe (haproxy text form). The header line is peeked
// and consumed before any filter sees bytes; the advertised source address
// replaces the socket peer address.

package tcp

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
)

// maxProxyProtoLen caps the v1 header line, per the haproxy spec.
const maxProxyProtoLen = 56

const proxyTCP4Prefix = "PROXY TCP4 "

type proxyProtocol struct {
	listener *Listener
	errors   api.Counter
	conns    map[*proxyProtoConn]struct{}
}

func newProxyProtocol(l *Listener, scope api.Scope) *proxyProtocol {
	return &proxyProtocol{
		listener: l,
		errors:   scope.Counter("downstream_cx_proxy_proto_error"),
		conns:    make(map[*proxyProtoConn]struct{}),
	}
}

// newConnection parks fd until a full header line arrives.
func (p *proxyProtocol) newConnection(fd int) {
	c := &proxyProtoConn{parent: p, fd: fd, searchIndex: 1}
	p.conns[c] = struct{}{}
	c.event = p.listener.dispatcher.CreateFileEvent(fd, c.onRead,
		api.FileTriggerEdge, api.FileReadyRead)
}

type proxyProtoConn struct {
	parent *proxyProtocol
	fd     int
	event  api.FileEvent

	buf         [maxProxyProtoLen]byte
	bufOff      int
	searchIndex int
}

func (c *proxyProtoConn) onRead(api.FileReadyType) {
	line, ok, err := c.readLine()
	if err != nil {
		c.parent.errors.Inc()
		c.close()
		return
	}
	if !ok {
		return
	}

	remote, err := parseProxyV1(line)
	if err != nil {
		c.parent.errors.Inc()
		c.close()
		return
	}

	l := c.parent.listener
	fd := c.fd
	c.fd = -1
	c.event.Close()
	delete(c.parent.conns, c)

	l.newConnection(fd, remote, l.socket.Address())
}

// readLine peeks for a '\r\n'-terminated line, then consumes exactly the
// bytes up to and including the terminator so application data stays in the
// socket buffer. Returns ok=false when more data is needed.
func (c *proxyProtoConn) readLine() (string, bool, error) {
	for c.bufOff < maxProxyProtoLen {
		nread, _, err := unix.Recvfrom(c.fd, c.buf[c.bufOff:], unix.MSG_PEEK)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return "", false, nil
		}
		if err != nil || nread < 1 {
			return "", false, api.ErrMalformedProxyProto
		}

		found := false
		for ; c.searchIndex < c.bufOff+nread; c.searchIndex++ {
			if c.buf[c.searchIndex] == '\n' && c.buf[c.searchIndex-1] == '\r' {
				c.searchIndex++
				found = true
				break
			}
		}

		nread, _, err = unix.Recvfrom(c.fd, c.buf[c.bufOff:c.searchIndex], 0)
		if err != nil || nread < 1 {
			return "", false, api.ErrMalformedProxyProto
		}
		c.bufOff += nread

		if found {
			return string(c.buf[:c.bufOff]), true, nil
		}
	}
	return "", false, api.ErrMalformedProxyProto
}

func (c *proxyProtoConn) close() {
	c.event.Close()
	unix.Close(c.fd)
	c.fd = -1
	delete(c.parent.conns, c)
}

// parseProxyV1 extracts the advertised source endpoint from a v1 line of
// the form "PROXY TCP4 <src> <dst> <sport> <dport>\r\n".
func parseProxyV1(line string) (api.Address, error) {
	if !strings.HasPrefix(line, proxyTCP4Prefix) {
		return api.Address{}, api.ErrMalformedProxyProto
	}
	fields := strings.Fields(strings.TrimSuffix(line, "\r\n"))
	// PROXY TCP4 src dst sport dport
	if len(fields) != 6 {
		return api.Address{}, api.ErrMalformedProxyProto
	}
	port, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return api.Address{}, api.ErrMalformedProxyProto
	}
	addr := api.Address{IP: fields[2], Port: uint32(port)}
	if _, err := api.ParseAddress(addr.String()); err != nil {
		return api.Address{}, api.ErrMalformedProxyProto
	}
	return addr, nil
}
