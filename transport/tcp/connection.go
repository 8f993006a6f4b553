// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// transport/tcp/connection.go
// Non-blocking connection driven by dispatcher file events. Reads fan out
// to the filter chain; writes buffer and flush as the socket allows. The
// owner destroys the object through deferred delete after Closed.

package tcp

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/internal/netutil"
	"github.com/momentics/hioload-proxy/pool"
)

const defaultReadBufferLimit = 64 * 1024

const readChunk = 16 * 1024

// readChunkPool recycles the scratch buffers every connection reads into.
var readChunkPool = pool.NewBytePool(readChunk)

// Connection implements api.Connection over a raw fd.
type Connection struct {
	dispatcher api.Dispatcher
	id         string
	fd         int
	localAddr  api.Address
	remoteAddr api.Address

	event api.FileEvent

	readBuffer      []byte
	writeBuffer     []byte
	readBufferLimit uint32

	callbacks   []api.ConnectionCallbacks
	readFilters []api.ReadFilter

	connecting      bool
	closeAfterFlush bool
	closed          bool
}

var _ api.Connection = (*Connection)(nil)

func newConnection(d api.Dispatcher, fd int, local, remote api.Address, connecting bool) *Connection {
	c := &Connection{
		dispatcher:      d,
		id:              uuid.NewString(),
		fd:              fd,
		localAddr:       local,
		remoteAddr:      remote,
		readBufferLimit: defaultReadBufferLimit,
		connecting:      connecting,
	}
	c.event = d.CreateFileEvent(fd, c.onFileEvent, api.FileTriggerEdge,
		api.FileReadyRead|api.FileReadyWrite)
	return c
}

func newServerConnection(d api.Dispatcher, fd int, local, remote api.Address) *Connection {
	return newConnection(d, fd, local, remote, false)
}

// ID implements api.Connection.
func (c *Connection) ID() string { return c.id }

// Fd implements api.Connection.
func (c *Connection) Fd() int { return c.fd }

// State implements api.Connection.
func (c *Connection) State() api.ConnectionState {
	switch {
	case c.closed:
		return api.ConnectionClosed
	case c.closeAfterFlush:
		return api.ConnectionHalfCloseWrite
	default:
		return api.ConnectionOpen
	}
}

// LocalAddress implements api.Connection.
func (c *Connection) LocalAddress() api.Address { return c.localAddr }

// RemoteAddress implements api.Connection.
func (c *Connection) RemoteAddress() api.Address { return c.remoteAddr }

// AddConnectionCallbacks implements api.Connection.
func (c *Connection) AddConnectionCallbacks(cb api.ConnectionCallbacks) {
	c.callbacks = append(c.callbacks, cb)
}

// AddReadFilter implements api.Connection.
func (c *Connection) AddReadFilter(f api.ReadFilter) {
	c.readFilters = append(c.readFilters, f)
	f.OnNewConnection()
}

// Write implements api.Connection. Safe to call from any connection or
// filter callback; actual socket writes happen on write readiness.
func (c *Connection) Write(data []byte) {
	if c.closed || len(data) == 0 {
		return
	}
	c.writeBuffer = append(c.writeBuffer, data...)
	// Edge triggering will not re-report an already writable socket, so
	// kick the write path by hand.
	c.event.Activate(api.FileReadyWrite)
}

// Close implements api.Connection.
func (c *Connection) Close(t api.CloseType) {
	if c.closed {
		return
	}
	if t == api.CloseNoFlush || len(c.writeBuffer) == 0 {
		c.closeSocket(api.ConnectionEventLocalClose)
		return
	}
	// Flush path: keep the socket up until buffered data drains, but stop
	// feeding the filter chain.
	c.closeAfterFlush = true
	c.event.Activate(api.FileReadyWrite)
}

// NoDelay implements api.Connection.
func (c *Connection) NoDelay(on bool) {
	if c.closed {
		return
	}
	if err := netutil.SetNoDelay(c.fd, on); err != nil {
		logrus.WithField("cx", c.id).Warnf("TCP_NODELAY: %v", err)
	}
}

// SetReadBufferLimit implements api.Connection.
func (c *Connection) SetReadBufferLimit(limit uint32) { c.readBufferLimit = limit }

// ReadBufferLimit implements api.Connection.
func (c *Connection) ReadBufferLimit() uint32 { return c.readBufferLimit }

func (c *Connection) onFileEvent(events api.FileReadyType) {
	if c.closed {
		return
	}
	if events&api.FileReadyWrite != 0 {
		c.onWriteReady()
	}
	if c.closed {
		return
	}
	if events&(api.FileReadyRead|api.FileReadyClosed) != 0 && !c.closeAfterFlush {
		c.onReadReady()
	}
}

func (c *Connection) onReadReady() {
	chunk := readChunkPool.GetBuffer()
	defer readChunkPool.PutBuffer(chunk)

	remoteClosed := false
	hitLimit := false
	for {
		room := int(c.readBufferLimit) - len(c.readBuffer)
		if room <= 0 {
			hitLimit = true
			break
		}
		if room > readChunk {
			room = readChunk
		}
		n, err := unix.Read(c.fd, chunk[:room])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil || n == 0 {
			remoteClosed = true
			break
		}
		c.readBuffer = append(c.readBuffer, chunk[:n]...)
		if n < room {
			break
		}
	}

	if len(c.readBuffer) > 0 {
		data := c.readBuffer
		c.readBuffer = nil
		for _, f := range c.readFilters {
			if f.OnData(data) == api.FilterStopIteration {
				break
			}
		}
	}

	if remoteClosed && !c.closed {
		c.closeSocket(api.ConnectionEventRemoteClose)
		return
	}
	// Edge triggering consumed this readiness edge; if the buffer limit cut
	// the read short, the remaining socket data would otherwise sit there
	// until the peer sends more.
	if hitLimit && !c.closed {
		c.event.Activate(api.FileReadyRead)
	}
}

func (c *Connection) onWriteReady() {
	if c.connecting {
		c.connecting = false
		soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil || soErr != 0 {
			c.closeSocket(api.ConnectionEventRemoteClose)
			return
		}
		if local, err := netutil.LocalAddress(c.fd); err == nil {
			c.localAddr = local
		}
		c.raiseEvent(api.ConnectionEventConnected)
		if c.closed {
			return
		}
	}

	for len(c.writeBuffer) > 0 {
		n, err := unix.Write(c.fd, c.writeBuffer)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			c.closeSocket(api.ConnectionEventRemoteClose)
			return
		}
		c.writeBuffer = c.writeBuffer[n:]
	}

	if c.closeAfterFlush {
		c.closeSocket(api.ConnectionEventLocalClose)
	}
}

func (c *Connection) closeSocket(event api.ConnectionEvent) {
	if c.closed {
		return
	}
	c.closed = true
	c.readBuffer = nil
	c.writeBuffer = nil
	c.event.Close()
	unix.Close(c.fd)
	c.raiseEvent(event)
}

func (c *Connection) raiseEvent(event api.ConnectionEvent) {
	// Callbacks may add further callbacks; iterate a snapshot.
	cbs := make([]api.ConnectionCallbacks, len(c.callbacks))
	copy(cbs, c.callbacks)
	for _, cb := range cbs {
		cb.OnEvent(event)
	}
}
