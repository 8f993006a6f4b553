// File: api/network.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener and connection contracts.

package api

// ListenerOptions carries the per-listener accept behavior flags.
type ListenerOptions struct {
	// BindToPort controls whether the listen socket is bound and the accept
	// loop armed. A listener that only receives redirected connections from
	// a sibling sets this false.
	BindToPort bool
	// UseProxyProto makes the listener consume a PROXY v1 header before any
	// filter sees bytes, rewriting the remote address.
	UseProxyProto bool
	// UseOriginalDst makes the listener resolve the pre-DNAT destination of
	// each accepted socket and hand it to the sibling listener bound there.
	UseOriginalDst bool
	// PerConnectionBufferLimitBytes caps the connection read buffer.
	PerConnectionBufferLimitBytes uint32
}

// ListenerCallbacks receives fully formed connections from a listener.
type ListenerCallbacks interface {
	OnNewConnection(conn Connection)
}

// Listener wraps one listening socket. Closing drops the accept event but
// leaves established connections alone.
type Listener interface {
	Address() Address
	Close()
}

// ConnectionHandler owns all listeners and connections on one worker.
type ConnectionHandler interface {
	// FindListenerByAddress performs an exact match, then falls back to a
	// wildcard listener on the same port. Returns nil when nothing matches.
	FindListenerByAddress(addr Address) Listener
	NumConnections() uint64
}

// ConnectionCallbacks observes connection lifecycle events.
type ConnectionCallbacks interface {
	OnEvent(event ConnectionEvent)
}

// FilterStatus is returned by read filters to continue or stop iteration.
type FilterStatus int

const (
	FilterContinue FilterStatus = iota
	FilterStopIteration
)

// ReadFilter is the downstream byte-stream filter surface. Byte-level
// protocol parsing behind it is outside this repository.
type ReadFilter interface {
	OnNewConnection() FilterStatus
	OnData(data []byte) FilterStatus
}

// FilterChainFactory populates the filter chain of a freshly accepted
// connection. Returning false means no filters were installed and the
// handler closes the connection immediately.
type FilterChainFactory interface {
	CreateFilterChain(conn Connection) bool
}

// Connection is a single TCP connection owned by a dispatcher.
type Connection interface {
	// ID is a per-process unique connection id used in log fields.
	ID() string
	Fd() int
	State() ConnectionState
	LocalAddress() Address
	RemoteAddress() Address

	AddConnectionCallbacks(cb ConnectionCallbacks)
	AddReadFilter(f ReadFilter)

	// Write buffers data and arms write interest. Data is flushed as the
	// socket allows.
	Write(data []byte)
	Close(t CloseType)
	NoDelay(on bool)

	SetReadBufferLimit(limit uint32)
	ReadBufferLimit() uint32
}

// ClientConnection is an outbound connection. Connect is asynchronous; the
// result arrives as ConnectionEventConnected or ConnectionEventRemoteClose.
type ClientConnection interface {
	Connection
	Connect()
}
