// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package server owns the per-worker runtime: the connection handler with
// its active listeners and connections, the event-loop watchdog, and the
// worker goroutine that pins and runs the dispatcher.
package server

import (
	"container/list"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/transport/tcp"
)

// ConnectionHandler owns every listener and connection of one worker.
type ConnectionHandler struct {
	store      api.Store
	dispatcher api.Dispatcher
	log        *logrus.Entry

	listeners      []*activeListener
	connections    *list.List
	numConnections uint64

	watchdog *watchdog
}

var _ api.ConnectionHandler = (*ConnectionHandler)(nil)

// NewConnectionHandler builds a handler bound to dispatcher.
func NewConnectionHandler(store api.Store, dispatcher api.Dispatcher, log *logrus.Entry) *ConnectionHandler {
	return &ConnectionHandler{
		store:       store,
		dispatcher:  dispatcher,
		log:         log,
		connections: list.New(),
	}
}

// Dispatcher returns the owning event loop.
func (h *ConnectionHandler) Dispatcher() api.Dispatcher { return h.dispatcher }

// NumConnections implements api.ConnectionHandler.
func (h *ConnectionHandler) NumConnections() uint64 { return h.numConnections }

// AddListener creates a listener over socket and starts accepting. Stats
// land in the per-listener scope "listener.<host:port>.".
func (h *ConnectionHandler) AddListener(factory api.FilterChainFactory, socket *tcp.ListenSocket,
	options api.ListenerOptions) *tcp.Listener {

	scope := h.store.CreateScope("listener." + socket.Address().HostPort() + ".")
	al := &activeListener{handler: h, factory: factory, stats: newListenerStats(scope)}
	al.listener = tcp.NewListener(h, h.dispatcher, socket, al, scope, options)
	h.listeners = append(h.listeners, al)
	return al.listener
}

// FindListenerByAddress implements api.ConnectionHandler: exact match
// first, then the wildcard listener on the same port.
func (h *ConnectionHandler) FindListenerByAddress(addr api.Address) api.Listener {
	// Linear scan; the listener count is tiny.
	for _, al := range h.listeners {
		if al.listener.Address() == addr {
			return al.listener
		}
	}
	for _, al := range h.listeners {
		a := al.listener.Address()
		if a.IsWildcard() && a.Port == addr.Port {
			return al.listener
		}
	}
	return nil
}

// CloseConnections force-closes every active connection and synchronously
// drains the deferred-delete list. Used on worker shutdown.
func (h *ConnectionHandler) CloseConnections() {
	for h.connections.Len() > 0 {
		h.connections.Front().Value.(*activeConnection).conn.Close(api.CloseNoFlush)
	}
	h.dispatcher.ClearDeferredDeleteList()
}

// CloseListeners stops accepting without touching established connections.
func (h *ConnectionHandler) CloseListeners() {
	for _, al := range h.listeners {
		al.listener.Close()
	}
}

func (h *ConnectionHandler) removeConnection(ac *activeConnection) {
	h.log.WithField("cx", ac.conn.ID()).Debug("adding connection to cleanup list")
	h.connections.Remove(ac.element)
	h.numConnections--
	h.dispatcher.DeferredDelete(ac)
}

type listenerStats struct {
	cxTotal   api.Counter
	cxActive  api.Gauge
	cxDestroy api.Counter
	cxLength  api.StatTimer
}

func newListenerStats(scope api.Scope) listenerStats {
	return listenerStats{
		cxTotal:   scope.Counter("downstream_cx_total"),
		cxActive:  scope.Gauge("downstream_cx_active"),
		cxDestroy: scope.Counter("downstream_cx_destroy"),
		cxLength:  scope.Timer("downstream_cx_length_ms"),
	}
}

// activeListener receives fresh connections from its tcp.Listener.
type activeListener struct {
	handler  *ConnectionHandler
	listener *tcp.Listener
	factory  api.FilterChainFactory
	stats    listenerStats
}

var _ api.ListenerCallbacks = (*activeListener)(nil)

// OnNewConnection implements api.ListenerCallbacks.
func (al *activeListener) OnNewConnection(conn api.Connection) {
	al.handler.log.WithField("cx", conn.ID()).Debug("new connection")
	emptyFilterChain := !al.factory.CreateFilterChain(conn)

	// The filter chain may have closed the connection already.
	if conn.State() == api.ConnectionClosed {
		return
	}
	if emptyFilterChain {
		al.handler.log.WithField("cx", conn.ID()).Debug("closing connection: no filters")
		conn.Close(api.CloseNoFlush)
		return
	}

	ac := &activeConnection{
		handler: al.handler,
		conn:    conn,
		stats:   al.stats,
		span:    al.stats.cxLength.AllocateSpan(),
	}
	ac.element = al.handler.connections.PushBack(ac)
	al.handler.numConnections++

	conn.NoDelay(true)
	conn.AddConnectionCallbacks(ac)
	al.stats.cxTotal.Inc()
	al.stats.cxActive.Inc()
}

// activeConnection tracks one registered downstream connection. Teardown
// runs via deferred delete so it never executes inside the connection's own
// event callback.
type activeConnection struct {
	handler *ConnectionHandler
	conn    api.Connection
	stats   listenerStats
	span    api.Timespan
	element *list.Element
}

var (
	_ api.ConnectionCallbacks = (*activeConnection)(nil)
	_ api.DeferredDeletable   = (*activeConnection)(nil)
)

// OnEvent implements api.ConnectionCallbacks.
func (ac *activeConnection) OnEvent(event api.ConnectionEvent) {
	if event == api.ConnectionEventRemoteClose || event == api.ConnectionEventLocalClose {
		ac.handler.removeConnection(ac)
	}
}

// OnDeferredDelete implements api.DeferredDeletable.
func (ac *activeConnection) OnDeferredDelete() {
	ac.stats.cxActive.Dec()
	ac.stats.cxDestroy.Inc()
	ac.span.Complete()
}
