// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// transport/tcp/listener.go
// Accepting listener. Per accepted socket, in order: original-destination
// lookup (possibly re-dispatching to a sibling listener), PROXY protocol
// probe, then connection construction.

package tcp

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/internal/netutil"
)

// OriginalDstFunc resolves the pre-DNAT destination of an accepted socket.
// Swappable for tests.
type OriginalDstFunc func(fd int) (api.Address, error)

// Listener accepts downstream connections on one listen socket.
type Listener struct {
	handler    api.ConnectionHandler
	dispatcher api.Dispatcher
	socket     *ListenSocket
	cb         api.ListenerCallbacks
	scope      api.Scope
	options    api.ListenerOptions

	acceptEvent api.FileEvent
	proxyProto  *proxyProtocol
	originalDst OriginalDstFunc

	acceptErrors api.Counter
}

var _ api.Listener = (*Listener)(nil)

// NewListener arms the accept event when options.BindToPort is set. A
// listener with BindToPort false only receives redirected sockets from a
// sibling.
func NewListener(handler api.ConnectionHandler, dispatcher api.Dispatcher, socket *ListenSocket,
	cb api.ListenerCallbacks, scope api.Scope, options api.ListenerOptions) *Listener {

	l := &Listener{
		handler:      handler,
		dispatcher:   dispatcher,
		socket:       socket,
		cb:           cb,
		scope:        scope,
		options:      options,
		originalDst:  netutil.OriginalDst,
		acceptErrors: scope.Counter("downstream_cx_accept_error"),
	}
	l.proxyProto = newProxyProtocol(l, scope)
	if options.BindToPort {
		l.acceptEvent = dispatcher.CreateFileEvent(socket.Fd(), l.onAcceptReady,
			api.FileTriggerEdge, api.FileReadyRead)
	}
	return l
}

// Address implements api.Listener.
func (l *Listener) Address() api.Address { return l.socket.Address() }

// Close implements api.Listener: stops accepting without touching
// established connections. The listen socket stays open so a hot-restart
// child can still duplicate it.
func (l *Listener) Close() {
	if l.acceptEvent != nil {
		l.acceptEvent.Close()
		l.acceptEvent = nil
	}
}

// SetOriginalDstFunc replaces the original-destination resolver.
func (l *Listener) SetOriginalDstFunc(fn OriginalDstFunc) { l.originalDst = fn }

func (l *Listener) onAcceptReady(api.FileReadyType) {
	for {
		fd, sa, err := unix.Accept4(l.socket.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				l.acceptErrors.Inc()
				continue
			default:
				// Typically fd table exhaustion. There is no sane way to
				// keep serving, matching the upstream behavior of dying
				// loudly.
				l.acceptErrors.Inc()
				logrus.Fatalf("listener accept failure: %v", err)
			}
		}
		l.dispatchAccepted(fd, netutil.AddressFromSockaddr(sa))
	}
}

// dispatchAccepted routes one accepted socket through original-destination
// and PROXY protocol handling. Redirected sockets that were not actually
// DNATed resolve to our own address and stay local.
func (l *Listener) dispatchAccepted(fd int, remote api.Address) {
	target := l
	local := l.socket.Address()

	if l.options.UseOriginalDst {
		if orig, err := l.originalDst(fd); err == nil && orig != l.socket.Address() {
			local = orig
			if sibling := l.handler.FindListenerByAddress(orig); sibling != nil {
				if tl, ok := sibling.(*Listener); ok {
					target = tl
				}
			}
		}
	}

	if target.options.UseProxyProto {
		target.proxyProto.newConnection(fd)
		return
	}
	target.newConnection(fd, remote, local)
}

// newConnection wraps fd and hands it to the listener callbacks.
func (l *Listener) newConnection(fd int, remote, local api.Address) {
	conn := newServerConnection(l.dispatcher, fd, local, remote)
	if limit := l.options.PerConnectionBufferLimitBytes; limit != 0 {
		conn.SetReadBufferLimit(limit)
	}
	l.cb.OnNewConnection(conn)
}
