//go:build linux

package tcp_test

import (
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/reactor"
	"github.com/momentics/hioload-proxy/stats"
	"github.com/momentics/hioload-proxy/transport/tcp"
)

// fakeHandler routes original-destination lookups at a fixed sibling.
type fakeHandler struct {
	sibling api.Listener
}

func (h *fakeHandler) FindListenerByAddress(addr api.Address) api.Listener {
	if h.sibling != nil && h.sibling.Address() == addr {
		return h.sibling
	}
	return nil
}

func (h *fakeHandler) NumConnections() uint64 { return 0 }

type acceptedConn struct {
	remote api.Address
	local  api.Address
	conn   api.Connection
}

// recordingCallbacks funnels accepted connections out of the loop.
type recordingCallbacks struct {
	ch chan acceptedConn
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{ch: make(chan acceptedConn, 8)}
}

func (r *recordingCallbacks) OnNewConnection(conn api.Connection) {
	r.ch <- acceptedConn{remote: conn.RemoteAddress(), local: conn.LocalAddress(), conn: conn}
}

type loopEnv struct {
	d     *reactor.Dispatcher
	store *stats.Store
	done  chan struct{}
}

func newLoopEnv() *loopEnv {
	return &loopEnv{
		d:     reactor.NewDispatcher(),
		store: stats.NewStore(stats.HeapRawStatDataAllocator{}),
		done:  make(chan struct{}),
	}
}

func (e *loopEnv) run() {
	go func() {
		e.d.Run(api.RunUntilExit)
		close(e.done)
	}()
}

func (e *loopEnv) stop(t *testing.T) {
	t.Helper()
	e.d.Post(e.d.Exit)
	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not exit")
	}
	e.d.Close()
}

func waitAccepted(t *testing.T, ch chan acceptedConn) acceptedConn {
	t.Helper()
	select {
	case ac := <-ch:
		return ac
	case <-time.After(5 * time.Second):
		t.Fatal("no connection delivered")
		return acceptedConn{}
	}
}

func TestListenerAccept(t *testing.T) {
	env := newLoopEnv()
	socket, err := tcp.NewListenSocket(api.Address{IP: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cb := newRecordingCallbacks()
	scope := env.store.CreateScope("listener.test.")
	tcp.NewListener(&fakeHandler{}, env.d, socket, cb, scope, api.ListenerOptions{BindToPort: true})
	env.run()
	defer env.stop(t)

	client, err := net.Dial("tcp", socket.Address().HostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ac := waitAccepted(t, cb.ch)
	if ac.local != socket.Address() {
		t.Fatalf("local address %v, want %v", ac.local, socket.Address())
	}
	if ac.remote.IP != "127.0.0.1" {
		t.Fatalf("remote address %v", ac.remote)
	}
}

func TestProxyProtoRewritesRemoteAddress(t *testing.T) {
	env := newLoopEnv()
	socket, err := tcp.NewListenSocket(api.Address{IP: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cb := newRecordingCallbacks()
	scope := env.store.CreateScope("listener.test.")
	tcp.NewListener(&fakeHandler{}, env.d, socket, cb, scope,
		api.ListenerOptions{BindToPort: true, UseProxyProto: true})
	env.run()
	defer env.stop(t)

	client, err := net.Dial("tcp", socket.Address().HostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if _, err := client.Write([]byte("PROXY TCP4 10.1.2.3 10.4.5.6 40000 443\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ac := waitAccepted(t, cb.ch)
	want := api.Address{IP: "10.1.2.3", Port: 40000}
	if ac.remote != want {
		t.Fatalf("remote address %v, want %v", ac.remote, want)
	}
}

func TestProxyProtoMalformedHeaderClosesAndCounts(t *testing.T) {
	env := newLoopEnv()
	socket, err := tcp.NewListenSocket(api.Address{IP: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cb := newRecordingCallbacks()
	scope := env.store.CreateScope("listener.test.")
	tcp.NewListener(&fakeHandler{}, env.d, socket, cb, scope,
		api.ListenerOptions{BindToPort: true, UseProxyProto: true})
	env.run()
	defer env.stop(t)

	client, err := net.Dial("tcp", socket.Address().HostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if _, err := client.Write([]byte("NOT A PROXY HEADER\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The probe closes the socket; the client observes EOF.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected the listener to close a malformed connection")
	}

	errCounter := env.store.Counter("listener.test.downstream_cx_proxy_proto_error")
	deadline := time.Now().Add(5 * time.Second)
	for errCounter.Value() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := errCounter.Value(); got != 1 {
		t.Fatalf("downstream_cx_proxy_proto_error = %d, want 1", got)
	}

	select {
	case <-cb.ch:
		t.Fatal("malformed connection must not reach the listener callbacks")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestUseOriginalDst redirects a connection accepted on listener A to
// sibling listener B registered on the resolved pre-DNAT address.
func TestUseOriginalDst(t *testing.T) {
	env := newLoopEnv()

	socketB, err := tcp.NewListenSocket(api.Address{IP: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("listen B: %v", err)
	}
	cbB := newRecordingCallbacks()
	handler := &fakeHandler{}
	listenerB := tcp.NewListener(handler, env.d, socketB, cbB,
		env.store.CreateScope("listener.b."), api.ListenerOptions{BindToPort: false})
	handler.sibling = listenerB

	socketA, err := tcp.NewListenSocket(api.Address{IP: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("listen A: %v", err)
	}
	cbA := newRecordingCallbacks()
	listenerA := tcp.NewListener(handler, env.d, socketA, cbA,
		env.store.CreateScope("listener.a."),
		api.ListenerOptions{BindToPort: true, UseOriginalDst: true})
	listenerA.SetOriginalDstFunc(func(int) (api.Address, error) {
		return socketB.Address(), nil
	})

	env.run()
	defer env.stop(t)

	client, err := net.Dial("tcp", socketA.Address().HostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ac := waitAccepted(t, cbB.ch)
	if ac.local != socketB.Address() {
		t.Fatalf("redirected local address %v, want %v", ac.local, socketB.Address())
	}
	select {
	case <-cbA.ch:
		t.Fatal("listener A received a connection that should have been redirected")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestUseOriginalDstLocalFallthrough: a non-redirected connection resolves
// to the listener's own address and stays local.
func TestUseOriginalDstLocalFallthrough(t *testing.T) {
	env := newLoopEnv()
	socket, err := tcp.NewListenSocket(api.Address{IP: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cb := newRecordingCallbacks()
	l := tcp.NewListener(&fakeHandler{}, env.d, socket, cb,
		env.store.CreateScope("listener.test."),
		api.ListenerOptions{BindToPort: true, UseOriginalDst: true})
	l.SetOriginalDstFunc(func(int) (api.Address, error) {
		return socket.Address(), nil
	})
	env.run()
	defer env.stop(t)

	client, err := net.Dial("tcp", socket.Address().HostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ac := waitAccepted(t, cb.ch)
	if ac.local != socket.Address() {
		t.Fatalf("local address %v, want %v", ac.local, socket.Address())
	}
}
