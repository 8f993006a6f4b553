//go:build linux

package tcp_test

import (
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/transport/tcp"
)

// echoFilter writes every received chunk back to its connection.
type echoFilter struct {
	conn api.Connection
}

func (f *echoFilter) OnNewConnection() api.FilterStatus { return api.FilterContinue }

func (f *echoFilter) OnData(data []byte) api.FilterStatus {
	f.conn.Write(data)
	return api.FilterContinue
}

// echoCallbacks installs the echo filter on every accepted connection.
type echoCallbacks struct {
	events chan api.ConnectionEvent
}

func (e *echoCallbacks) OnNewConnection(conn api.Connection) {
	conn.AddReadFilter(&echoFilter{conn: conn})
	conn.AddConnectionCallbacks(&eventRecorder{ch: e.events})
}

type eventRecorder struct {
	ch chan api.ConnectionEvent
}

func (r *eventRecorder) OnEvent(event api.ConnectionEvent) { r.ch <- event }

func TestConnectionEcho(t *testing.T) {
	env := newLoopEnv()
	socket, err := tcp.NewListenSocket(api.Address{IP: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cb := &echoCallbacks{events: make(chan api.ConnectionEvent, 8)}
	tcp.NewListener(&fakeHandler{}, env.d, socket, cb,
		env.store.CreateScope("listener.test."), api.ListenerOptions{BindToPort: true})
	env.run()
	defer env.stop(t)

	client, err := net.Dial("tcp", socket.Address().HostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	payload := []byte("ping across the proxy")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(payload))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("echo mismatch: %q", buf[:n])
	}

	// Peer close surfaces as RemoteClose on the server side.
	client.Close()
	select {
	case ev := <-cb.events:
		if ev != api.ConnectionEventRemoteClose {
			t.Fatalf("event %v, want RemoteClose", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no close event")
	}
}

func TestClientConnectionConnects(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream listen: %v", err)
	}
	defer upstream.Close()
	addr, err := api.ParseAddress("tcp://" + upstream.Addr().String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	env := newLoopEnv()
	events := make(chan api.ConnectionEvent, 8)
	env.d.Post(func() {
		conn := tcp.NewClientConnection(env.d, addr)
		conn.AddConnectionCallbacks(&eventRecorder{ch: events})
		conn.Connect()
	})
	env.run()
	defer env.stop(t)

	select {
	case ev := <-events:
		if ev != api.ConnectionEventConnected {
			t.Fatalf("event %v, want Connected", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
}

func TestClientConnectionConnectRefused(t *testing.T) {
	// Bind then close to get a port with no listener behind it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr, err := api.ParseAddress("tcp://" + probe.Addr().String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	probe.Close()

	env := newLoopEnv()
	events := make(chan api.ConnectionEvent, 8)
	env.d.Post(func() {
		conn := tcp.NewClientConnection(env.d, addr)
		conn.AddConnectionCallbacks(&eventRecorder{ch: events})
		conn.Connect()
	})
	env.run()
	defer env.stop(t)

	select {
	case ev := <-events:
		if ev != api.ConnectionEventRemoteClose {
			t.Fatalf("event %v, want RemoteClose", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("refused connect produced no event")
	}
}
