package upstream_test

import (
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/stats"
	"github.com/momentics/hioload-proxy/upstream"
)

type poolHarness struct {
	dispatcher *fakeDispatcher
	store      *stats.Store
	cluster    *upstream.Cluster
	pool       *upstream.ConnPool

	conns     []*fakeConn
	codecs    []*fakeCodec
	destroyed int
}

func newPoolHarness(t *testing.T, maxConnections, maxPending uint64) *poolHarness {
	t.Helper()
	h := &poolHarness{
		dispatcher: &fakeDispatcher{},
		store:      stats.NewStore(stats.HeapRawStatDataAllocator{}),
	}
	rm := upstream.NewResourceManager(maxConnections, maxPending, 1024, 3)
	h.cluster = upstream.NewCluster("test", 5*time.Second, rm)

	h.pool = upstream.NewConnPool(h.dispatcher, h.cluster,
		api.Address{IP: "10.0.0.1", Port: 80}, h.store,
		func(conn api.ClientConnection) api.ClientCodec {
			codec := &fakeCodec{}
			h.codecs = append(h.codecs, codec)
			return codec
		},
		upstream.WithClientConnectionFactory(func(api.Dispatcher, api.Address) api.ClientConnection {
			conn := &fakeConn{remote: api.Address{IP: "10.0.0.1", Port: 80}}
			h.conns = append(h.conns, conn)
			return conn
		}),
		upstream.WithClientDestroyCallback(func() { h.destroyed++ }),
	)
	return h
}

func (h *poolHarness) counter(t *testing.T, name string) uint64 {
	t.Helper()
	return h.store.Counter("cluster.test." + name).Value()
}

// connectTimer returns the connect timer of client i: the pool creates one
// timer per client, in order.
func (h *poolHarness) connectTimer(i int) *fakeTimer { return h.dispatcher.timers[i] }

func (h *poolHarness) respond(t *testing.T, codecIndex int, headers api.Headers) {
	t.Helper()
	h.codecs[codecIndex].lastDecoder().DecodeHeaders(headers, true)
}

func TestPoolMultipleRequestAndResponse(t *testing.T) {
	h := newPoolHarness(t, 1, 1024)

	// R1 creates a connecting client and waits.
	dec1 := &nullDecoder{}
	cb1 := &poolCallbacks{}
	handle := h.pool.NewStream(dec1, cb1)
	assert.Assert(t, handle != nil)
	assert.Equal(t, 1, len(h.conns))
	assert.Assert(t, h.conns[0].connectCalled)
	assert.Assert(t, h.connectTimer(0).Enabled())
	assert.Equal(t, 0, cb1.readyCount)

	// Connect success binds the oldest pending request.
	h.conns[0].raiseEvent(api.ConnectionEventConnected)
	assert.Assert(t, !h.connectTimer(0).Enabled())
	assert.Equal(t, 1, cb1.readyCount)
	assert.Assert(t, cb1.lastEncoder != nil)

	h.respond(t, 0, api.Headers{":status": "200"})
	assert.Assert(t, dec1.complete)

	// R2 rides the now-idle client synchronously, no new connection.
	dec2 := &nullDecoder{}
	cb2 := &poolCallbacks{}
	handle = h.pool.NewStream(dec2, cb2)
	assert.Assert(t, handle == nil)
	assert.Equal(t, 1, cb2.readyCount)
	assert.Equal(t, 1, len(h.conns))

	h.respond(t, 0, api.Headers{":status": "200"})

	// Remote close destroys the idle client exactly once.
	h.conns[0].raiseEvent(api.ConnectionEventRemoteClose)
	h.dispatcher.ClearDeferredDeleteList()
	assert.Equal(t, 1, h.destroyed)
	assert.Equal(t, uint64(1), h.counter(t, "upstream_cx_destroy"))
	assert.Equal(t, uint64(1), h.counter(t, "upstream_cx_total"))
	assert.Equal(t, uint64(0), h.counter(t, "upstream_cx_destroy_with_active_rq"))
}

func TestPoolMaxPendingRequests(t *testing.T) {
	h := newPoolHarness(t, 1, 1)

	dec1 := &nullDecoder{}
	cb1 := &poolCallbacks{}
	handle := h.pool.NewStream(dec1, cb1)
	assert.Assert(t, handle != nil)

	// The second request overflows the pending queue synchronously.
	dec2 := &nullDecoder{}
	cb2 := &poolCallbacks{}
	handle2 := h.pool.NewStream(dec2, cb2)
	assert.Assert(t, handle2 == nil)
	assert.Equal(t, 1, cb2.failureCount)
	assert.Equal(t, api.PoolFailureOverflow, cb2.lastReason)
	assert.Equal(t, uint64(1), h.counter(t, "upstream_rq_pending_overflow"))

	handle.Cancel()
	handle.Cancel() // idempotent
	h.conns[0].raiseEvent(api.ConnectionEventRemoteClose)
	h.dispatcher.ClearDeferredDeleteList()

	assert.Equal(t, 1, h.destroyed)
	assert.Equal(t, 0, cb1.readyCount)
	assert.Equal(t, 0, cb1.failureCount)
	assert.Equal(t, uint64(0), h.counter(t, "upstream_rq_pending_failure_eject"))
}

func TestPoolMaxConnectionsQueuesAndCountsOverflow(t *testing.T) {
	h := newPoolHarness(t, 1, 1024)

	cb1 := &poolCallbacks{}
	assert.Assert(t, h.pool.NewStream(&nullDecoder{}, cb1) != nil)

	// No connection headroom: the request queues and overflow is counted.
	cb2 := &poolCallbacks{}
	assert.Assert(t, h.pool.NewStream(&nullDecoder{}, cb2) != nil)
	assert.Equal(t, 1, len(h.conns))
	assert.Equal(t, uint64(1), h.counter(t, "upstream_cx_overflow"))

	// One connect serves both queued requests in FIFO order.
	h.conns[0].raiseEvent(api.ConnectionEventConnected)
	assert.Equal(t, 1, cb1.readyCount)
	assert.Equal(t, 0, cb2.readyCount)
	h.respond(t, 0, api.Headers{":status": "200"})
	assert.Equal(t, 1, cb2.readyCount)
}

func TestPoolConnectFailure(t *testing.T) {
	h := newPoolHarness(t, 1024, 1024)

	dec := &nullDecoder{}
	cb := &poolCallbacks{}
	handle := h.pool.NewStream(dec, cb)
	assert.Assert(t, handle != nil)

	h.conns[0].raiseEvent(api.ConnectionEventRemoteClose)
	assert.Equal(t, 1, cb.failureCount)
	assert.Equal(t, api.PoolFailureConnectionFailure, cb.lastReason)
	assert.Assert(t, !h.connectTimer(0).Enabled())

	h.dispatcher.ClearDeferredDeleteList()
	assert.Equal(t, 1, h.destroyed)
	assert.Equal(t, uint64(1), h.counter(t, "upstream_cx_connect_fail"))
	assert.Equal(t, uint64(1), h.counter(t, "upstream_rq_pending_failure_eject"))
}

// TestPoolConnectTimeout: the failure callback of the first timed-out
// client synchronously issues a replacement request.
func TestPoolConnectTimeout(t *testing.T) {
	h := newPoolHarness(t, 1024, 1024)

	cb2 := &poolCallbacks{}
	cb1 := &poolCallbacks{
		onFailure: func() {
			assert.Assert(t, h.pool.NewStream(&nullDecoder{}, cb2) != nil)
		},
	}
	assert.Assert(t, h.pool.NewStream(&nullDecoder{}, cb1) != nil)

	h.connectTimer(0).Fire()
	assert.Equal(t, 1, cb1.failureCount)
	assert.Equal(t, 2, len(h.conns))

	h.connectTimer(1).Fire()
	assert.Equal(t, 1, cb2.failureCount)

	h.dispatcher.ClearDeferredDeleteList()
	assert.Equal(t, 2, h.destroyed)
	assert.Equal(t, uint64(2), h.counter(t, "upstream_cx_connect_timeout"))
	assert.Equal(t, uint64(2), h.counter(t, "upstream_cx_connect_fail"))
}

func TestPoolConnectionCloseHeader(t *testing.T) {
	h := newPoolHarness(t, 1024, 1024)

	dec := &nullDecoder{}
	cb := &poolCallbacks{}
	h.pool.NewStream(dec, cb)
	h.conns[0].raiseEvent(api.ConnectionEventConnected)
	assert.Equal(t, 1, cb.readyCount)

	h.respond(t, 0, api.Headers{":status": "200", "Connection": "close"})
	h.dispatcher.ClearDeferredDeleteList()

	assert.Equal(t, 1, h.destroyed)
	assert.Equal(t, uint64(0), h.counter(t, "upstream_cx_destroy_with_active_rq"))

	// The drained client must not serve new streams; a fresh one is made.
	cb2 := &poolCallbacks{}
	assert.Assert(t, h.pool.NewStream(&nullDecoder{}, cb2) != nil)
	assert.Equal(t, 2, len(h.conns))
}

func TestPoolMaxRequestsPerConnection(t *testing.T) {
	h := newPoolHarness(t, 1024, 1024)
	h.cluster.MaxRequestsPerConnection = 1

	dec := &nullDecoder{}
	cb := &poolCallbacks{}
	h.pool.NewStream(dec, cb)
	h.conns[0].raiseEvent(api.ConnectionEventConnected)

	h.respond(t, 0, api.Headers{":status": "200"})
	h.dispatcher.ClearDeferredDeleteList()

	assert.Equal(t, 1, h.destroyed)
	assert.Equal(t, uint64(1), h.counter(t, "upstream_cx_max_requests"))
	assert.Equal(t, uint64(0), h.counter(t, "upstream_cx_destroy_with_active_rq"))
}

func TestPoolRemoteCloseWithActiveRequest(t *testing.T) {
	h := newPoolHarness(t, 1024, 1024)

	dec := &nullDecoder{}
	cb := &poolCallbacks{}
	h.pool.NewStream(dec, cb)
	h.conns[0].raiseEvent(api.ConnectionEventConnected)
	assert.Equal(t, 1, cb.readyCount)

	watcher := &streamWatcher{}
	cb.lastEncoder.GetStream().AddCallbacks(watcher)

	// Upstream dies mid-response.
	h.conns[0].raiseEvent(api.ConnectionEventRemoteClose)
	assert.Equal(t, 1, len(watcher.resets))
	assert.Equal(t, api.StreamResetConnectionTermination, watcher.resets[0])

	h.dispatcher.ClearDeferredDeleteList()
	assert.Equal(t, uint64(1), h.counter(t, "upstream_cx_destroy_with_active_rq"))
}

func TestPoolDrainedCallbackWithReadyClient(t *testing.T) {
	h := newPoolHarness(t, 1024, 1024)

	dec := &nullDecoder{}
	cb := &poolCallbacks{}
	h.pool.NewStream(dec, cb)
	h.conns[0].raiseEvent(api.ConnectionEventConnected)
	h.respond(t, 0, api.Headers{":status": "200"})

	// Registering starts the drain: the idle client is closed and the
	// callback fires exactly once.
	drained := 0
	h.pool.AddDrainedCallback(func() { drained++ })
	assert.Equal(t, 1, drained)
	assert.Assert(t, h.conns[0].closed)

	h.dispatcher.ClearDeferredDeleteList()
	assert.Equal(t, 1, drained)
	assert.Equal(t, 1, h.destroyed)
}

func TestPoolDrainedCallbackAfterCancelAndClose(t *testing.T) {
	h := newPoolHarness(t, 1024, 1024)

	dec := &nullDecoder{}
	cb := &poolCallbacks{}
	handle := h.pool.NewStream(dec, cb)
	assert.Assert(t, handle != nil)

	drained := 0
	h.pool.AddDrainedCallback(func() { drained++ })
	assert.Equal(t, 0, drained)

	handle.Cancel()
	assert.Equal(t, 0, drained) // the connecting client still exists

	h.conns[0].raiseEvent(api.ConnectionEventRemoteClose)
	h.dispatcher.ClearDeferredDeleteList()
	assert.Equal(t, 1, drained)
}

// TestPoolInvariants drives a mixed sequence and checks that every request
// ends in exactly one of ready, failure, or cancel, and client/pending
// counts never exceed their limits.
func TestPoolInvariants(t *testing.T) {
	const maxConns, maxPending = 2, 2
	h := newPoolHarness(t, maxConns, maxPending)

	type outcome struct{ cb *poolCallbacks }
	var issued []outcome
	var handles []api.Cancellable

	for i := 0; i < 6; i++ {
		cb := &poolCallbacks{}
		handle := h.pool.NewStream(&nullDecoder{}, cb)
		issued = append(issued, outcome{cb: cb})
		if handle != nil {
			handles = append(handles, handle)
		}
		assert.Assert(t, len(h.conns) <= maxConns)
		assert.Assert(t, h.cluster.Resources().PendingRequests().Count() <= maxPending)
	}

	// Fail one connect, cancel whatever is still pending, close the rest.
	h.conns[0].raiseEvent(api.ConnectionEventRemoteClose)
	for _, handle := range handles {
		handle.Cancel()
	}
	for _, conn := range h.conns {
		conn.raiseEvent(api.ConnectionEventRemoteClose)
	}
	h.dispatcher.ClearDeferredDeleteList()

	assert.Equal(t, len(h.conns), h.destroyed)
	assert.Equal(t, uint64(0), h.cluster.Resources().PendingRequests().Count())
	assert.Equal(t, uint64(0), h.cluster.Resources().Connections().Count())
	for _, o := range issued {
		assert.Assert(t, o.cb.readyCount+o.cb.failureCount <= 1)
	}
}
