// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// upstream/conn_pool.go
// HTTP/1 upstream connection pool. Every accepted stream ends in exactly
// one of: bound (pool ready), rejected (pool failure), or cancelled.
// Clients move between the ready and busy lists; pending requests wait in
// strict FIFO order. All state lives on the worker dispatcher.

package upstream

import (
	"container/list"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/transport/tcp"
)

// ClientConnectionFactory opens the raw upstream connection. Swappable for
// tests.
type ClientConnectionFactory func(d api.Dispatcher, host api.Address) api.ClientConnection

type clientState int

const (
	clientConnecting clientState = iota
	clientReady
	clientBusy
	clientDraining
	clientClosed
)

type poolStats struct {
	cxTotal               api.Counter
	cxActive              api.Gauge
	cxDestroy             api.Counter
	cxDestroyWithActiveRq api.Counter
	cxConnectFail         api.Counter
	cxConnectTimeout      api.Counter
	cxOverflow            api.Counter
	cxMaxRequests         api.Counter
	rqPendingOverflow     api.Counter
	rqPendingFailureEject api.Counter
	cxConnectMs           api.StatTimer
	cxLengthMs            api.StatTimer
}

func newPoolStats(scope api.Scope) poolStats {
	return poolStats{
		cxTotal:               scope.Counter("upstream_cx_total"),
		cxActive:              scope.Gauge("upstream_cx_active"),
		cxDestroy:             scope.Counter("upstream_cx_destroy"),
		cxDestroyWithActiveRq: scope.Counter("upstream_cx_destroy_with_active_rq"),
		cxConnectFail:         scope.Counter("upstream_cx_connect_fail"),
		cxConnectTimeout:      scope.Counter("upstream_cx_connect_timeout"),
		cxOverflow:            scope.Counter("upstream_cx_overflow"),
		cxMaxRequests:         scope.Counter("upstream_cx_max_requests"),
		rqPendingOverflow:     scope.Counter("upstream_rq_pending_overflow"),
		rqPendingFailureEject: scope.Counter("upstream_rq_pending_failure_eject"),
		cxConnectMs:           scope.Timer("upstream_cx_connect_ms"),
		cxLengthMs:            scope.Timer("upstream_cx_length_ms"),
	}
}

// ConnPool implements api.ConnectionPool for HTTP/1 upstreams.
type ConnPool struct {
	dispatcher api.Dispatcher
	cluster    *Cluster
	host       api.Address
	log        *logrus.Entry
	stats      poolStats

	readyClients *list.List // *activeClient
	busyClients  *list.List // *activeClient, includes connecting clients
	pending      *list.List // *pendingRequest, oldest at front

	drainedCallbacks []func()
	notifiedDrained  bool

	connFactory  ClientConnectionFactory
	codecFactory CodecFactory

	// onClientDestroy fires from each client's deferred teardown.
	onClientDestroy func()
}

var _ api.ConnectionPool = (*ConnPool)(nil)

// PoolOption customizes pool construction.
type PoolOption func(*ConnPool)

// WithClientConnectionFactory overrides raw connection creation.
func WithClientConnectionFactory(f ClientConnectionFactory) PoolOption {
	return func(p *ConnPool) { p.connFactory = f }
}

// WithClientDestroyCallback observes client teardown, after deferred
// delete has run.
func WithClientDestroyCallback(fn func()) PoolOption {
	return func(p *ConnPool) { p.onClientDestroy = fn }
}

// NewConnPool builds a pool for one upstream host of cluster. codecFactory
// supplies the HTTP/1 codec for each new connection. Stats land in the
// cluster scope "cluster.<name>.".
func NewConnPool(d api.Dispatcher, cluster *Cluster, host api.Address, store api.Store,
	codecFactory CodecFactory, opts ...PoolOption) *ConnPool {

	p := &ConnPool{
		dispatcher:   d,
		cluster:      cluster,
		host:         host,
		log:          logrus.WithField("cluster", cluster.Name),
		stats:        newPoolStats(store.CreateScope("cluster." + cluster.Name + ".")),
		readyClients: list.New(),
		busyClients:  list.New(),
		pending:      list.New(),
		connFactory: func(d api.Dispatcher, host api.Address) api.ClientConnection {
			return tcp.NewClientConnection(d, host)
		},
		codecFactory: codecFactory,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NewStream implements api.ConnectionPool.
func (p *ConnPool) NewStream(responseDecoder api.StreamDecoder, cb api.PoolCallbacks) api.Cancellable {
	if p.readyClients.Len() > 0 {
		client := p.readyClients.Front().Value.(*activeClient)
		p.moveClient(client, p.busyClients)
		client.state = clientBusy
		p.attachRequestToClient(client, responseDecoder, cb)
		return nil
	}

	rm := p.cluster.Resources()
	if !rm.PendingRequests().CanCreate() {
		p.log.Debug("max pending requests overflow")
		p.stats.rqPendingOverflow.Inc()
		cb.OnPoolFailure(api.PoolFailureOverflow, p.host)
		return nil
	}

	canCreateConnection := rm.Connections().CanCreate()
	if !canCreateConnection {
		p.stats.cxOverflow.Inc()
	}
	// With no connections at all, create one regardless so a queued request
	// always has a connect attempt in flight.
	if (p.readyClients.Len() == 0 && p.busyClients.Len() == 0) || canCreateConnection {
		p.createNewConnection()
	}

	return p.newPendingRequest(responseDecoder, cb)
}

// AddDrainedCallback implements api.ConnectionPool.
func (p *ConnPool) AddDrainedCallback(fn func()) {
	p.drainedCallbacks = append(p.drainedCallbacks, fn)
	p.checkForDrained()
}

func (p *ConnPool) createNewConnection() {
	p.log.Debug("creating a new connection")
	p.notifiedDrained = false
	newActiveClient(p)
}

func (p *ConnPool) newPendingRequest(decoder api.StreamDecoder, cb api.PoolCallbacks) *pendingRequest {
	p.log.Debug("queueing request due to no available connections")
	p.notifiedDrained = false
	pr := &pendingRequest{pool: p, decoder: decoder, callbacks: cb}
	pr.element = p.pending.PushBack(pr)
	p.cluster.Resources().PendingRequests().Inc()
	return pr
}

func (p *ConnPool) attachRequestToClient(client *activeClient, decoder api.StreamDecoder,
	cb api.PoolCallbacks) {

	client.totalRequests++
	p.cluster.Resources().Requests().Inc()
	wrapper := &streamWrapper{client: client, inner: decoder}
	encoder := client.codec.NewStream(wrapper)
	client.activeStream = encoder.GetStream()
	cb.OnPoolReady(encoder, p.host)
}

// popOldestPending removes and returns the longest-waiting request, or nil.
func (p *ConnPool) popOldestPending() *pendingRequest {
	front := p.pending.Front()
	if front == nil {
		return nil
	}
	pr := front.Value.(*pendingRequest)
	p.pending.Remove(front)
	pr.element = nil
	p.cluster.Resources().PendingRequests().Dec()
	return pr
}

func (p *ConnPool) onConnectionEvent(client *activeClient, event api.ConnectionEvent) {
	switch event {
	case api.ConnectionEventConnected:
		p.log.WithField("cx", client.conn.ID()).Debug("upstream connected")
		client.connectTimer.Disable()
		client.connectSpan.Complete()
		if pr := p.popOldestPending(); pr != nil {
			// Connecting → Ready → Busy in one step.
			client.state = clientBusy
			p.attachRequestToClient(client, pr.decoder, pr.callbacks)
		} else {
			client.state = clientReady
			p.moveClient(client, p.readyClients)
		}

	case api.ConnectionEventRemoteClose, api.ConnectionEventLocalClose:
		p.onClientClosed(client)
	}
}

func (p *ConnPool) onClientClosed(client *activeClient) {
	if client.state == clientClosed {
		return
	}

	if client.state == clientConnecting {
		p.stats.cxConnectFail.Inc()
		client.connectTimer.Disable()
		// The oldest pending request was waiting on this connect attempt;
		// its failure callback may synchronously issue a replacement
		// stream.
		if pr := p.popOldestPending(); pr != nil {
			p.stats.rqPendingFailureEject.Inc()
			pr.callbacks.OnPoolFailure(api.PoolFailureConnectionFailure, p.host)
		}
	} else if client.activeStream != nil {
		// Upstream died mid-request. Expected closes (Connection: close,
		// max-requests draining) complete the response first and never get
		// here with a bound stream.
		if !client.sawCloseHeader && !client.maxRequestsReached {
			p.stats.cxDestroyWithActiveRq.Inc()
		}
		stream := client.activeStream
		client.activeStream = nil
		p.cluster.Resources().Requests().Dec()
		stream.ResetStream(api.StreamResetConnectionTermination)
	}

	client.state = clientClosed
	p.removeClient(client)
	p.dispatcher.DeferredDelete(client)
}

func (p *ConnPool) onConnectTimeout(client *activeClient) {
	p.log.WithField("cx", client.conn.ID()).Debug("connect timeout")
	p.stats.cxConnectTimeout.Inc()
	// Closing synthesizes the same path as a connect failure.
	client.conn.Close(api.CloseNoFlush)
}

func (p *ConnPool) onResponseComplete(client *activeClient) {
	p.log.WithField("cx", client.conn.ID()).Debug("response complete")
	client.activeStream = nil
	p.cluster.Resources().Requests().Dec()

	maxed := p.cluster.MaxRequestsPerConnection > 0 &&
		client.totalRequests >= p.cluster.MaxRequestsPerConnection
	if maxed {
		client.maxRequestsReached = true
		p.stats.cxMaxRequests.Inc()
	}

	if client.sawCloseHeader || maxed {
		// Draining: the current response is done, nothing further may ride
		// this connection.
		client.state = clientDraining
		client.conn.Close(api.CloseNoFlush)
		return
	}

	if pr := p.popOldestPending(); pr != nil {
		p.attachRequestToClient(client, pr.decoder, pr.callbacks)
		return
	}
	client.state = clientReady
	p.moveClient(client, p.readyClients)
	p.checkForDrained()
}

func (p *ConnPool) onPendingRequestCancel(pr *pendingRequest) {
	p.log.Debug("cancelling pending request")
	if pr.element != nil {
		p.pending.Remove(pr.element)
		pr.element = nil
		p.cluster.Resources().PendingRequests().Dec()
	}
	p.checkForDrained()
}

// checkForDrained fires the drained callbacks once nothing is pending, busy
// or ready. Ready clients are closed here; their deferred teardown
// re-enters this check, so notifiedDrained latches the notification to one
// firing per non-empty to empty transition.
func (p *ConnPool) checkForDrained() {
	if len(p.drainedCallbacks) == 0 || p.notifiedDrained {
		return
	}
	if p.pending.Len() > 0 || p.busyClients.Len() > 0 {
		return
	}
	for p.readyClients.Len() > 0 {
		p.readyClients.Front().Value.(*activeClient).conn.Close(api.CloseNoFlush)
	}
	p.notifiedDrained = true
	for _, cb := range p.drainedCallbacks {
		cb()
	}
}

func (p *ConnPool) moveClient(client *activeClient, to *list.List) {
	p.removeClient(client)
	client.element = to.PushBack(client)
	client.owner = to
}

func (p *ConnPool) removeClient(client *activeClient) {
	if client.owner != nil {
		client.owner.Remove(client.element)
		client.owner = nil
		client.element = nil
	}
}

// pendingRequest is one caller waiting for an upstream connection.
type pendingRequest struct {
	pool      *ConnPool
	decoder   api.StreamDecoder
	callbacks api.PoolCallbacks
	element   *list.Element
	cancelled bool
}

var _ api.Cancellable = (*pendingRequest)(nil)

// Cancel implements api.Cancellable. Idempotent.
func (pr *pendingRequest) Cancel() {
	if pr.cancelled {
		return
	}
	pr.cancelled = true
	pr.pool.onPendingRequestCancel(pr)
}

// activeClient is one upstream connection in the pool.
type activeClient struct {
	pool  *ConnPool
	conn  api.ClientConnection
	codec api.ClientCodec

	connectTimer api.Timer
	connectSpan  api.Timespan
	lengthSpan   api.Timespan

	element *list.Element
	owner   *list.List

	state              clientState
	totalRequests      uint64
	activeStream       api.Stream
	sawCloseHeader     bool
	maxRequestsReached bool
}

var _ api.DeferredDeletable = (*activeClient)(nil)

func newActiveClient(p *ConnPool) *activeClient {
	client := &activeClient{pool: p, state: clientConnecting}
	client.connectSpan = p.stats.cxConnectMs.AllocateSpan()
	client.lengthSpan = p.stats.cxLengthMs.AllocateSpan()

	client.conn = p.connFactory(p.dispatcher, p.host)
	if limit := p.cluster.PerConnectionBufferLimitBytes; limit != 0 {
		client.conn.SetReadBufferLimit(limit)
	}
	client.codec = p.codecFactory(client.conn)
	NewCodecClient(client.conn, client.codec)

	client.connectTimer = p.dispatcher.CreateTimer(func() { p.onConnectTimeout(client) })
	client.connectTimer.Enable(p.cluster.ConnectTimeout)
	client.conn.AddConnectionCallbacks(&clientConnectionCallbacks{pool: p, client: client})

	p.stats.cxTotal.Inc()
	p.stats.cxActive.Inc()
	p.cluster.Resources().Connections().Inc()

	client.element = p.busyClients.PushBack(client)
	client.owner = p.busyClients
	client.conn.Connect()
	return client
}

// OnDeferredDelete implements api.DeferredDeletable: the client teardown,
// strictly outside any of its own event callbacks.
func (c *activeClient) OnDeferredDelete() {
	p := c.pool
	p.stats.cxDestroy.Inc()
	p.stats.cxActive.Dec()
	c.lengthSpan.Complete()
	p.cluster.Resources().Connections().Dec()
	if p.onClientDestroy != nil {
		p.onClientDestroy()
	}
	p.checkForDrained()
}

type clientConnectionCallbacks struct {
	pool   *ConnPool
	client *activeClient
}

func (cb *clientConnectionCallbacks) OnEvent(event api.ConnectionEvent) {
	cb.pool.onConnectionEvent(cb.client, event)
}

// streamWrapper observes the response flowing to the caller's decoder:
// Connection: close marks the client for draining, end-of-stream completes
// the request.
type streamWrapper struct {
	client    *activeClient
	inner     api.StreamDecoder
	completed bool
}

var _ api.StreamDecoder = (*streamWrapper)(nil)

func (w *streamWrapper) DecodeHeaders(headers api.HeaderMap, endStream bool) {
	if strings.EqualFold(headers.Get("Connection"), "close") {
		w.client.sawCloseHeader = true
	}
	w.inner.DecodeHeaders(headers, endStream)
	if endStream {
		w.complete()
	}
}

func (w *streamWrapper) DecodeData(data []byte, endStream bool) {
	w.inner.DecodeData(data, endStream)
	if endStream {
		w.complete()
	}
}

func (w *streamWrapper) DecodeTrailers(trailers api.HeaderMap) {
	w.inner.DecodeTrailers(trailers)
	w.complete()
}

func (w *streamWrapper) complete() {
	if w.completed {
		return
	}
	w.completed = true
	w.client.pool.onResponseComplete(w.client)
}
