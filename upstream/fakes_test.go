package upstream_test

import (
	"time"

	"github.com/momentics/hioload-proxy/api"
)

// fakeDispatcher gives tests manual control over timers and deferred
// deletion, mirroring how the pool runs on a real loop.
type fakeDispatcher struct {
	timers   []*fakeTimer
	deferred []api.DeferredDeletable
}

func (d *fakeDispatcher) CreateFileEvent(int, api.FileReadyCb, api.FileTriggerType,
	api.FileReadyType) api.FileEvent {
	return &fakeFileEvent{}
}

func (d *fakeDispatcher) CreateTimer(cb api.TimerCb) api.Timer {
	t := &fakeTimer{cb: cb}
	d.timers = append(d.timers, t)
	return t
}

func (d *fakeDispatcher) Post(fn func()) { fn() }

func (d *fakeDispatcher) DeferredDelete(item api.DeferredDeletable) {
	d.deferred = append(d.deferred, item)
}

func (d *fakeDispatcher) ClearDeferredDeleteList() {
	for len(d.deferred) > 0 {
		batch := d.deferred
		d.deferred = nil
		for _, item := range batch {
			item.OnDeferredDelete()
		}
	}
}

func (d *fakeDispatcher) Run(api.RunType) {}
func (d *fakeDispatcher) Exit()           {}

type fakeFileEvent struct{}

func (*fakeFileEvent) Activate(api.FileReadyType)   {}
func (*fakeFileEvent) SetEnabled(api.FileReadyType) {}
func (*fakeFileEvent) Close()                       {}

type fakeTimer struct {
	cb      api.TimerCb
	armed   bool
	timeout time.Duration
}

func (t *fakeTimer) Enable(d time.Duration) { t.armed = true; t.timeout = d }
func (t *fakeTimer) Disable()               { t.armed = false }
func (t *fakeTimer) Enabled() bool          { return t.armed }

// Fire simulates expiry.
func (t *fakeTimer) Fire() {
	t.armed = false
	t.cb()
}

// fakeConn stands in for an upstream TCP connection.
type fakeConn struct {
	remote        api.Address
	callbacks     []api.ConnectionCallbacks
	filters       []api.ReadFilter
	readLimit     uint32
	connectCalled bool
	closed        bool
}

var _ api.ClientConnection = (*fakeConn)(nil)

func (c *fakeConn) ID() string                 { return "fake" }
func (c *fakeConn) Fd() int                    { return -1 }
func (c *fakeConn) LocalAddress() api.Address  { return api.Address{} }
func (c *fakeConn) RemoteAddress() api.Address { return c.remote }
func (c *fakeConn) NoDelay(bool)               {}
func (c *fakeConn) Write([]byte)               {}
func (c *fakeConn) Connect()                   { c.connectCalled = true }

func (c *fakeConn) State() api.ConnectionState {
	if c.closed {
		return api.ConnectionClosed
	}
	return api.ConnectionOpen
}

func (c *fakeConn) AddConnectionCallbacks(cb api.ConnectionCallbacks) {
	c.callbacks = append(c.callbacks, cb)
}

func (c *fakeConn) AddReadFilter(f api.ReadFilter) { c.filters = append(c.filters, f) }

func (c *fakeConn) SetReadBufferLimit(limit uint32) { c.readLimit = limit }
func (c *fakeConn) ReadBufferLimit() uint32         { return c.readLimit }

func (c *fakeConn) Close(api.CloseType) {
	if c.closed {
		return
	}
	c.closed = true
	c.raiseEvent(api.ConnectionEventLocalClose)
}

// raiseEvent delivers a connection event as the real loop would.
func (c *fakeConn) raiseEvent(event api.ConnectionEvent) {
	if event == api.ConnectionEventRemoteClose {
		c.closed = true
	}
	for _, cb := range c.callbacks {
		cb.OnEvent(event)
	}
}

// fakeCodec records streams handed out; tests drive responses through the
// captured decoder.
type fakeCodec struct {
	decoders []api.StreamDecoder
	encoders []*fakeEncoder
}

var _ api.ClientCodec = (*fakeCodec)(nil)

func (c *fakeCodec) NewStream(responseDecoder api.StreamDecoder) api.StreamEncoder {
	c.decoders = append(c.decoders, responseDecoder)
	enc := &fakeEncoder{stream: &fakeStream{}}
	c.encoders = append(c.encoders, enc)
	return enc
}

func (c *fakeCodec) Dispatch([]byte) error { return nil }

func (c *fakeCodec) lastDecoder() api.StreamDecoder { return c.decoders[len(c.decoders)-1] }

type fakeEncoder struct {
	stream *fakeStream
}

func (e *fakeEncoder) EncodeHeaders(api.HeaderMap, bool) {}
func (e *fakeEncoder) EncodeData([]byte, bool)           {}
func (e *fakeEncoder) GetStream() api.Stream             { return e.stream }

type fakeStream struct {
	callbacks []api.StreamCallbacks
	resets    []api.StreamResetReason
}

func (s *fakeStream) AddCallbacks(cb api.StreamCallbacks) { s.callbacks = append(s.callbacks, cb) }

func (s *fakeStream) ResetStream(reason api.StreamResetReason) {
	s.resets = append(s.resets, reason)
	for _, cb := range s.callbacks {
		cb.OnResetStream(reason)
	}
}

// poolCallbacks records pool outcomes; onFailure may re-enter the pool.
type poolCallbacks struct {
	readyCount   int
	failureCount int
	lastEncoder  api.StreamEncoder
	lastReason   api.PoolFailureReason
	onFailure    func()
	onReady      func()
}

var _ api.PoolCallbacks = (*poolCallbacks)(nil)

func (cb *poolCallbacks) OnPoolReady(encoder api.StreamEncoder, _ api.Address) {
	cb.readyCount++
	cb.lastEncoder = encoder
	if cb.onReady != nil {
		cb.onReady()
	}
}

func (cb *poolCallbacks) OnPoolFailure(reason api.PoolFailureReason, _ api.Address) {
	cb.failureCount++
	cb.lastReason = reason
	if cb.onFailure != nil {
		cb.onFailure()
	}
}

// nullDecoder is the caller-side response decoder.
type nullDecoder struct {
	headers  api.HeaderMap
	complete bool
}

func (d *nullDecoder) DecodeHeaders(headers api.HeaderMap, endStream bool) {
	d.headers = headers
	d.complete = d.complete || endStream
}

func (d *nullDecoder) DecodeData(_ []byte, endStream bool) { d.complete = d.complete || endStream }
func (d *nullDecoder) DecodeTrailers(api.HeaderMap)        { d.complete = true }

type streamWatcher struct {
	resets []api.StreamResetReason
}

func (w *streamWatcher) OnResetStream(reason api.StreamResetReason) {
	w.resets = append(w.resets, reason)
}
