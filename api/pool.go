// File: api/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Upstream connection pool contract.

package api

// PoolFailureReason is delivered with OnPoolFailure.
type PoolFailureReason int

const (
	// PoolFailureOverflow means the pending-request limit rejected the
	// stream at admission.
	PoolFailureOverflow PoolFailureReason = iota
	// PoolFailureConnectionFailure means the upstream connect failed or
	// timed out.
	PoolFailureConnectionFailure
)

// PoolCallbacks receives the outcome of a NewStream call.
type PoolCallbacks interface {
	// OnPoolReady fires when the stream is bound to an upstream connection.
	OnPoolReady(encoder StreamEncoder, host Address)
	// OnPoolFailure fires when the stream can never be bound.
	OnPoolFailure(reason PoolFailureReason, host Address)
}

// Cancellable cancels a pending request. Cancel is synchronous and
// idempotent; after it returns no callback for the request will fire.
type Cancellable interface {
	Cancel()
}

// ConnectionPool binds logical streams to a bounded set of upstream
// connections.
type ConnectionPool interface {
	// NewStream either binds to an idle connection (callbacks fire
	// synchronously, returns nil), queues a pending request (returns a
	// cancel handle), or rejects with overflow (callbacks fire
	// synchronously, returns nil).
	NewStream(responseDecoder StreamDecoder, cb PoolCallbacks) Cancellable

	// AddDrainedCallback registers fn to run when the pool becomes fully
	// empty. Callbacks stack; registering also starts draining ready
	// connections.
	AddDrainedCallback(fn func())
}
