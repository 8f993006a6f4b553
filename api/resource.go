// File: api/resource.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cluster-scoped resource accounting consulted on every pool admission
// decision.

package api

// Resource is a bounded count of some cluster-wide entity.
type Resource interface {
	CanCreate() bool
	Inc()
	Dec()
	Max() uint64
	Count() uint64
}

// ResourceManager owns the circuit-breaking limits of one cluster.
type ResourceManager interface {
	Connections() Resource
	PendingRequests() Resource
	Requests() Resource
	Retries() Resource
}
