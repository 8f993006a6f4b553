// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// upstream/cluster.go
// Cluster description and the shared resource manager consulted on every
// pool admission decision.

package upstream

import (
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-proxy/api"
)

// Cluster describes one upstream cluster. Immutable after construction;
// shared by the per-worker pools.
type Cluster struct {
	Name                          string
	ConnectTimeout                time.Duration
	PerConnectionBufferLimitBytes uint32
	MaxRequestsPerConnection      uint64

	resources api.ResourceManager
}

// NewCluster builds a cluster around an existing resource manager.
func NewCluster(name string, connectTimeout time.Duration, rm api.ResourceManager) *Cluster {
	return &Cluster{
		Name:           name,
		ConnectTimeout: connectTimeout,
		resources:      rm,
	}
}

// Resources returns the cluster resource manager.
func (c *Cluster) Resources() api.ResourceManager { return c.resources }

// resource is one bounded count. Counts are atomic because pools on
// different workers admit against the same cluster.
type resource struct {
	max     uint64
	current atomic.Int64
}

func (r *resource) CanCreate() bool { return uint64(r.current.Load()) < r.max }
func (r *resource) Inc()            { r.current.Add(1) }
func (r *resource) Dec()            { r.current.Add(-1) }
func (r *resource) Max() uint64     { return r.max }
func (r *resource) Count() uint64   { return uint64(r.current.Load()) }

// ResourceManager implements api.ResourceManager with fixed limits.
type ResourceManager struct {
	connections     resource
	pendingRequests resource
	requests        resource
	retries         resource
}

var _ api.ResourceManager = (*ResourceManager)(nil)

// NewResourceManager builds a manager with the given circuit-breaking
// limits.
func NewResourceManager(maxConnections, maxPendingRequests, maxRequests, maxRetries uint64) *ResourceManager {
	return &ResourceManager{
		connections:     resource{max: maxConnections},
		pendingRequests: resource{max: maxPendingRequests},
		requests:        resource{max: maxRequests},
		retries:         resource{max: maxRetries},
	}
}

func (rm *ResourceManager) Connections() api.Resource     { return &rm.connections }
func (rm *ResourceManager) PendingRequests() api.Resource { return &rm.pendingRequests }
func (rm *ResourceManager) Requests() api.Resource        { return &rm.requests }
func (rm *ResourceManager) Retries() api.Resource         { return &rm.retries }
