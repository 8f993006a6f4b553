// File: api/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api defines the public contracts between the proxy subsystems:
// the per-worker event dispatcher, listeners and connections, the upstream
// HTTP/1 connection pool, cluster resource accounting, and the stats store.
//
// Implementations live in the reactor, transport, server, upstream, stats
// and hotrestart packages. Everything in this package is intentionally free
// of syscall and platform details.
package api
