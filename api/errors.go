// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error values shared across the proxy subsystems.

package api

import "errors"

// Common errors used across the library.
var (
	ErrListenerClosed      = errors.New("listener is closed")
	ErrConnectionClosed    = errors.New("connection is closed")
	ErrPoolOverflow        = errors.New("connection pool admission overflow")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrVersionMismatch     = errors.New("shared memory version mismatch")
	ErrNoSuchListener      = errors.New("no listener bound to address")
	ErrMalformedProxyProto = errors.New("failed to read proxy protocol")
)
