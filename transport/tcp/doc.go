// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp provides the downstream-facing network layer: listen sockets,
// the accepting listener with PROXY protocol and original-destination
// handling, and the non-blocking connection implementation driven by the
// worker dispatcher.
//
// All types here are single-goroutine: they live on the dispatcher that
// created them.
package tcp
