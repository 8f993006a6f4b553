// File: pool/doc.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Recycled byte buffers for the per-connection read path. One pool per
// chunk size; buffers flow dispatcher-thread to dispatcher-thread, so the
// sync.Pool fast path almost never contends.
package pool
