// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements the per-worker event dispatcher on Linux
// epoll: fd readiness events, one-shot timers, a thread-safe post queue
// woken through an eventfd, and double-buffered deferred deletion.
//
// One Dispatcher is owned by exactly one goroutine. Every callback —
// file readiness, timer expiry, posted closures, deferred teardown — runs
// on that goroutine; the only cross-goroutine entry points are Post and
// Exit.
package reactor
