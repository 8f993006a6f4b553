// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot-reload, metrics exposition and debug introspection
// layer. Part of the hioload-proxy core.
//
// Provides concurrent-safe state handling primitives including:
//   - YAML config loading with validation and typed snapshots
//   - Atomic config updates with reload observers, fed by a file watcher
//   - Prometheus exposition of the proxy stat store
//   - State export, debug hooks, and probe registration
package control
