// File: server/options.go
// Package server defines functional options for Worker construction.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

// WorkerOption customizes worker initialization.
type WorkerOption func(*Worker)

// WithCPUAffinity pins the worker's OS thread to the given logical CPU.
func WithCPUAffinity(cpu int) WorkerOption {
	return func(w *Worker) {
		w.cpu = cpu
	}
}

// WithWatchdog toggles the event-loop watchdog (on by default).
func WithWatchdog(enabled bool) WorkerOption {
	return func(w *Worker) {
		w.startWatchdog = enabled
	}
}
