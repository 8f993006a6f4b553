// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// server/worker.go
// One worker = one OS-thread-locked goroutine running one dispatcher. The
// worker owns its handler; foreign goroutines reach it through Post.

package server

import (
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-proxy/affinity"
	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/reactor"
)

// Worker binds a dispatcher, its connection handler and the goroutine that
// runs them.
type Worker struct {
	index      int
	dispatcher *reactor.Dispatcher
	handler    *ConnectionHandler
	log        *logrus.Entry

	cpu           int
	startWatchdog bool

	done chan struct{}
}

// NewWorker builds a stopped worker. Listeners are added to the handler
// before Start, or afterwards via the dispatcher's Post.
func NewWorker(store api.Store, index int, opts ...WorkerOption) *Worker {
	log := logrus.WithField("worker", index)
	d := reactor.NewDispatcher()
	w := &Worker{
		index:         index,
		dispatcher:    d,
		handler:       NewConnectionHandler(store, d, log),
		log:           log,
		cpu:           -1,
		startWatchdog: true,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Handler returns the worker's connection handler.
func (w *Worker) Handler() *ConnectionHandler { return w.handler }

// Dispatcher returns the worker's event loop.
func (w *Worker) Dispatcher() api.Dispatcher { return w.dispatcher }

// Start launches the worker goroutine and runs the loop until Stop.
func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if w.cpu >= 0 {
			if err := affinity.SetAffinity(w.cpu); err != nil {
				w.log.Warnf("cpu pinning disabled: %v", err)
			}
		}
		if w.startWatchdog {
			w.handler.StartWatchdog()
		}
		w.log.Debug("worker loop starting")
		w.dispatcher.Run(api.RunUntilExit)
	}()
}

// Stop closes connections and listeners on the loop, exits it, and waits
// for the goroutine to finish.
func (w *Worker) Stop() {
	w.dispatcher.Post(func() {
		w.handler.CloseListeners()
		w.handler.CloseConnections()
		w.dispatcher.Exit()
	})
	<-w.done
	w.dispatcher.Close()
}
