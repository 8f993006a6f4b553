// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// server/instance.go
// Process-level assembly: listen sockets (fresh or inherited over the
// hot-restart channel), the worker fleet sharing them, the admin surface,
// and the parent-side RPC answers.

package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"github.com/momentics/hioload-proxy/hotrestart"
	"github.com/momentics/hioload-proxy/reactor"
	"github.com/momentics/hioload-proxy/stats"
	"github.com/momentics/hioload-proxy/transport/tcp"
)

// Instance is one proxy process generation.
type Instance struct {
	cfg       *control.Config
	store     *stats.Store
	restarter *hotrestart.HotRestart

	dispatcher *reactor.Dispatcher
	workers    []*Worker
	sockets    []*tcp.ListenSocket
	probes     *control.DebugProbes

	adminServer *http.Server
	adminDown   atomic.Bool

	startTime         uint64
	originalStartTime uint64
}

// NewInstance drains the parent, takes over (or binds) the listen sockets
// and builds the worker fleet. Workers are not started yet.
func NewInstance(cfg *control.Config, store *stats.Store, restarter *hotrestart.HotRestart,
	factory api.FilterChainFactory) (*Instance, error) {

	now := uint64(time.Now().Unix())
	inst := &Instance{
		cfg:               cfg,
		store:             store,
		restarter:         restarter,
		dispatcher:        reactor.NewDispatcher(),
		probes:            control.NewDebugProbes(),
		startTime:         now,
		originalStartTime: now,
	}

	// The parent stops accepting before we bind, so no connection is ever
	// accepted twice.
	restarter.DrainParentListeners()

	for _, lc := range cfg.Listeners {
		addr, err := api.ParseAddress(lc.Address)
		if err != nil {
			return nil, err
		}
		var socket *tcp.ListenSocket
		if fd := restarter.DuplicateParentListenSocket(addr.String()); fd != -1 {
			logrus.Infof("inherited listen socket for %s from parent", addr)
			socket, err = tcp.NewListenSocketFromFd(fd)
		} else {
			socket, err = tcp.NewListenSocket(addr)
		}
		if err != nil {
			return nil, err
		}
		inst.sockets = append(inst.sockets, socket)
	}

	numCPU := runtime.NumCPU()
	for i := 0; i < cfg.Workers; i++ {
		w := NewWorker(store, i, WithCPUAffinity(i%numCPU))
		// Every worker accepts on every shared listen socket.
		for si, lc := range cfg.Listeners {
			w.Handler().AddListener(factory, inst.sockets[si], lc.Options())
		}
		inst.workers = append(inst.workers, w)
	}

	inst.registerProbes()
	restarter.Initialize(inst.dispatcher, inst)
	return inst, nil
}

// Run starts workers and the admin surface, completes the hot-restart
// handover, then parks on the main dispatcher until Exit.
func (i *Instance) Run() {
	for _, w := range i.workers {
		w.Start()
	}
	i.startAdmin()

	if t := i.restarter.ShutdownParentAdmin(); t != 0 {
		i.originalStartTime = t
	}
	parent := i.restarter.GetParentStats()
	if parent.NumConnections > 0 {
		logrus.Infof("parent still serving %d connections", parent.NumConnections)
	}
	i.restarter.TerminateParent()

	logrus.Info("proxy running")
	i.dispatcher.Run(api.RunUntilExit)

	// Shutdown path.
	i.shutdownAdmin()
	for _, w := range i.workers {
		w.Stop()
	}
	for _, s := range i.sockets {
		s.Close()
	}
	i.dispatcher.Close()
	i.store.Shutdown()
	i.restarter.Shutdown()
}

// Exit unwinds Run. Safe from any goroutine.
func (i *Instance) Exit() { i.dispatcher.Exit() }

// DrainListeners implements hotrestart.Instance.
func (i *Instance) DrainListeners() {
	logrus.Info("draining listeners due to hot restart")
	for _, w := range i.workers {
		handler := w.Handler()
		w.Dispatcher().Post(handler.CloseListeners)
	}
}

// GetListenSocketFd implements hotrestart.Instance.
func (i *Instance) GetListenSocketFd(address string) int {
	for _, s := range i.sockets {
		if s.Address().String() == address {
			return s.Fd()
		}
	}
	return -1
}

// ShutdownAdmin implements hotrestart.Instance.
func (i *Instance) ShutdownAdmin() {
	logrus.Info("shutting down admin due to child startup")
	i.shutdownAdmin()
}

// StartTimeFirstEpoch implements hotrestart.Instance.
func (i *Instance) StartTimeFirstEpoch() uint64 { return i.originalStartTime }

// ParentStats implements hotrestart.Instance.
func (i *Instance) ParentStats() hotrestart.ParentStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	var conns uint64
	i.store.EachGauge(func(name string, value uint64) {
		if strings.HasSuffix(name, "downstream_cx_active") {
			conns += value
		}
	})
	return hotrestart.ParentStats{MemoryAllocated: ms.HeapAlloc, NumConnections: conns}
}

func (i *Instance) registerProbes() {
	i.probes.RegisterProbe("server.workers", func() any { return len(i.workers) })
	i.probes.RegisterProbe("server.hot_restart_version", func() any {
		return i.restarter.VersionString()
	})
	i.probes.RegisterProbe("server.listeners", func() any {
		out := make([]string, 0, len(i.sockets))
		for _, s := range i.sockets {
			out = append(out, s.Address().String())
		}
		return out
	})
}

func (i *Instance) startAdmin() {
	if i.cfg.AdminAddress == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", control.NewMetricsHandler(i.store))
	mux.HandleFunc("/debug", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(i.probes.DumpState())
	})
	i.adminServer = &http.Server{Addr: i.cfg.AdminAddress, Handler: mux}
	go func() {
		if err := i.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Warnf("admin server: %v", err)
		}
	}()
}

func (i *Instance) shutdownAdmin() {
	if i.adminServer == nil || !i.adminDown.CompareAndSwap(false, true) {
		return
	}
	i.adminServer.Close()
}
