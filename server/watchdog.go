// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// server/watchdog.go
// Event-loop latency watchdog: a 100ms self-rearming timer that measures
// its own scheduling delay. Missed deadlines are the only health signal
// the loop emits.

package server

import (
	"time"

	"github.com/momentics/hioload-proxy/api"
)

const (
	watchdogInterval      = 100 * time.Millisecond
	watchdogMissDelta     = 200 * time.Millisecond
	watchdogMegaMissDelta = time.Second
)

type watchdog struct {
	miss     api.Counter
	megaMiss api.Counter
	timer    api.Timer
	lastTick time.Time
}

// StartWatchdog arms the loop-health timer. Call once per worker, on the
// dispatcher goroutine.
func (h *ConnectionHandler) StartWatchdog() {
	if h.watchdog != nil {
		return
	}
	w := &watchdog{
		miss:     h.store.Counter("server.watchdog_miss"),
		megaMiss: h.store.Counter("server.watchdog_mega_miss"),
	}
	w.timer = h.dispatcher.CreateTimer(func() {
		delta := time.Since(w.lastTick)
		if delta > watchdogMissDelta {
			w.miss.Inc()
		}
		if delta > watchdogMegaMissDelta {
			w.megaMiss.Inc()
		}
		w.lastTick = time.Now()
		w.timer.Enable(watchdogInterval)
	})
	w.lastTick = time.Now()
	w.timer.Enable(watchdogInterval)
	h.watchdog = w
}
