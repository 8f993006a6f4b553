//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// reactor/wakeup_linux.go
// eventfd wakeup for the post queue: foreign goroutines bump the counter,
// the loop drains it and runs queued callbacks.

package reactor

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
)

type wakeupFd struct {
	d     *Dispatcher
	fd    int
	event api.FileEvent
}

func newWakeupFd(d *Dispatcher) *wakeupFd {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		logrus.Fatalf("eventfd: %v", err)
	}
	w := &wakeupFd{d: d, fd: fd}
	w.event = d.CreateFileEvent(fd, w.onReady, api.FileTriggerEdge, api.FileReadyRead)
	return w
}

// notify is safe from any goroutine. The eventfd counter accumulates and a
// single read drains it, so concurrent notifies collapse into one wakeup.
func (w *wakeupFd) notify() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(w.fd, one[:])
}

func (w *wakeupFd) onReady(api.FileReadyType) {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.fd, buf[:]); err != nil {
			break
		}
	}
	w.d.runPostCallbacks()
}

func (w *wakeupFd) close() {
	w.event.Close()
	unix.Close(w.fd)
}
