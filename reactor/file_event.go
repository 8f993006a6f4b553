// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// reactor/file_event.go
// fd readiness registration against the dispatcher's epoll set.

package reactor

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
)

type fileEvent struct {
	d       *Dispatcher
	fd      int
	cb      api.FileReadyCb
	trigger api.FileTriggerType
	watched api.FileReadyType
	closed  bool
}

var _ api.FileEvent = (*fileEvent)(nil)

func (fe *fileEvent) epollMask() uint32 {
	var mask uint32
	if fe.watched&api.FileReadyRead != 0 {
		mask |= unix.EPOLLIN
	}
	if fe.watched&api.FileReadyWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	if fe.watched&api.FileReadyClosed != 0 {
		mask |= unix.EPOLLRDHUP
	}
	if fe.trigger == api.FileTriggerEdge {
		mask |= unix.EPOLLET
	}
	return mask
}

// readySet translates kernel event bits into the watched api readiness set.
// Error and hangup conditions surface as read/write readiness so the owner
// observes the failure from its normal I/O path.
func (fe *fileEvent) readySet(events uint32) api.FileReadyType {
	var ready api.FileReadyType
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ready |= api.FileReadyRead
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= api.FileReadyWrite
	}
	if events&unix.EPOLLRDHUP != 0 {
		if fe.watched&api.FileReadyClosed != 0 {
			ready |= api.FileReadyClosed
		} else {
			ready |= api.FileReadyRead
		}
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= api.FileReadyRead | api.FileReadyWrite
	}
	return ready & (fe.watched | api.FileReadyRead | api.FileReadyWrite)
}

// Activate implements api.FileEvent: the callback runs on the next loop
// iteration as if the kernel had reported the events.
func (fe *fileEvent) Activate(events api.FileReadyType) {
	fe.d.Post(func() {
		if !fe.closed {
			fe.cb(events)
		}
	})
}

// SetEnabled implements api.FileEvent.
func (fe *fileEvent) SetEnabled(events api.FileReadyType) {
	if fe.closed || fe.watched == events {
		return
	}
	fe.watched = events
	ev := unix.EpollEvent{Events: fe.epollMask(), Fd: int32(fe.fd)}
	if err := unix.EpollCtl(fe.d.epfd, unix.EPOLL_CTL_MOD, fe.fd, &ev); err != nil {
		logrus.Fatalf("unable to modify file event on fd %d: %v", fe.fd, err)
	}
}

// Close implements api.FileEvent. The fd itself stays open; the owner closes
// it separately.
func (fe *fileEvent) Close() {
	if fe.closed {
		return
	}
	fe.closed = true
	delete(fe.d.events, fe.fd)
	// The owner may already have closed the fd, in which case the kernel
	// dropped the registration for us.
	_ = unix.EpollCtl(fe.d.epfd, unix.EPOLL_CTL_DEL, fe.fd, nil)
}
