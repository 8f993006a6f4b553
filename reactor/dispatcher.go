// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// reactor/dispatcher.go
// Epoll-backed implementation of api.Dispatcher.

package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
)

const epollBatch = 128

// Dispatcher is the epoll event loop bound to one worker goroutine.
type Dispatcher struct {
	epfd   int
	wakeup *wakeupFd

	events map[int]*fileEvent
	timers timerHeap

	postMu sync.Mutex
	posts  *queue.Queue

	toDelete            [2][]api.DeferredDeletable
	current             int
	deferredDeleting    bool
	deferredDeleteTimer api.Timer

	exitFlag atomic.Bool
	epollBuf []unix.EpollEvent
}

var _ api.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher builds a dispatcher. Failure to set up the epoll instance or
// the wakeup eventfd is fatal.
func NewDispatcher() *Dispatcher {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logrus.Fatalf("epoll_create1: %v", err)
	}
	d := &Dispatcher{
		epfd:     epfd,
		events:   make(map[int]*fileEvent),
		posts:    queue.New(),
		epollBuf: make([]unix.EpollEvent, epollBatch),
	}
	d.wakeup = newWakeupFd(d)
	d.deferredDeleteTimer = d.CreateTimer(d.ClearDeferredDeleteList)
	return d
}

// Close releases the epoll instance and the wakeup fd. The dispatcher must
// not be used afterwards.
func (d *Dispatcher) Close() {
	d.wakeup.close()
	unix.Close(d.epfd)
}

// CreateFileEvent implements api.Dispatcher.
func (d *Dispatcher) CreateFileEvent(fd int, cb api.FileReadyCb, trigger api.FileTriggerType,
	events api.FileReadyType) api.FileEvent {

	fe := &fileEvent{d: d, fd: fd, cb: cb, trigger: trigger, watched: events}
	ev := unix.EpollEvent{Events: fe.epollMask(), Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		logrus.Fatalf("unable to register file event on fd %d: %v", fd, err)
	}
	d.events[fd] = fe
	return fe
}

// CreateTimer implements api.Dispatcher.
func (d *Dispatcher) CreateTimer(cb api.TimerCb) api.Timer {
	return &timerImpl{d: d, cb: cb, index: -1}
}

// Post implements api.Dispatcher. Safe from any goroutine.
func (d *Dispatcher) Post(fn func()) {
	d.postMu.Lock()
	d.posts.Add(fn)
	d.postMu.Unlock()
	d.wakeup.notify()
}

// DeferredDelete implements api.Dispatcher.
func (d *Dispatcher) DeferredDelete(item api.DeferredDeletable) {
	cur := &d.toDelete[d.current]
	*cur = append(*cur, item)
	// Arming on the first element means items queued while a drain runs are
	// picked up on the following tick, not inline.
	if len(*cur) == 1 {
		d.deferredDeleteTimer.Enable(0)
	}
}

// ClearDeferredDeleteList implements api.Dispatcher. Items queued during the
// drain land in the other buffer and run on the next tick.
func (d *Dispatcher) ClearDeferredDeleteList() {
	toDelete := &d.toDelete[d.current]
	if d.deferredDeleting || len(*toDelete) == 0 {
		return
	}

	// Swap buffers first so self-deletion during a teardown cannot corrupt
	// the slice being walked.
	d.deferredDeleting = true
	d.current = (d.current + 1) % 2
	for _, item := range *toDelete {
		item.OnDeferredDelete()
	}
	*toDelete = (*toDelete)[:0]
	d.deferredDeleting = false
}

// Run implements api.Dispatcher.
func (d *Dispatcher) Run(t api.RunType) {
	switch t {
	case api.RunNonBlock:
		d.iterate(false)
	case api.RunBlock:
		d.iterate(true)
	case api.RunUntilExit:
		for !d.exitFlag.Load() {
			d.iterate(true)
		}
	}
}

// Exit implements api.Dispatcher. Safe from any goroutine.
func (d *Dispatcher) Exit() {
	d.exitFlag.Store(true)
	d.wakeup.notify()
}

func (d *Dispatcher) iterate(block bool) {
	d.runPostCallbacks()

	timeout := 0
	if block {
		timeout = d.pollTimeout()
	}
	n, err := unix.EpollWait(d.epfd, d.epollBuf, timeout)
	if err != nil && err != unix.EINTR {
		logrus.Fatalf("epoll_wait: %v", err)
	}

	for i := 0; i < n; i++ {
		fe, ok := d.events[int(d.epollBuf[i].Fd)]
		if !ok || fe.closed {
			continue
		}
		if ready := fe.readySet(d.epollBuf[i].Events); ready != 0 {
			fe.cb(ready)
		}
	}

	d.runExpiredTimers()
}

// pollTimeout returns the epoll_wait timeout in ms honoring the nearest
// timer deadline. -1 blocks indefinitely.
func (d *Dispatcher) pollTimeout() int {
	if len(d.timers) == 0 {
		return -1
	}
	delta := time.Until(d.timers[0].deadline)
	if delta <= 0 {
		return 0
	}
	ms := int(delta / time.Millisecond)
	// Round up so a sub-millisecond deadline does not spin at timeout 0.
	if delta%time.Millisecond != 0 {
		ms++
	}
	return ms
}

func (d *Dispatcher) runPostCallbacks() {
	d.postMu.Lock()
	if d.posts.Length() == 0 {
		d.postMu.Unlock()
		return
	}
	callbacks := make([]func(), 0, d.posts.Length())
	for d.posts.Length() > 0 {
		callbacks = append(callbacks, d.posts.Remove().(func()))
	}
	d.postMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
