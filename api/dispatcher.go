// File: api/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event dispatcher contract: one instance per worker, all callbacks run on
// the owning goroutine. Cross-goroutine hand-off goes through Post only.

package api

import "time"

// FileReadyType is a bitmask of readiness conditions a file event watches.
type FileReadyType uint32

const (
	FileReadyRead   FileReadyType = 0x1
	FileReadyWrite  FileReadyType = 0x2
	FileReadyClosed FileReadyType = 0x4
)

// FileTriggerType selects edge or level triggering for a file event.
type FileTriggerType int

const (
	FileTriggerEdge FileTriggerType = iota
	FileTriggerLevel
)

// FileReadyCb is invoked on the dispatcher goroutine with the ready set.
type FileReadyCb func(events FileReadyType)

// FileEvent is a registered fd readiness source. Closing it removes the fd
// from the dispatcher's interest set; the fd itself is not closed.
type FileEvent interface {
	// Activate synthesizes readiness without the kernel reporting it.
	Activate(events FileReadyType)
	// SetEnabled replaces the watched event set.
	SetEnabled(events FileReadyType)
	Close()
}

// TimerCb runs on the dispatcher goroutine when a timer fires.
type TimerCb func()

// Timer is a one-shot timer. Enable re-arms and replaces any previous
// deadline.
type Timer interface {
	Enable(d time.Duration)
	Disable()
	Enabled() bool
}

// DeferredDeletable is an object whose teardown must not run while one of
// its own callbacks is on the dispatcher stack. OnDeferredDelete is invoked
// from the dispatcher's drain tick, strictly after the callback that
// scheduled the deletion has returned.
type DeferredDeletable interface {
	OnDeferredDelete()
}

// RunType controls how long Dispatcher.Run occupies the calling goroutine.
type RunType int

const (
	// RunBlock runs a single iteration, waiting for at least one event.
	RunBlock RunType = iota
	// RunNonBlock runs a single iteration without waiting.
	RunNonBlock
	// RunUntilExit loops until Exit is called.
	RunUntilExit
)

// Dispatcher is the per-worker event loop. All methods except Post must be
// called on the dispatcher goroutine.
type Dispatcher interface {
	// CreateFileEvent registers fd readiness. Registration failures are
	// fatal to the process.
	CreateFileEvent(fd int, cb FileReadyCb, trigger FileTriggerType, events FileReadyType) FileEvent

	// CreateTimer returns a disarmed timer.
	CreateTimer(cb TimerCb) Timer

	// Post schedules fn on the next loop iteration. Safe from any
	// goroutine; FIFO per source goroutine; never fails.
	Post(fn func())

	// DeferredDelete schedules item teardown for after the current callback
	// returns.
	DeferredDelete(item DeferredDeletable)

	// ClearDeferredDeleteList synchronously drains pending deletions. Used
	// at shutdown.
	ClearDeferredDeleteList()

	Run(t RunType)
	Exit()
}
