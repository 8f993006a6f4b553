//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// hotrestart/lock_linux.go
// Process-shared futex lock living inside the shared memory region. The
// owner pid sits next to the futex word so a successor can recover a lock
// whose holder died: the robust-mutex fallback for a runtime without
// pthread robust mutexes.

package hotrestart

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// lockWord is the in-region layout of one lock: futex state + owner pid.
// State values: 0 free, 1 held, 2 held with waiters.
type lockWord struct {
	State uint32
	Owner uint32
}

// ProcessSharedLock wraps a lockWord mapped from the shared region.
type ProcessSharedLock struct {
	word *lockWord
}

const lockWaitSlice = 100 * 1000 * 1000 // ns; bounds each sleep so dead owners are noticed

// Lock acquires the lock, recovering it if the recorded owner no longer
// exists.
func (l *ProcessSharedLock) Lock() {
	if atomic.CompareAndSwapUint32(&l.word.State, 0, 1) {
		atomic.StoreUint32(&l.word.Owner, uint32(os.Getpid()))
		return
	}
	for {
		// Mark contended and sleep until woken or the wait slice elapses.
		if atomic.LoadUint32(&l.word.State) == 2 ||
			atomic.CompareAndSwapUint32(&l.word.State, 1, 2) {
			futexWait(&l.word.State, 2)
		}
		if atomic.CompareAndSwapUint32(&l.word.State, 0, 2) {
			atomic.StoreUint32(&l.word.Owner, uint32(os.Getpid()))
			return
		}
		l.recoverDeadOwner()
	}
}

// TryLock acquires without blocking.
func (l *ProcessSharedLock) TryLock() bool {
	if atomic.CompareAndSwapUint32(&l.word.State, 0, 1) {
		atomic.StoreUint32(&l.word.Owner, uint32(os.Getpid()))
		return true
	}
	return false
}

// Unlock releases and wakes one waiter if any.
func (l *ProcessSharedLock) Unlock() {
	atomic.StoreUint32(&l.word.Owner, 0)
	if atomic.SwapUint32(&l.word.State, 0) == 2 {
		futexWake(&l.word.State, 1)
	}
}

// recoverDeadOwner force-releases the lock when its holder is gone. Racing
// recoverers collapse onto the same CAS.
func (l *ProcessSharedLock) recoverDeadOwner() {
	owner := atomic.LoadUint32(&l.word.Owner)
	if owner == 0 || pidAlive(int(owner)) {
		return
	}
	state := atomic.LoadUint32(&l.word.State)
	if state != 0 && atomic.CompareAndSwapUint32(&l.word.State, state, 0) {
		atomic.CompareAndSwapUint32(&l.word.Owner, owner, 0)
		futexWake(&l.word.State, 1)
	}
}

// recoverOnAttach is called once when a successor maps the region: any lock
// still held by a dead process is made consistent.
func (l *ProcessSharedLock) recoverOnAttach() {
	l.recoverDeadOwner()
}

func pidAlive(pid int) bool {
	return unix.Kill(pid, 0) != unix.ESRCH
}

const (
	futexWaitOp = 0
	futexWakeOp = 1
)

func futexWait(addr *uint32, val uint32) {
	ts := unix.Timespec{Nsec: lockWaitSlice}
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp), uintptr(val),
		uintptr(unsafe.Pointer(&ts)), 0, 0)
}

func futexWake(addr *uint32, n int) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp), uintptr(n), 0, 0, 0)
}
