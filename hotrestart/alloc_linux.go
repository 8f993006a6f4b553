//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// hotrestart/alloc_linux.go
// Shared-memory stat slot allocator. Both generations run this against the
// same slot array under the process-shared stat lock, which is what makes
// counters survive a restart: matching names resolve to the same slot.

package hotrestart

import (
	"github.com/momentics/hioload-proxy/stats"
)

// Alloc implements stats.RawStatDataAllocator. A name already present in
// the region gains a reference; otherwise the first free slot is claimed.
// Returns nil when every slot is taken.
func (hr *HotRestart) Alloc(name string) *stats.RawStatData {
	lock := hr.shmem.StatLock()
	lock.Lock()
	defer lock.Unlock()

	var free *stats.RawStatData
	for i := range hr.shmem.slots {
		data := &hr.shmem.slots[i]
		if !data.Initialized() {
			if free == nil {
				free = data
			}
			continue
		}
		if data.Matches(name) {
			data.RefCount++
			return data
		}
	}
	if free != nil {
		free.Initialize(name)
	}
	return free
}

// Free implements stats.RawStatDataAllocator. The slot zeroes out at
// refcount zero and becomes claimable again. Heap-fallback slots (handed
// out when the region filled up) pass through untouched.
func (hr *HotRestart) Free(data *stats.RawStatData) {
	if !hr.shmem.contains(data) {
		return
	}
	lock := hr.shmem.StatLock()
	lock.Lock()
	defer lock.Unlock()

	// The reference decrement can race with an Alloc above, hence the lock.
	if data.RefCount == 0 {
		return
	}
	data.RefCount--
	if data.RefCount > 0 {
		return
	}
	*data = stats.RawStatData{}
}
