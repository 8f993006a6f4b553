// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// stats/raw.go
// Raw stat slot layout. The struct is laid directly into the shared memory
// region, so the field order and sizes are part of the hot-restart version
// contract: bump hotrestart.Version on any change here.

package stats

import "sync/atomic"

// MaxNameSize is the longest stat name a slot stores. Longer names are
// truncated; Matches compares on the truncated prefix so both sides of a
// hot restart agree.
const MaxNameSize = 127

// RawStatData is one stat slot: {ref_count, name, counter, gauge}.
type RawStatData struct {
	RefCount uint32
	_        uint32
	Name     [MaxNameSize + 1]byte
	Counter  uint64
	Gauge    uint64
}

// Initialized reports whether the slot carries a live name.
func (d *RawStatData) Initialized() bool { return d.Name[0] != 0 }

// Initialize claims the slot for name with a reference count of one.
func (d *RawStatData) Initialize(name string) {
	if len(name) > MaxNameSize {
		name = name[:MaxNameSize]
	}
	d.RefCount = 1
	for i := range d.Name {
		d.Name[i] = 0
	}
	copy(d.Name[:MaxNameSize], name)
}

// Matches compares name against the stored (truncated) slot name.
func (d *RawStatData) Matches(name string) bool {
	if len(name) > MaxNameSize {
		name = name[:MaxNameSize]
	}
	return d.NameString() == name
}

// NameString returns the stored name.
func (d *RawStatData) NameString() string {
	n := 0
	for n < len(d.Name) && d.Name[n] != 0 {
		n++
	}
	return string(d.Name[:n])
}

// AddCounter atomically bumps the counter word.
func (d *RawStatData) AddCounter(amount uint64) { atomic.AddUint64(&d.Counter, amount) }

// CounterValue atomically reads the counter word.
func (d *RawStatData) CounterValue() uint64 { return atomic.LoadUint64(&d.Counter) }

// AddGauge atomically moves the gauge word by a signed delta.
func (d *RawStatData) AddGauge(delta int64) { atomic.AddUint64(&d.Gauge, uint64(delta)) }

// SetGauge atomically stores the gauge word.
func (d *RawStatData) SetGauge(value uint64) { atomic.StoreUint64(&d.Gauge, value) }

// GaugeValue atomically reads the gauge word.
func (d *RawStatData) GaugeValue() uint64 { return atomic.LoadUint64(&d.Gauge) }

// RawStatDataAllocator hands out stat slots. Implementations: the in-process
// heap allocator below, and the shared-memory allocator in hotrestart.
type RawStatDataAllocator interface {
	// Alloc returns the slot for name, creating or re-referencing it.
	// Returns nil when the backing region is exhausted.
	Alloc(name string) *RawStatData
	// Free drops one reference; the slot is recycled at zero.
	Free(data *RawStatData)
}

// HeapRawStatDataAllocator allocates slots from the Go heap. Used when the
// process runs without hot restart.
type HeapRawStatDataAllocator struct{}

// Alloc implements RawStatDataAllocator.
func (HeapRawStatDataAllocator) Alloc(name string) *RawStatData {
	d := &RawStatData{}
	d.Initialize(name)
	return d
}

// Free implements RawStatDataAllocator. Heap slots are garbage collected.
func (HeapRawStatDataAllocator) Free(*RawStatData) {}
