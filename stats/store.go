// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// stats/store.go
// Store implementation over raw stat slots, with prefixed scopes and timing
// spans.

package stats

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-proxy/api"
)

// TimingSink receives completed timing measurements.
type TimingSink func(name string, d time.Duration)

// Store is the concrete api.Store shared by all workers of the process.
type Store struct {
	alloc RawStatDataAllocator

	mu       sync.Mutex
	counters map[string]*counter
	gauges   map[string]*gauge
	timers   map[string]*statTimer
	sinks    []TimingSink
}

var _ api.Store = (*Store)(nil)

// NewStore builds a store over the given slot allocator.
func NewStore(alloc RawStatDataAllocator) *Store {
	return &Store{
		alloc:    alloc,
		counters: make(map[string]*counter),
		gauges:   make(map[string]*gauge),
		timers:   make(map[string]*statTimer),
	}
}

// Counter implements api.Scope.
func (s *Store) Counter(name string) api.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := &counter{data: s.allocSlot(name)}
	s.counters[name] = c
	return c
}

// Gauge implements api.Scope.
func (s *Store) Gauge(name string) api.Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := &gauge{data: s.allocSlot(name)}
	s.gauges[name] = g
	return g
}

// Timer implements api.Scope.
func (s *Store) Timer(name string) api.StatTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		return t
	}
	t := &statTimer{store: s, name: name}
	s.timers[name] = t
	return t
}

// CreateScope implements api.Store.
func (s *Store) CreateScope(prefix string) api.Scope {
	return &scope{store: s, prefix: prefix}
}

// AddTimingSink registers a sink for every completed timespan.
func (s *Store) AddTimingSink(sink TimingSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// EachCounter visits a snapshot of all counters.
func (s *Store) EachCounter(fn func(name string, value uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.counters {
		fn(name, c.Value())
	}
}

// EachGauge visits a snapshot of all gauges.
func (s *Store) EachGauge(fn func(name string, value uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, g := range s.gauges {
		fn(name, g.Value())
	}
}

// Shutdown releases every slot back to the allocator. Shared-memory slots
// must be released so a successor process can recycle them.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.counters {
		s.alloc.Free(c.data)
		delete(s.counters, name)
	}
	for name, g := range s.gauges {
		s.alloc.Free(g.data)
		delete(s.gauges, name)
	}
}

// allocSlot is called with mu held. Exhaustion of the shared region falls
// back to a heap slot: the stat loses hot-restart continuity but the
// process keeps serving.
func (s *Store) allocSlot(name string) *RawStatData {
	if data := s.alloc.Alloc(name); data != nil {
		return data
	}
	logrus.Warnf("stat slots exhausted, heap-allocating %q", name)
	return HeapRawStatDataAllocator{}.Alloc(name)
}

func (s *Store) deliverTimingToSinks(name string, d time.Duration) {
	s.mu.Lock()
	sinks := make([]TimingSink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink(name, d)
	}
}

type counter struct {
	data *RawStatData
}

func (c *counter) Add(amount uint64) { c.data.AddCounter(amount) }
func (c *counter) Inc()              { c.Add(1) }
func (c *counter) Value() uint64     { return c.data.CounterValue() }

type gauge struct {
	data *RawStatData
}

func (g *gauge) Add(amount uint64) { g.data.AddGauge(int64(amount)) }
func (g *gauge) Sub(amount uint64) { g.data.AddGauge(-int64(amount)) }
func (g *gauge) Inc()              { g.Add(1) }
func (g *gauge) Dec()              { g.Sub(1) }
func (g *gauge) Set(value uint64)  { g.data.SetGauge(value) }
func (g *gauge) Value() uint64     { return g.data.GaugeValue() }

type statTimer struct {
	store *Store
	name  string
}

// AllocateSpan implements api.StatTimer.
func (t *statTimer) AllocateSpan() api.Timespan {
	return &timespan{timer: t, start: time.Now()}
}

// Record implements api.StatTimer.
func (t *statTimer) Record(d time.Duration) {
	t.store.deliverTimingToSinks(t.name, d)
}

type timespan struct {
	timer *statTimer
	start time.Time
}

// Complete records the elapsed interval.
func (ts *timespan) Complete() {
	ts.timer.Record(time.Since(ts.start))
}

type scope struct {
	store  *Store
	prefix string
}

func (sc *scope) Counter(name string) api.Counter { return sc.store.Counter(sc.prefix + name) }
func (sc *scope) Gauge(name string) api.Gauge     { return sc.store.Gauge(sc.prefix + name) }
func (sc *scope) Timer(name string) api.StatTimer { return sc.store.Timer(sc.prefix + name) }
