// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// stats/prometheus.go
// Prometheus exposition bridge. The store remains the source of truth; the
// collector snapshots counter and gauge words at scrape time, so scrapes
// never touch the hot path.

package stats

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes every store counter and gauge as a Prometheus metric.
// Register it on a prometheus.Registry served from the admin surface.
type Collector struct {
	store     *Store
	namespace string
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector over store. namespace prefixes every
// exported metric name.
func NewCollector(store *Store, namespace string) *Collector {
	return &Collector{store: store, namespace: namespace}
}

// Describe implements prometheus.Collector. The metric set is dynamic, so
// the collector is intentionally unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.store.EachCounter(func(name string, value uint64) {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(c.metricName(name), "proxy counter", nil, nil),
			prometheus.CounterValue, float64(value))
	})
	c.store.EachGauge(func(name string, value uint64) {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(c.metricName(name), "proxy gauge", nil, nil),
			prometheus.GaugeValue, float64(value))
	})
}

// metricName maps dotted stat names onto the Prometheus grammar.
func (c *Collector) metricName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	if c.namespace == "" {
		return mapped
	}
	return c.namespace + "_" + mapped
}
