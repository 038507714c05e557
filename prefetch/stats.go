// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package prefetch

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats accumulates prefetching activity. The cumulative counters are
// updated by the driver as it examines block references; the three
// distance gauges are snapshots refreshed every statsDistance bytes of
// WAL. A Stats may be shared with other goroutines for reading and for
// requesting resets; all fields are accessed atomically.
type Stats struct {
	resetTime atomic.Int64 // unix nanoseconds

	prefetch atomic.Uint64 // reads initiated
	hit      atomic.Uint64 // blocks already cached
	skipInit atomic.Uint64 // zero-initialized blocks skipped
	skipNew  atomic.Uint64 // filtered new or missing blocks skipped
	skipFPW  atomic.Uint64 // full-page images skipped
	skipRep  atomic.Uint64 // repeat references skipped

	walDistance   atomic.Int64 // bytes of WAL decoded ahead of replay
	blockDistance atomic.Int64 // block references examined ahead
	ioDepth       atomic.Int64 // reads in flight

	// resetRequest is bumped by RequestReset and compared against the
	// driver's handled count at every stats refresh, so that resets need
	// no lock.
	resetRequest atomic.Uint64
}

// NewStats returns a zeroed Stats with the reset time set to now.
func NewStats() *Stats {
	s := &Stats{}
	s.resetTime.Store(time.Now().UnixNano())
	return s
}

// RequestReset asks the owning driver to zero the cumulative counters
// at its next stats refresh.
func (s *Stats) RequestReset() {
	s.resetRequest.Add(1)
}

// maybeReset zeroes the counters if a reset was requested since
// *handled, and records the requests as handled.
func (s *Stats) maybeReset(handled *uint64) {
	req := s.resetRequest.Load()
	if req == *handled {
		return
	}
	*handled = req
	s.resetTime.Store(time.Now().UnixNano())
	s.prefetch.Store(0)
	s.hit.Store(0)
	s.skipInit.Store(0)
	s.skipNew.Store(0)
	s.skipFPW.Store(0)
	s.skipRep.Store(0)
}

// StatsSnapshot is a point-in-time copy of a Stats.
type StatsSnapshot struct {
	ResetTime time.Time

	Prefetch uint64
	Hit      uint64
	SkipInit uint64
	SkipNew  uint64
	SkipFPW  uint64
	SkipRep  uint64

	WALDistance   int64
	BlockDistance int64
	IODepth       int64
}

// Snapshot returns a copy of the current values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ResetTime:     time.Unix(0, s.resetTime.Load()),
		Prefetch:      s.prefetch.Load(),
		Hit:           s.hit.Load(),
		SkipInit:      s.skipInit.Load(),
		SkipNew:       s.skipNew.Load(),
		SkipFPW:       s.skipFPW.Load(),
		SkipRep:       s.skipRep.Load(),
		WALDistance:   s.walDistance.Load(),
		BlockDistance: s.blockDistance.Load(),
		IODepth:       s.ioDepth.Load(),
	}
}

var (
	prefetchDesc = prometheus.NewDesc(
		"walreader_prefetch_total",
		"Number of block reads initiated ahead of replay.",
		nil, nil)
	hitDesc = prometheus.NewDesc(
		"walreader_prefetch_hit_total",
		"Number of referenced blocks found already cached.",
		nil, nil)
	skipDesc = prometheus.NewDesc(
		"walreader_prefetch_skip_total",
		"Number of block references not prefetched, by reason.",
		[]string{"reason"}, nil)
	walDistanceDesc = prometheus.NewDesc(
		"walreader_prefetch_wal_distance_bytes",
		"Bytes of WAL decoded ahead of the replay position.",
		nil, nil)
	blockDistanceDesc = prometheus.NewDesc(
		"walreader_prefetch_block_distance",
		"Block references examined ahead of the replay position.",
		nil, nil)
	ioDepthDesc = prometheus.NewDesc(
		"walreader_prefetch_io_depth",
		"Prefetch reads currently in flight.",
		nil, nil)
)

var _ prometheus.Collector = (*Stats)(nil)

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- prefetchDesc
	ch <- hitDesc
	ch <- skipDesc
	ch <- walDistanceDesc
	ch <- blockDistanceDesc
	ch <- ioDepthDesc
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		prefetchDesc, prometheus.CounterValue, float64(s.prefetch.Load()))
	ch <- prometheus.MustNewConstMetric(
		hitDesc, prometheus.CounterValue, float64(s.hit.Load()))
	ch <- prometheus.MustNewConstMetric(
		skipDesc, prometheus.CounterValue, float64(s.skipInit.Load()), "init")
	ch <- prometheus.MustNewConstMetric(
		skipDesc, prometheus.CounterValue, float64(s.skipNew.Load()), "new")
	ch <- prometheus.MustNewConstMetric(
		skipDesc, prometheus.CounterValue, float64(s.skipFPW.Load()), "fpw")
	ch <- prometheus.MustNewConstMetric(
		skipDesc, prometheus.CounterValue, float64(s.skipRep.Load()), "repeat")
	ch <- prometheus.MustNewConstMetric(
		walDistanceDesc, prometheus.GaugeValue, float64(s.walDistance.Load()))
	ch <- prometheus.MustNewConstMetric(
		blockDistanceDesc, prometheus.GaugeValue, float64(s.blockDistance.Load()))
	ch <- prometheus.MustNewConstMetric(
		ioDepthDesc, prometheus.GaugeValue, float64(s.ioDepth.Load()))
}
