// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stats provides per-worker counter accumulators for the packet
// path. Each worker owns one Counters block and updates it without
// cross-worker synchronization; totals are aggregated only when read.
package stats

import "sync/atomic"

// Counters is one worker's accumulator block. Only the owning worker
// writes it; readers aggregate lazily via Snapshot.
type Counters struct {
	RxPackets    atomic.Uint64
	RxBytes      atomic.Uint64
	TxPackets    atomic.Uint64
	TxBytes      atomic.Uint64
	Dropped      atomic.Uint64
	Invalid      atomic.Uint64
	RateLimited  atomic.Uint64
	AuthFailures atomic.Uint64
	SealErrors   atomic.Uint64

	// Pad to a cache line boundary so adjacent workers' blocks do not
	// false-share.
	_ [56]byte
}

// Totals is an aggregated, read-only view across all workers.
type Totals struct {
	RxPackets    uint64 `json:"rx_packets"`
	RxBytes      uint64 `json:"rx_bytes"`
	TxPackets    uint64 `json:"tx_packets"`
	TxBytes      uint64 `json:"tx_bytes"`
	Dropped      uint64 `json:"dropped"`
	Invalid      uint64 `json:"invalid"`
	RateLimited  uint64 `json:"rate_limited"`
	AuthFailures uint64 `json:"auth_failures"`
	SealErrors   uint64 `json:"seal_errors"`
}

// Sink holds one Counters block per worker.
type Sink struct {
	workers []Counters
}

// NewSink creates a sink for the given worker count.
func NewSink(workers int) *Sink {
	if workers < 1 {
		workers = 1
	}
	return &Sink{workers: make([]Counters, workers)}
}

// Worker returns the accumulator block owned by worker i.
func (s *Sink) Worker(i int) *Counters {
	return &s.workers[i]
}

// Workers returns the number of accumulator blocks.
func (s *Sink) Workers() int {
	return len(s.workers)
}

// Snapshot aggregates all workers' counters.
func (s *Sink) Snapshot() Totals {
	var t Totals
	for i := range s.workers {
		w := &s.workers[i]
		t.RxPackets += w.RxPackets.Load()
		t.RxBytes += w.RxBytes.Load()
		t.TxPackets += w.TxPackets.Load()
		t.TxBytes += w.TxBytes.Load()
		t.Dropped += w.Dropped.Load()
		t.Invalid += w.Invalid.Load()
		t.RateLimited += w.RateLimited.Load()
		t.AuthFailures += w.AuthFailures.Load()
		t.SealErrors += w.SealErrors.Load()
	}
	return t
}
