// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shaping

import (
	"time"

	"grimm.is/flygate/internal/clock"
)

// DefaultTargetBitsPerSecond is the pacing target when none is
// configured: 10 Gbit/s.
const DefaultTargetBitsPerSecond = 10_000_000_000

// Pacer computes an earliest-transmit timestamp per packet so the
// transport smooths bursts toward a target throughput instead of sending
// line-rate micro-bursts.
type Pacer struct {
	nsPerByte uint64
	clk       clock.Clock
}

// NewPacer builds a pacer for the given target throughput in bits per
// second. A zero target disables pacing.
func NewPacer(targetBitsPerSecond uint64, clk clock.Clock) *Pacer {
	if clk == nil {
		clk = clock.System
	}
	var nsPerByte uint64
	if targetBitsPerSecond > 0 {
		nsPerByte = 8 * uint64(time.Second) / targetBitsPerSecond
	}
	return &Pacer{nsPerByte: nsPerByte, clk: clk}
}

// Delay returns how long after the previous packet this one should wait.
func (p *Pacer) Delay(length int) time.Duration {
	if p.nsPerByte == 0 || length <= 0 {
		return 0
	}
	return time.Duration(uint64(length) * p.nsPerByte)
}

// EarliestTransmit stamps a packet with the soonest time it may leave.
func (p *Pacer) EarliestTransmit(length int) time.Time {
	return p.clk.Now().Add(p.Delay(length))
}
