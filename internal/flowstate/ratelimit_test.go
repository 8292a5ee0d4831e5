// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowstate

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"grimm.is/flygate/internal/clock"
)

func TestTokenBucketBurst(t *testing.T) {
	mock := clock.NewMock()
	entry := newRateEntry(10, 5, mock.Now())

	for i := 0; i < 5; i++ {
		if !entry.Consume(mock.Now()) {
			t.Fatalf("consume %d within burst should succeed", i)
		}
	}
	if entry.Consume(mock.Now()) {
		t.Error("consume beyond burst with no elapsed time should fail")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	mock := clock.NewMock()
	entry := newRateEntry(10, 5, mock.Now()) // 10 tokens/s

	for i := 0; i < 5; i++ {
		entry.Consume(mock.Now())
	}

	mock.Advance(300 * time.Millisecond) // 3 tokens accrue
	granted := 0
	for i := 0; i < 10; i++ {
		if entry.Consume(mock.Now()) {
			granted++
		}
	}
	if granted != 3 {
		t.Errorf("granted %d after 300ms refill, want 3", granted)
	}
}

func TestTokenBucketCapsAtBurst(t *testing.T) {
	mock := clock.NewMock()
	entry := newRateEntry(10, 5, mock.Now())

	mock.Advance(time.Hour) // accrual far beyond burst
	granted := 0
	for i := 0; i < 20; i++ {
		if entry.Consume(mock.Now()) {
			granted++
		}
	}
	if granted != 5 {
		t.Errorf("granted %d after long idle, want burst cap 5", granted)
	}
}

func TestTokenBucketFractionalAccrual(t *testing.T) {
	mock := clock.NewMock()
	entry := newRateEntry(10, 5, mock.Now()) // one token per 100ms

	for i := 0; i < 5; i++ {
		entry.Consume(mock.Now())
	}

	// Poll every 10ms: each call accrues only a tenth of a token, but the
	// fractions must not be discarded.
	granted := 0
	for i := 0; i < 100; i++ {
		mock.Advance(10 * time.Millisecond)
		if entry.Consume(mock.Now()) {
			granted++
		}
	}
	// 1 second at 10 tokens/s: 10 tokens, within rounding.
	if granted < 9 || granted > 10 {
		t.Errorf("granted %d over 1s of 10ms polling, want ~10", granted)
	}
}

// Property from the design: in any window of length T the number of
// successes never exceeds burst + rate*T.
func TestTokenBucketWindowBound(t *testing.T) {
	mock := clock.NewMock()
	const rate, burst = 100.0, 10
	entry := newRateEntry(rate, burst, mock.Now())

	window := 2 * time.Second
	successes := 0
	for elapsed := time.Duration(0); elapsed < window; elapsed += time.Millisecond {
		if entry.Consume(mock.Now()) {
			successes++
		}
		mock.Advance(time.Millisecond)
	}

	bound := burst + int(rate*window.Seconds()) + 1
	if successes > bound {
		t.Errorf("%d successes in %v exceeds bound %d", successes, window, bound)
	}
}

// Scenario: 20k pkt/s against a 10k pkt/s rate with 1000 burst. The first
// 1000 are admitted immediately, then roughly every other packet as tokens
// regenerate.
func TestRateLimitScenario(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{FlowCapacity: 16, RateCapacity: 16, Shards: 1, Rate: 10_000, Burst: 1_000}
	s := New(cfg, mock)
	src := netip.MustParseAddr("10.0.0.5")

	interval := 50 * time.Microsecond // 20,000 pkt/s

	accepted := 0
	for i := 0; i < 1000; i++ {
		if s.ConsumeToken(src) {
			accepted++
		}
		mock.Advance(interval)
	}
	if accepted != 1000 {
		t.Fatalf("first 1000 packets: accepted %d, want all (burst)", accepted)
	}

	// Drain what accrued during the burst phase so the steady-state
	// measurement starts from an empty bucket.
	for s.ConsumeToken(src) {
	}

	// Steady state: tokens regenerate at half the arrival rate.
	accepted = 0
	const n = 10_000
	for i := 0; i < n; i++ {
		if s.ConsumeToken(src) {
			accepted++
		}
		mock.Advance(interval)
	}
	ratio := float64(accepted) / n
	if ratio < 0.45 || ratio > 0.55 {
		t.Errorf("steady-state acceptance ratio %.3f, want ~0.5", ratio)
	}
}

func TestRateEntryEviction(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{FlowCapacity: 4, RateCapacity: 4, Shards: 1, Rate: 10, Burst: 5}
	s := New(cfg, mock)

	for i := 0; i < 6; i++ {
		s.GetOrCreateRate(netip.MustParseAddr(fmt.Sprintf("10.1.1.%d", i)))
	}
	if s.RateCount() != 4 {
		t.Errorf("RateCount = %d, want capacity 4", s.RateCount())
	}
}
