// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowstate

import (
	"net/netip"
	"sync"
	"time"
)

// RateLimitEntry is a token bucket for one source IP. Tokens accrue
// continuously at the configured rate up to the burst capacity.
//
// The entry tracks fractional accrual by only advancing lastUpdate for time
// actually converted into tokens: at high call rates the elapsed interval
// per call can be worth less than one token, and discarding it would starve
// the bucket forever.
type RateLimitEntry struct {
	mu         sync.Mutex
	tokens     uint64
	lastUpdate time.Time

	rate  float64 // tokens per second
	burst uint64
}

func newRateEntry(rate float64, burst uint64, now time.Time) *RateLimitEntry {
	return &RateLimitEntry{
		tokens:     burst,
		lastUpdate: now,
		rate:       rate,
		burst:      burst,
	}
}

// Consume refreshes the bucket from elapsed time and takes one token.
// Returns false when the bucket is empty; the caller must drop.
func (e *RateLimitEntry) Consume(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	elapsed := now.Sub(e.lastUpdate)
	if elapsed > 0 && e.rate > 0 {
		add := uint64(elapsed.Seconds() * e.rate)
		if add > 0 {
			e.tokens += add
			if e.tokens > e.burst {
				e.tokens = e.burst
				e.lastUpdate = now
			} else {
				accounted := time.Duration(float64(add) / e.rate * float64(time.Second))
				e.lastUpdate = e.lastUpdate.Add(accounted)
			}
		}
	} else if elapsed < 0 {
		// Clock went backwards; resynchronize rather than freeze the bucket.
		e.lastUpdate = now
	}

	if e.tokens == 0 {
		return false
	}
	e.tokens--
	return true
}

// Tokens returns the current budget without refreshing it.
func (e *RateLimitEntry) Tokens() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens
}

type rateEntryNode struct {
	ip    netip.Addr
	entry *RateLimitEntry
}

// GetOrCreateRate returns the token bucket for a source IP, creating it
// lazily on first sight. Creation beyond capacity evicts the
// least-recently-consulted bucket.
func (s *Store) GetOrCreateRate(ip netip.Addr) *RateLimitEntry {
	sh := s.rateShard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.rates[ip]; ok {
		sh.rateOrder.MoveToFront(el)
		return el.Value.(*rateEntryNode).entry
	}

	entry := newRateEntry(s.cfg.Rate, s.cfg.Burst, s.clk.Now())
	el := sh.rateOrder.PushFront(&rateEntryNode{ip: ip, entry: entry})
	sh.rates[ip] = el

	if sh.rateOrder.Len() > sh.rateCap {
		back := sh.rateOrder.Back()
		if back != nil {
			node := back.Value.(*rateEntryNode)
			delete(sh.rates, node.ip)
			sh.rateOrder.Remove(back)
		}
	}
	return entry
}

// ConsumeToken is the admission-control entry point: one token from the
// source IP's bucket, or false to drop.
func (s *Store) ConsumeToken(ip netip.Addr) bool {
	return s.GetOrCreateRate(ip).Consume(s.clk.Now())
}

// RateCount returns the number of live rate entries.
func (s *Store) RateCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.rates)
		sh.mu.Unlock()
	}
	return n
}
