// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flowstate holds per-flow counters and per-source rate limit state
// for the packet path. The store is sharded by key hash so concurrent
// workers touch disjoint locks, and every shard is capacity-bounded with
// least-recently-used eviction.
package flowstate

import (
	"container/list"
	"encoding/binary"
	"hash/maphash"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/flygate/internal/clock"
)

// FlowKey identifies a flow by its 5-tuple. Immutable once constructed.
type FlowKey struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Flow state tags.
const (
	FlowNew uint32 = iota
	FlowEstablished
)

// FlowState carries per-flow counters. Counter updates are atomic so
// multiple workers can account the same flow without holding the shard lock.
type FlowState struct {
	Packets  atomic.Uint64
	Bytes    atomic.Uint64
	LastSeen atomic.Int64 // unix nanoseconds
	Tag      atomic.Uint32
}

// Touch updates counters and the last-seen timestamp in place.
func (f *FlowState) Touch(bytes uint64, now time.Time) {
	f.Packets.Add(1)
	f.Bytes.Add(bytes)
	f.LastSeen.Store(now.UnixNano())
}

type flowEntry struct {
	key   FlowKey
	state *FlowState
}

type shard struct {
	mu       sync.Mutex
	flows    map[FlowKey]*list.Element // element value is *flowEntry
	order    *list.List                // front = most recently used
	capacity int

	rates     map[netip.Addr]*list.Element // element value is *rateEntry
	rateOrder *list.List
	rateCap   int
}

// Config bounds the store and parameterizes the token buckets.
type Config struct {
	FlowCapacity int     // total flow entries across all shards
	RateCapacity int     // total rate entries across all shards
	Shards       int     // power of two preferred
	Rate         float64 // tokens per second
	Burst        uint64  // bucket capacity
}

// DefaultConfig mirrors the accelerator's map sizing.
func DefaultConfig() Config {
	return Config{
		FlowCapacity: 1_000_000,
		RateCapacity: 100_000,
		Shards:       64,
		Rate:         10_000,
		Burst:        1_000,
	}
}

// Store is the flow and rate state store.
type Store struct {
	shards []*shard
	cfg    Config
	clk    clock.Clock
	seed   maphash.Seed

	evictions atomic.Uint64
}

// New creates a store. A nil clock means the system clock.
func New(cfg Config, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.FlowCapacity < cfg.Shards {
		cfg.FlowCapacity = cfg.Shards
	}
	if cfg.RateCapacity < cfg.Shards {
		cfg.RateCapacity = cfg.Shards
	}

	s := &Store{
		shards: make([]*shard, cfg.Shards),
		cfg:    cfg,
		clk:    clk,
		seed:   maphash.MakeSeed(),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			flows:     make(map[FlowKey]*list.Element),
			order:     list.New(),
			capacity:  cfg.FlowCapacity / cfg.Shards,
			rates:     make(map[netip.Addr]*list.Element),
			rateOrder: list.New(),
			rateCap:   cfg.RateCapacity / cfg.Shards,
		}
	}
	return s
}

// flowShard picks the shard for a key. The hash must spread structured
// 5-tuples evenly, so the low bits taken by the modulo come from a
// seeded avalanche hash rather than a positional one.
func (s *Store) flowShard(key FlowKey) *shard {
	var b [37]byte
	src := key.SrcIP.As16()
	dst := key.DstIP.As16()
	copy(b[:16], src[:])
	copy(b[16:32], dst[:])
	binary.BigEndian.PutUint16(b[32:34], key.SrcPort)
	binary.BigEndian.PutUint16(b[34:36], key.DstPort)
	b[36] = key.Protocol
	return s.shards[maphash.Bytes(s.seed, b[:])%uint64(len(s.shards))]
}

func (s *Store) rateShard(ip netip.Addr) *shard {
	b := ip.As16()
	return s.shards[maphash.Bytes(s.seed, b[:])%uint64(len(s.shards))]
}

// GetOrCreateFlow returns the state for a flow, creating it if absent.
// The returned bool is true when the flow already existed. A lookup counts
// as use for LRU purposes.
func (s *Store) GetOrCreateFlow(key FlowKey) (*FlowState, bool) {
	sh := s.flowShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.flows[key]; ok {
		sh.order.MoveToFront(el)
		return el.Value.(*flowEntry).state, true
	}

	state := &FlowState{}
	state.LastSeen.Store(s.clk.Now().UnixNano())
	el := sh.order.PushFront(&flowEntry{key: key, state: state})
	sh.flows[key] = el

	if sh.order.Len() > sh.capacity {
		s.evictOldestLocked(sh)
	}
	return state, false
}

// evictOldestLocked removes the least-recently-used flow from the shard.
func (s *Store) evictOldestLocked(sh *shard) {
	back := sh.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*flowEntry)
	delete(sh.flows, entry.key)
	sh.order.Remove(back)
	s.evictions.Add(1)
}

// UpdateFlow accounts a packet against an existing flow handle.
func (s *Store) UpdateFlow(state *FlowState, bytes uint64) {
	state.Touch(bytes, s.clk.Now())
}

// LookupFlow returns the state for a flow without creating it and without
// refreshing its LRU position.
func (s *Store) LookupFlow(key FlowKey) (*FlowState, bool) {
	sh := s.flowShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.flows[key]; ok {
		return el.Value.(*flowEntry).state, true
	}
	return nil, false
}

// FlowCount returns the number of live flow entries.
func (s *Store) FlowCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.flows)
		sh.mu.Unlock()
	}
	return n
}

// Evictions returns the cumulative number of LRU evictions.
func (s *Store) Evictions() uint64 {
	return s.evictions.Load()
}

// ExpireIdle removes flow entries idle longer than the given duration.
// Runs on the control path; shard locks are held briefly per shard.
func (s *Store) ExpireIdle(idle time.Duration) int {
	cutoff := s.clk.Now().Add(-idle).UnixNano()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for el := sh.order.Back(); el != nil; {
			entry := el.Value.(*flowEntry)
			if entry.state.LastSeen.Load() >= cutoff {
				break // list is in recency order; the rest are fresher
			}
			prev := el.Prev()
			delete(sh.flows, entry.key)
			sh.order.Remove(el)
			removed++
			el = prev
		}
		sh.mu.Unlock()
	}
	return removed
}
