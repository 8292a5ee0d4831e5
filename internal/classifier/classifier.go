// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classifier implements the per-packet admission control pipeline:
// header sanity checks, per-source rate limiting, flow accounting, and
// heuristic flood filtering. Nothing in this package blocks; the only waits
// are bounded-time map operations in the flow store.
package classifier

import (
	"hash/maphash"

	"grimm.is/flygate/internal/flowstate"
	"grimm.is/flygate/internal/stats"
)

// Verdict is the forwarding decision for one packet.
type Verdict int

const (
	VerdictDrop Verdict = iota
	VerdictAcceptNormal
	VerdictAcceptFast
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictAcceptNormal:
		return "accept"
	case VerdictAcceptFast:
		return "accept_fast"
	default:
		return "invalid"
	}
}

// Result carries the verdict plus a worker affinity hint for fast-path
// packets, so established flows keep hitting the same worker's caches.
type Result struct {
	Verdict  Verdict
	Affinity int
}

// Tunnel message types on the wire.
const (
	MsgHandshakeInitiation = 1
	MsgHandshakeResponse   = 2
	MsgCookieReply         = 3
	MsgData                = 4
)

// Config holds the admission-control policy parameters. The heuristic
// thresholds are hand-tuned operational defaults, not derived constants;
// they are configurable for exactly that reason.
type Config struct {
	TunnelPort  uint16 // UDP port carrying tunnel traffic
	MinTTL      uint8  // below this, presume spoofed
	LengthSlack int    // tolerated declared-vs-captured mismatch in bytes
	Workers     int    // worker count for affinity hints
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		TunnelPort:  51820,
		MinTTL:      5,
		LengthSlack: 64,
		Workers:     1,
	}
}

// Classifier consumes parsed header views and yields verdicts.
type Classifier struct {
	cfg   Config
	store *flowstate.Store
	sink  *stats.Sink
	seed  maphash.Seed
}

// New creates a classifier over the given state store and statistics sink.
func New(cfg Config, store *flowstate.Store, sink *stats.Sink) *Classifier {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Classifier{cfg: cfg, store: store, sink: sink, seed: maphash.MakeSeed()}
}

// Classify runs the admission pipeline for one packet on the given worker.
func (c *Classifier) Classify(worker int, hdr *HeaderView) Result {
	ctr := c.sink.Worker(worker)

	// 1. Malformed headers are dropped before any accounting of content.
	if hdr.HeaderLen > hdr.CapturedLen {
		ctr.Invalid.Add(1)
		ctr.Dropped.Add(1)
		return Result{Verdict: VerdictDrop}
	}

	// 2. Receive accounting, worker-local.
	ctr.RxPackets.Add(1)
	ctr.RxBytes.Add(uint64(hdr.CapturedLen))

	tunnel := hdr.Protocol == ProtoUDP && hdr.DstPort == c.cfg.TunnelPort

	if tunnel {
		// 3. Admission control on the source address.
		if !c.store.ConsumeToken(hdr.SrcIP) {
			ctr.RateLimited.Add(1)
			ctr.Dropped.Add(1)
			return Result{Verdict: VerdictDrop}
		}

		// 4. Data messages get flow accounting and, once established,
		// the fast path with a stable affinity hint.
		if hdr.TunnelMsgType == MsgData {
			key := hdr.FlowKey()
			state, existed := c.store.GetOrCreateFlow(key)
			c.store.UpdateFlow(state, uint64(hdr.CapturedLen))
			if existed {
				state.Tag.Store(flowstate.FlowEstablished)
				return Result{
					Verdict:  VerdictAcceptFast,
					Affinity: c.affinity(key),
				}
			}
		}
	}

	// 5. Heuristic flood checks apply to everything that is not already
	// on the fast path, tunnel traffic included.
	if c.floodSuspect(hdr) {
		ctr.Dropped.Add(1)
		return Result{Verdict: VerdictDrop}
	}

	return Result{Verdict: VerdictAcceptNormal}
}

// floodSuspect applies the heuristic checks from the admission policy.
func (c *Classifier) floodSuspect(hdr *HeaderView) bool {
	// Fragments are not expected on the tunnel path at all.
	if hdr.Fragmented {
		return true
	}

	// Declared and captured lengths disagreeing by more than the slack
	// indicates truncation games.
	diff := hdr.TotalLen - hdr.CapturedLen
	if diff < 0 {
		diff = -diff
	}
	if diff > c.cfg.LengthSlack {
		return true
	}

	// Very low TTL is characteristic of spoofed floods.
	if hdr.TTL < c.cfg.MinTTL {
		return true
	}

	// TCP SYN without ACK on a flow we have never seen: classic SYN flood.
	if hdr.Protocol == ProtoTCP && hdr.SYN && !hdr.ACK {
		if _, known := c.store.LookupFlow(hdr.FlowKey()); !known {
			return true
		}
	}

	return false
}

// affinity maps a flow key to a stable worker index.
func (c *Classifier) affinity(key flowstate.FlowKey) int {
	var h maphash.Hash
	h.SetSeed(c.seed)
	src := key.SrcIP.As16()
	dst := key.DstIP.As16()
	h.Write(src[:])
	h.Write(dst[:])
	h.Write([]byte{byte(key.SrcPort >> 8), byte(key.SrcPort), key.Protocol})
	return int(h.Sum64() % uint64(c.cfg.Workers))
}
