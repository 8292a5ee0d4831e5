// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package peer holds tunnel peer metadata and destination routing. Control
// path mutation builds a fresh immutable snapshot; packet path reads never
// block on configuration changes.
package peer

import (
	"net/netip"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// MaxAllowedIPs bounds the subnets a single peer may claim.
const MaxAllowedIPs = 4

// DefaultRTTWeight is the multiplier applied to the RTT estimate when
// computing the load score.
const DefaultRTTWeight = 1000

// Info is one configured peer. Identity fields are immutable after
// construction; counters and session state are updated atomically.
type Info struct {
	ID           uint32
	Name         string
	PublicKey    wgtypes.Key
	PresharedKey wgtypes.Key
	AllowedIPs   []netip.Prefix
	RTTWeight    uint64

	// Endpoint is mutable under the registry's control lock; packet-path
	// readers load it atomically.
	endpoint   atomic.Pointer[netip.AddrPort]
	alternates []netip.AddrPort

	// Traffic accounting.
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64

	LastHandshake atomic.Int64  // unix nanoseconds
	RTTEstimate   atomic.Uint64 // microseconds
	LoadScore     atomic.Uint64

	// Teardown handoff: packet processing acquires a reference before
	// touching the peer and releases it after; removal marks the peer
	// torn down so no new references form.
	refs     atomic.Int64
	tornDown atomic.Bool
}

// Endpoint returns the peer's current endpoint.
func (p *Info) Endpoint() netip.AddrPort {
	if ep := p.endpoint.Load(); ep != nil {
		return *ep
	}
	return netip.AddrPort{}
}

// SetEndpoint replaces the peer's endpoint.
func (p *Info) SetEndpoint(ep netip.AddrPort) {
	p.endpoint.Store(&ep)
}

// Alternates returns the configured fallback endpoints.
func (p *Info) Alternates() []netip.AddrPort {
	return p.alternates
}

// Acquire takes a packet-path reference. It fails once teardown has begun,
// so no frame is processed under a removed peer's keys.
func (p *Info) Acquire() bool {
	if p.tornDown.Load() {
		return false
	}
	p.refs.Add(1)
	// Teardown may have started between the check and the increment.
	if p.tornDown.Load() {
		p.refs.Add(-1)
		return false
	}
	return true
}

// Release drops a packet-path reference.
func (p *Info) Release() {
	p.refs.Add(-1)
}

// TornDown reports whether removal has begun for this peer.
func (p *Info) TornDown() bool {
	return p.tornDown.Load()
}

// Refs returns the current packet-path reference count.
func (p *Info) Refs() int64 {
	return p.refs.Load()
}

// UpdateLoadScore recomputes the load score from traffic and RTT.
func (p *Info) UpdateLoadScore() {
	weight := p.RTTWeight
	if weight == 0 {
		weight = DefaultRTTWeight
	}
	score := p.TxBytes.Load() + p.RxBytes.Load() + p.RTTEstimate.Load()*weight
	p.LoadScore.Store(score)
}
