// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package peer

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

// Config describes a peer to add.
type Config struct {
	Name               string
	PublicKey          wgtypes.Key
	PresharedKey       wgtypes.Key
	Endpoint           netip.AddrPort
	AlternateEndpoints []netip.AddrPort
	AllowedIPs         []netip.Prefix
	RTTWeight          uint64
}

// routingTable is one immutable snapshot of the registry.
type routingTable struct {
	peers []*Info
	byID  map[uint32]*Info
	byKey map[wgtypes.Key]*Info
	v4    *trie
	v6    *trie
}

// Registry owns peer lifecycle. Mutation happens under a coarse control
// lock and publishes a new snapshot; packet-path reads only ever
// dereference the current snapshot.
type Registry struct {
	mu     sync.Mutex
	table  atomic.Pointer[routingTable]
	nextID uint32
	logger *logging.Logger

	// onRemove is invoked after a peer is marked torn down, letting the
	// handshake machinery cancel timers and zero session keys.
	onRemove func(*Info)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.WithComponent("peers")
	}
	r := &Registry{logger: logger, nextID: 1}
	r.table.Store(emptyTable())
	return r
}

func emptyTable() *routingTable {
	return &routingTable{
		byID:  make(map[uint32]*Info),
		byKey: make(map[wgtypes.Key]*Info),
		v4:    newTrie(),
		v6:    newTrie(),
	}
}

// OnRemove registers a teardown hook. Control path only.
func (r *Registry) OnRemove(fn func(*Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// Add registers a peer. On any validation failure the registry is left
// unchanged.
func (r *Registry) Add(cfg Config) (*Info, error) {
	if cfg.Name == "" {
		return nil, errors.New(errors.KindValidation, "peer name is required")
	}
	if cfg.PublicKey == (wgtypes.Key{}) {
		return nil, errors.Errorf(errors.KindValidation, "peer %s: public key is required", cfg.Name)
	}
	if len(cfg.AllowedIPs) == 0 {
		return nil, errors.Errorf(errors.KindValidation, "peer %s: at least one allowed IP range is required", cfg.Name)
	}
	if len(cfg.AllowedIPs) > MaxAllowedIPs {
		return nil, errors.Errorf(errors.KindValidation, "peer %s: at most %d allowed IP ranges", cfg.Name, MaxAllowedIPs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.table.Load()
	if _, exists := current.byKey[cfg.PublicKey]; exists {
		return nil, errors.Errorf(errors.KindConflict, "peer with public key %s already registered", cfg.PublicKey.String())
	}

	p := &Info{
		ID:           r.nextID,
		Name:         cfg.Name,
		PublicKey:    cfg.PublicKey,
		PresharedKey: cfg.PresharedKey,
		AllowedIPs:   append([]netip.Prefix(nil), cfg.AllowedIPs...),
		RTTWeight:    cfg.RTTWeight,
		alternates:   append([]netip.AddrPort(nil), cfg.AlternateEndpoints...),
	}
	p.SetEndpoint(cfg.Endpoint)
	r.nextID++

	r.publishLocked(append(append([]*Info(nil), current.peers...), p))
	r.logger.Info("Peer added", "peer", p.Name, "id", p.ID, "allowed_ips", len(p.AllowedIPs))
	return p, nil
}

// Remove begins teardown for a peer. New packet-path references are
// refused immediately; in-flight ones drain via their own Release.
func (r *Registry) Remove(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.table.Load()
	p, ok := current.byID[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "peer %d not registered", id)
	}

	p.tornDown.Store(true)

	kept := make([]*Info, 0, len(current.peers)-1)
	for _, other := range current.peers {
		if other.ID != id {
			kept = append(kept, other)
		}
	}
	r.publishLocked(kept)

	if r.onRemove != nil {
		r.onRemove(p)
	}
	r.logger.Info("Peer removed", "peer", p.Name, "id", p.ID)
	return nil
}

// publishLocked rebuilds and swaps in a fresh snapshot. Caller holds mu.
func (r *Registry) publishLocked(peers []*Info) {
	t := emptyTable()
	t.peers = peers
	for _, p := range peers {
		t.byID[p.ID] = p
		t.byKey[p.PublicKey] = p
		for _, prefix := range p.AllowedIPs {
			if prefix.Addr().Is4() {
				t.v4.insert(prefix, p)
			} else {
				t.v6.insert(prefix, p)
			}
		}
	}
	r.table.Store(t)
}

// LookupByID resolves a peer by its sender index. Packet path.
func (r *Registry) LookupByID(id uint32) (*Info, bool) {
	p, ok := r.table.Load().byID[id]
	return p, ok
}

// LookupByKey resolves a peer by public key.
func (r *Registry) LookupByKey(key wgtypes.Key) (*Info, bool) {
	p, ok := r.table.Load().byKey[key]
	return p, ok
}

// CandidatesByDestination returns every peer claiming the longest prefix
// that covers ip, in ID order. Packet path; no locks taken.
func (r *Registry) CandidatesByDestination(ip netip.Addr) []*Info {
	t := r.table.Load()
	if ip.Is4() || ip.Is4In6() {
		return t.v4.lookup(ip.Unmap())
	}
	return t.v6.lookup(ip)
}

// LookupByDestination returns the single routing match for ip: the longest
// prefix, lowest peer ID on ties.
func (r *Registry) LookupByDestination(ip netip.Addr) (*Info, bool) {
	candidates := r.CandidatesByDestination(ip)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

// SelectPeer picks the least-loaded candidate; ties break to the lowest
// peer ID. Torn-down peers are skipped.
func SelectPeer(candidates []*Info) *Info {
	var best *Info
	for _, p := range candidates {
		if p.TornDown() {
			continue
		}
		if best == nil || p.LoadScore.Load() < best.LoadScore.Load() {
			best = p
		}
	}
	return best
}

// RouteFor resolves and acquires the peer for an outbound packet. The
// caller must Release the returned peer. Returns nil when no route exists
// or every candidate is torn down.
func (r *Registry) RouteFor(ip netip.Addr) *Info {
	candidates := r.CandidatesByDestination(ip)
	for {
		p := SelectPeer(candidates)
		if p == nil {
			return nil
		}
		if p.Acquire() {
			return p
		}
		// Lost the race with removal; retry without this peer.
		remaining := make([]*Info, 0, len(candidates)-1)
		for _, c := range candidates {
			if c != p {
				remaining = append(remaining, c)
			}
		}
		candidates = remaining
	}
}

// Peers returns the current snapshot's peer list.
func (r *Registry) Peers() []*Info {
	return r.table.Load().peers
}

// RefreshLoadScores recomputes every peer's load score. Control path,
// called periodically.
func (r *Registry) RefreshLoadScores() {
	for _, p := range r.Peers() {
		p.UpdateLoadScore()
	}
}
