// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

// MaxHops bounds the multi-hop chain length. Each extra hop adds a full
// encryption layer and its latency.
const MaxHops = 4

// Hop is one relay in a multi-hop route.
type Hop struct {
	Name      string
	PublicKey wgtypes.Key
	Endpoint  netip.AddrPort
}

// Route is the effective nested route: traffic enters at the first hop
// and exits at the last, each hop's tunnel wrapped inside the previous.
// A Route slice is immutable once published.
type Route []Hop

// HopChain holds the configured hop sequence. Configuration appends
// under a lock and publishes a recomputed route atomically, so the
// packet path only ever observes a complete route.
type HopChain struct {
	mu     sync.Mutex
	hops   []Hop
	route  atomic.Pointer[Route]
	logger *logging.Logger
}

// NewHopChain creates an empty chain.
func NewHopChain(logger *logging.Logger) *HopChain {
	if logger == nil {
		logger = logging.WithComponent("multihop")
	}
	c := &HopChain{logger: logger}
	empty := Route{}
	c.route.Store(&empty)
	return c
}

// Append adds a hop to the end of the chain and recomputes the full
// effective route. The chain is append-only; reordering means rebuilding
// the gateway configuration.
func (c *HopChain) Append(h Hop) error {
	if h.PublicKey == (wgtypes.Key{}) {
		return errors.New(errors.KindValidation, "hop public key is required")
	}
	if !h.Endpoint.IsValid() {
		return errors.New(errors.KindValidation, "hop endpoint is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.hops) >= MaxHops {
		return errors.Errorf(errors.KindValidation, "hop chain is limited to %d hops", MaxHops)
	}
	for _, existing := range c.hops {
		if existing.PublicKey == h.PublicKey {
			return errors.Errorf(errors.KindConflict, "hop %s already in chain", h.PublicKey)
		}
	}

	c.hops = append(c.hops, h)
	c.recomputeLocked()
	c.logger.Info("Hop appended", "hop", h.Name, "endpoint", h.Endpoint, "chain_length", len(c.hops))
	return nil
}

// recomputeLocked rebuilds the effective route from scratch and swaps it
// in as one unit.
func (c *HopChain) recomputeLocked() {
	route := make(Route, len(c.hops))
	copy(route, c.hops)
	c.route.Store(&route)
}

// Route returns the current effective route snapshot.
func (c *HopChain) Route() Route {
	return *c.route.Load()
}

// Len returns the configured hop count.
func (c *HopChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hops)
}
