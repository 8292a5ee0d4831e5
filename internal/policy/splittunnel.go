// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

// SplitTunnel holds destination ranges that bypass the tunnel: outbound
// traffic to an excluded range is left on the native route instead of
// being encrypted. Configuration replaces the whole exclusion set and
// publishes it atomically, so the packet path only ever observes a
// complete set.
type SplitTunnel struct {
	mu       sync.Mutex
	excluded atomic.Pointer[[]netip.Prefix]
	logger   *logging.Logger
}

// NewSplitTunnel creates a split tunnel with no exclusions.
func NewSplitTunnel(logger *logging.Logger) *SplitTunnel {
	if logger == nil {
		logger = logging.WithComponent("splittunnel")
	}
	s := &SplitTunnel{logger: logger}
	empty := []netip.Prefix{}
	s.excluded.Store(&empty)
	return s
}

// Configure replaces the exclusion set. An invalid prefix rejects the
// whole set and leaves the previous one in place.
func (s *SplitTunnel) Configure(excluded []netip.Prefix) error {
	for _, pfx := range excluded {
		if !pfx.IsValid() {
			return errors.Errorf(errors.KindValidation, "invalid split tunnel range %s", pfx)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]netip.Prefix, len(excluded))
	for i, pfx := range excluded {
		next[i] = pfx.Masked()
	}
	s.excluded.Store(&next)
	s.logger.Info("Split tunnel configured", "excluded_ranges", len(next))
	return nil
}

// Excluded reports whether a destination bypasses the tunnel. Lock-free;
// safe on the packet path.
func (s *SplitTunnel) Excluded(addr netip.Addr) bool {
	for _, pfx := range *s.excluded.Load() {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of configured exclusion ranges.
func (s *SplitTunnel) Len() int {
	return len(*s.excluded.Load())
}
