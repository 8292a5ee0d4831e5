// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"sync"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

const protoUDP = 17

// KillSwitch blocks all egress except traffic leaving via the tunnel
// interface and the tunnel's own UDP transport. Enable and Disable are
// idempotent; a partial installation is rolled back.
type KillSwitch struct {
	mu         sync.Mutex
	backend    Backend
	tunnelIf   string
	tunnelPort uint16
	enabled    bool
	logger     *logging.Logger
}

// NewKillSwitch builds a kill switch for the given tunnel interface and
// transport port.
func NewKillSwitch(backend Backend, tunnelInterface string, tunnelPort uint16, logger *logging.Logger) *KillSwitch {
	if logger == nil {
		logger = logging.WithComponent("killswitch")
	}
	return &KillSwitch{
		backend:    backend,
		tunnelIf:   tunnelInterface,
		tunnelPort: tunnelPort,
		logger:     logger,
	}
}

// rules returns the ordered rule set for both address families. Order
// matters: the allow rules must precede the deny-all.
func (k *KillSwitch) rules() []Rule {
	var out []Rule
	for _, fam := range []Family{FamilyIPv4, FamilyIPv6} {
		out = append(out,
			Rule{
				Name:         "killswitch-allow-tunnel",
				Family:       fam,
				Action:       ActionAccept,
				OutInterface: k.tunnelIf,
			},
			Rule{
				Name:     "killswitch-allow-transport",
				Family:   fam,
				Action:   ActionAccept,
				Protocol: protoUDP,
				DstPort:  k.tunnelPort,
			},
			Rule{
				Name:   "killswitch-deny-egress",
				Family: fam,
				Action: ActionDrop,
			},
		)
	}
	return out
}

// Enable installs the kill-switch rule set. Enabling twice is a no-op.
func (k *KillSwitch) Enable() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.enabled {
		return nil
	}
	if k.tunnelIf == "" {
		return errors.New(errors.KindValidation, "kill switch requires a tunnel interface")
	}
	if err := installOrdered(k.backend, k.rules()); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to enable kill switch")
	}
	k.enabled = true
	k.logger.Info("Kill switch enabled", "tunnel_interface", k.tunnelIf, "tunnel_port", k.tunnelPort)
	return nil
}

// Disable removes the kill-switch rule set. Disabling twice is a no-op.
func (k *KillSwitch) Disable() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.enabled {
		return nil
	}
	if err := removeAll(k.backend, k.rules()); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to disable kill switch")
	}
	k.enabled = false
	k.logger.Info("Kill switch disabled")
	return nil
}

// Enabled reports whether the kill switch is active.
func (k *KillSwitch) Enabled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enabled
}
