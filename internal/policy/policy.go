// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy is the control-path enforcement layer: kill switch,
// DNS-leak protection, and the multi-hop chain. Rule installation goes
// through a narrow backend interface; the nftables implementation lives
// behind a linux build tag and tests use a fake.
package policy

import (
	"fmt"
	"net/netip"
	"strings"
)

// Family selects the address family a rule applies to.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ip6"
	}
	return "ip"
}

// Action is what a matching packet gets.
type Action int

const (
	ActionAccept Action = iota
	ActionDrop
)

func (a Action) String() string {
	if a == ActionDrop {
		return "drop"
	}
	return "accept"
}

// Rule is one egress firewall rule. Zero-valued match fields are
// wildcards. Identity, not pointer equality, makes installation
// idempotent.
type Rule struct {
	Name         string
	Family       Family
	Action       Action
	OutInterface string       // match packets leaving via this interface
	Protocol     uint8        // 0 = any
	DstPort      uint16       // 0 = any
	DstAddrs     []netip.Addr // empty = any destination
}

// Identity returns the stable key a backend deduplicates on.
func (r Rule) Identity() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s/%s/if=%s/proto=%d/port=%d", r.Name, r.Family, r.Action, r.OutInterface, r.Protocol, r.DstPort)
	for _, a := range r.DstAddrs {
		b.WriteByte('/')
		b.WriteString(a.String())
	}
	return b.String()
}

// Backend installs and removes rules. Both operations are idempotent by
// rule identity: installing an installed rule or removing an absent one
// is a no-op, not an error.
type Backend interface {
	InstallRule(r Rule) error
	RemoveRule(r Rule) error
}

// installOrdered installs rules in order and rolls back everything
// installed so far if one fails, so a partial rule set is never left
// active.
func installOrdered(b Backend, rules []Rule) error {
	for i, r := range rules {
		if err := b.InstallRule(r); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = b.RemoveRule(rules[j])
			}
			return err
		}
	}
	return nil
}

// removeAll removes rules, keeping the first error but attempting every
// removal.
func removeAll(b Backend, rules []Rule) error {
	var first error
	for _, r := range rules {
		if err := b.RemoveRule(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
