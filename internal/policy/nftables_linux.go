// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package policy

import (
	"encoding/binary"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netlink"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

const nftTableName = "flygate"

// NftablesBackend installs policy rules into a dedicated nftables table
// via native netlink. One output-hook chain per address family; rule
// identity is tracked in UserData for idempotence.
type NftablesBackend struct {
	mu        sync.Mutex
	conn      *nftables.Conn
	table4    *nftables.Table
	table6    *nftables.Table
	chain4    *nftables.Chain
	chain6    *nftables.Chain
	installed map[string]*nftables.Rule
	logger    *logging.Logger
}

// NewNftablesBackend opens a netlink connection and ensures the flygate
// table and output chains exist in both families.
func NewNftablesBackend(logger *logging.Logger) (*NftablesBackend, error) {
	if logger == nil {
		logger = logging.WithComponent("nftables")
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open nftables connection")
	}

	b := &NftablesBackend{
		conn:      conn,
		installed: make(map[string]*nftables.Rule),
		logger:    logger,
	}

	b.table4 = conn.AddTable(&nftables.Table{Name: nftTableName, Family: nftables.TableFamilyIPv4})
	b.table6 = conn.AddTable(&nftables.Table{Name: nftTableName, Family: nftables.TableFamilyIPv6})

	policy := nftables.ChainPolicyAccept
	b.chain4 = conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    b.table4,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	b.chain6 = conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    b.table6,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})

	if err := conn.Flush(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to create nftables table")
	}
	return b, nil
}

// InstallRule adds the rule to the family's output chain. Installing a
// rule that is already present is a no-op.
func (b *NftablesBackend) InstallRule(r Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := r.Identity()
	if _, ok := b.installed[id]; ok {
		return nil
	}

	exprs, err := b.compile(r)
	if err != nil {
		return err
	}

	table, chain := b.table4, b.chain4
	if r.Family == FamilyIPv6 {
		table, chain = b.table6, b.chain6
	}
	rule := b.conn.AddRule(&nftables.Rule{
		Table:    table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: []byte(id),
	})
	if err := b.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to install rule %s", r.Name)
	}

	b.installed[id] = rule
	b.logger.Debug("Rule installed", "rule", r.Name, "family", r.Family.String())
	return nil
}

// RemoveRule deletes the rule if present. Removing an absent rule is a
// no-op.
func (b *NftablesBackend) RemoveRule(r Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := r.Identity()
	rule, ok := b.installed[id]
	if !ok {
		return nil
	}

	// The kernel handle is only known after the flush that created the
	// rule; refresh it from the chain before deleting.
	current, err := b.conn.GetRules(rule.Table, rule.Chain)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to list rules for %s", r.Name)
	}
	for _, cr := range current {
		if string(cr.UserData) == id {
			if err := b.conn.DelRule(cr); err != nil {
				return errors.Wrapf(err, errors.KindUnavailable, "failed to delete rule %s", r.Name)
			}
			break
		}
	}
	if err := b.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to remove rule %s", r.Name)
	}

	delete(b.installed, id)
	b.logger.Debug("Rule removed", "rule", r.Name, "family", r.Family.String())
	return nil
}

// compile translates a Rule into nftables expressions.
func (b *NftablesBackend) compile(r Rule) ([]expr.Any, error) {
	var exprs []expr.Any

	if r.OutInterface != "" {
		// Resolving the link now surfaces a typo'd interface name as an
		// install-time error instead of a silently dead rule.
		if _, err := netlink.LinkByName(r.OutInterface); err != nil {
			return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s not found", r.OutInterface)
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(r.OutInterface)},
		)
	}

	if r.Protocol != 0 {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{r.Protocol}},
		)
	}

	if r.DstPort != 0 {
		port := make([]byte, 2)
		binary.BigEndian.PutUint16(port, r.DstPort)
		exprs = append(exprs,
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: port},
		)
	}

	if len(r.DstAddrs) > 0 {
		offset, length := uint32(16), uint32(4) // v4 daddr
		if r.Family == FamilyIPv6 {
			offset, length = 24, 16
		}
		table := b.table4
		keyType := nftables.TypeIPAddr
		if r.Family == FamilyIPv6 {
			table = b.table6
			keyType = nftables.TypeIP6Addr
		}

		set := &nftables.Set{
			Table:     table,
			Anonymous: true,
			Constant:  true,
			KeyType:   keyType,
		}
		var elements []nftables.SetElement
		for _, a := range r.DstAddrs {
			elements = append(elements, nftables.SetElement{Key: a.AsSlice()})
		}
		if err := b.conn.AddSet(set, elements); err != nil {
			return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to build address set for %s", r.Name)
		}
		exprs = append(exprs,
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
			&expr.Lookup{SourceRegister: 1, SetID: set.ID, SetName: set.Name},
		)
	}

	verdict := expr.VerdictAccept
	if r.Action == ActionDrop {
		verdict = expr.VerdictDrop
	}
	exprs = append(exprs, &expr.Counter{}, &expr.Verdict{Kind: verdict})
	return exprs, nil
}

// ifname encodes an interface name the way nftables expects: null
// terminated, 16 bytes.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}
