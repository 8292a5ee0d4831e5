// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"net/netip"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/errors"
)

// fakeBackend records install/remove calls and can fail on a chosen
// rule name.
type fakeBackend struct {
	installed map[string]Rule
	order     []string
	failOn    string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{installed: make(map[string]Rule)}
}

func (f *fakeBackend) InstallRule(r Rule) error {
	if r.Name == f.failOn {
		return errors.New(errors.KindUnavailable, "injected failure")
	}
	id := r.Identity()
	if _, ok := f.installed[id]; ok {
		return nil
	}
	f.installed[id] = r
	f.order = append(f.order, r.Name)
	return nil
}

func (f *fakeBackend) RemoveRule(r Rule) error {
	delete(f.installed, r.Identity())
	return nil
}

func TestKillSwitchEnableInstallsOrderedRules(t *testing.T) {
	fb := newFakeBackend()
	ks := NewKillSwitch(fb, "wg0", 51820, nil)

	if err := ks.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !ks.Enabled() {
		t.Error("Enabled() = false after Enable")
	}

	// Per family: allow tunnel iface, allow transport, then deny.
	want := []string{
		"killswitch-allow-tunnel", "killswitch-allow-transport", "killswitch-deny-egress",
		"killswitch-allow-tunnel", "killswitch-allow-transport", "killswitch-deny-egress",
	}
	if len(fb.order) != len(want) {
		t.Fatalf("installed %d rules, want %d", len(fb.order), len(want))
	}
	for i, name := range want {
		if fb.order[i] != name {
			t.Errorf("rule %d = %s, want %s", i, fb.order[i], name)
		}
	}
}

func TestKillSwitchIdempotent(t *testing.T) {
	fb := newFakeBackend()
	ks := NewKillSwitch(fb, "wg0", 51820, nil)

	if err := ks.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	installed := len(fb.order)
	if err := ks.Enable(); err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if len(fb.order) != installed {
		t.Error("second Enable installed more rules")
	}

	if err := ks.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := ks.Disable(); err != nil {
		t.Fatalf("second Disable: %v", err)
	}
	if len(fb.installed) != 0 {
		t.Errorf("%d rules left after Disable", len(fb.installed))
	}
}

func TestKillSwitchRollbackOnPartialFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.failOn = "killswitch-deny-egress"
	ks := NewKillSwitch(fb, "wg0", 51820, nil)

	if err := ks.Enable(); err == nil {
		t.Fatal("Enable succeeded despite backend failure")
	}
	if ks.Enabled() {
		t.Error("kill switch marked enabled after failure")
	}
	if len(fb.installed) != 0 {
		t.Errorf("%d rules left installed after rollback", len(fb.installed))
	}
}

func TestKillSwitchRequiresInterface(t *testing.T) {
	ks := NewKillSwitch(newFakeBackend(), "", 51820, nil)
	if err := ks.Enable(); !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("Enable without interface: got %v, want KindValidation", err)
	}
}

func TestDNSProtectorRules(t *testing.T) {
	fb := newFakeBackend()
	d := NewDNSProtector(fb, []Resolver{
		{Addr: netip.MustParseAddr("10.64.0.1")},
		{Addr: netip.MustParseAddr("fd00::1")},
	}, nil)

	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	var allows, denies int
	for _, r := range fb.installed {
		switch r.Name {
		case "dns-allow-resolvers":
			allows++
			if len(r.DstAddrs) == 0 {
				t.Error("allow rule without resolver addresses")
			}
		case "dns-deny-leak":
			denies++
			if len(r.DstAddrs) != 0 {
				t.Error("deny rule should not be address-scoped")
			}
			if r.DstPort != 53 {
				t.Errorf("deny rule port = %d, want 53", r.DstPort)
			}
		}
	}
	// udp+tcp allow per family with a matching resolver, udp+tcp deny per family.
	if allows != 4 || denies != 4 {
		t.Errorf("allows=%d denies=%d, want 4/4", allows, denies)
	}

	if err := d.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if len(fb.installed) != 0 {
		t.Errorf("%d rules left after Disable", len(fb.installed))
	}
}

func TestDNSProtectorRequiresResolvers(t *testing.T) {
	d := NewDNSProtector(newFakeBackend(), nil, nil)
	if err := d.Enable(); !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("Enable without resolvers: got %v, want KindValidation", err)
	}
}

func TestDNSProtectorAllowsPrecedeDenies(t *testing.T) {
	fb := newFakeBackend()
	d := NewDNSProtector(fb, []Resolver{{Addr: netip.MustParseAddr("10.64.0.1")}}, nil)
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	seenDeny := false
	for _, name := range fb.order {
		if name == "dns-deny-leak" {
			seenDeny = true
		}
		if name == "dns-allow-resolvers" && seenDeny {
			t.Fatalf("allow rule installed after a deny: %v", fb.order)
		}
	}
}

func testHop(t *testing.T, name, ep string) Hop {
	t.Helper()
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return Hop{Name: name, PublicKey: key.PublicKey(), Endpoint: netip.MustParseAddrPort(ep)}
}

func TestHopChainAppendRecomputesRoute(t *testing.T) {
	c := NewHopChain(nil)
	if len(c.Route()) != 0 {
		t.Fatal("new chain has a route")
	}

	h1 := testHop(t, "entry", "198.51.100.1:51820")
	h2 := testHop(t, "exit", "203.0.113.2:51820")
	if err := c.Append(h1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := c.Append(h2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	route := c.Route()
	if len(route) != 2 {
		t.Fatalf("route length = %d, want 2", len(route))
	}
	if route[0].Name != "entry" || route[1].Name != "exit" {
		t.Error("route order does not match append order")
	}
}

func TestHopChainRouteSnapshotStable(t *testing.T) {
	c := NewHopChain(nil)
	if err := c.Append(testHop(t, "entry", "198.51.100.1:51820")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snapshot := c.Route()
	if err := c.Append(testHop(t, "exit", "203.0.113.2:51820")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// The earlier snapshot must be unaffected by the append.
	if len(snapshot) != 1 {
		t.Errorf("old snapshot length = %d, want 1", len(snapshot))
	}
	if len(c.Route()) != 2 {
		t.Errorf("new route length = %d, want 2", len(c.Route()))
	}
}

func TestHopChainValidation(t *testing.T) {
	c := NewHopChain(nil)

	if err := c.Append(Hop{Endpoint: netip.MustParseAddrPort("198.51.100.1:51820")}); !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("missing key: got %v, want KindValidation", err)
	}

	h := testHop(t, "dup", "198.51.100.1:51820")
	if err := c.Append(h); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := c.Append(h); !errors.IsKind(err, errors.KindConflict) {
		t.Errorf("duplicate hop: got %v, want KindConflict", err)
	}
}

func TestHopChainBounded(t *testing.T) {
	c := NewHopChain(nil)
	for i := 0; i < MaxHops; i++ {
		if err := c.Append(testHop(t, "hop", "198.51.100.1:51820")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := c.Append(testHop(t, "extra", "198.51.100.1:51820")); !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("over-limit append: got %v, want KindValidation", err)
	}
}

func TestRuleIdentityDistinguishesRules(t *testing.T) {
	a := Rule{Name: "r", Family: FamilyIPv4, Action: ActionDrop, DstPort: 53}
	b := Rule{Name: "r", Family: FamilyIPv6, Action: ActionDrop, DstPort: 53}
	c := Rule{Name: "r", Family: FamilyIPv4, Action: ActionDrop, DstPort: 443}
	if a.Identity() == b.Identity() || a.Identity() == c.Identity() {
		t.Error("distinct rules share an identity")
	}
	if a.Identity() != (Rule{Name: "r", Family: FamilyIPv4, Action: ActionDrop, DstPort: 53}).Identity() {
		t.Error("equal rules have different identities")
	}
}

func TestSplitTunnelExcludesConfiguredRanges(t *testing.T) {
	st := NewSplitTunnel(nil)
	if st.Excluded(netip.MustParseAddr("10.1.2.3")) {
		t.Error("empty set excluded an address")
	}

	err := st.Configure([]netip.Prefix{
		netip.MustParsePrefix("10.1.2.0/24"),
		netip.MustParsePrefix("2001:db8::/32"),
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if st.Len() != 2 {
		t.Fatalf("Len = %d, want 2", st.Len())
	}
	if !st.Excluded(netip.MustParseAddr("10.1.2.3")) {
		t.Error("address inside an excluded range not excluded")
	}
	if !st.Excluded(netip.MustParseAddr("2001:db8::1")) {
		t.Error("v6 address inside an excluded range not excluded")
	}
	if st.Excluded(netip.MustParseAddr("10.1.3.3")) {
		t.Error("neighbouring address excluded")
	}
}

func TestSplitTunnelConfigureReplacesSet(t *testing.T) {
	st := NewSplitTunnel(nil)
	if err := st.Configure([]netip.Prefix{netip.MustParsePrefix("10.1.2.0/24")}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := st.Configure([]netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if st.Excluded(netip.MustParseAddr("10.1.2.3")) {
		t.Error("old exclusion survived a replace")
	}
	if !st.Excluded(netip.MustParseAddr("192.0.2.7")) {
		t.Error("new exclusion not applied")
	}
}

func TestSplitTunnelRejectsInvalidPrefix(t *testing.T) {
	st := NewSplitTunnel(nil)
	if err := st.Configure([]netip.Prefix{netip.MustParsePrefix("10.1.2.0/24")}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	err := st.Configure([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), {}})
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("invalid prefix: got %v, want KindValidation", err)
	}
	if !st.Excluded(netip.MustParseAddr("10.1.2.3")) {
		t.Error("rejected configure clobbered the previous set")
	}
}
