// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package peer

import (
	"fmt"
	"net/netip"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func testKey(t *testing.T, seed byte) wgtypes.Key {
	t.Helper()
	var b [32]byte
	b[0] = seed
	b[31] = 1
	key, err := wgtypes.NewKey(b[:])
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return key
}

func addPeer(t *testing.T, r *Registry, name string, seed byte, cidrs ...string) *Info {
	t.Helper()
	cfg := Config{
		Name:      name,
		PublicKey: testKey(t, seed),
		Endpoint:  netip.MustParseAddrPort("198.51.100.1:51820"),
	}
	for _, c := range cidrs {
		cfg.AllowedIPs = append(cfg.AllowedIPs, netip.MustParsePrefix(c))
	}
	p, err := r.Add(cfg)
	if err != nil {
		t.Fatalf("Add(%s): %v", name, err)
	}
	return p
}

func TestAddValidation(t *testing.T) {
	r := NewRegistry(nil)

	if _, err := r.Add(Config{Name: "nokey", AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}}); err == nil {
		t.Error("expected error for missing public key")
	}
	if _, err := r.Add(Config{Name: "noips", PublicKey: testKey(t, 1)}); err == nil {
		t.Error("expected error for missing allowed IPs")
	}

	tooMany := Config{Name: "toomany", PublicKey: testKey(t, 2)}
	for i := 0; i < MaxAllowedIPs+1; i++ {
		tooMany.AllowedIPs = append(tooMany.AllowedIPs, netip.MustParsePrefix(fmt.Sprintf("10.%d.0.0/16", i)))
	}
	if _, err := r.Add(tooMany); err == nil {
		t.Errorf("expected error for more than %d allowed IPs", MaxAllowedIPs)
	}

	addPeer(t, r, "first", 3, "10.1.0.0/16")
	dup := Config{
		Name:       "second",
		PublicKey:  testKey(t, 3),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.2.0.0/16")},
	}
	if _, err := r.Add(dup); err == nil {
		t.Error("expected error for duplicate public key")
	}
}

func TestLookupDisjointRanges(t *testing.T) {
	r := NewRegistry(nil)
	a := addPeer(t, r, "a", 1, "10.1.0.0/16")
	b := addPeer(t, r, "b", 2, "10.2.0.0/16")
	c := addPeer(t, r, "c", 3, "172.16.0.0/12", "192.168.5.0/24")

	cases := []struct {
		ip   string
		want *Info
	}{
		{"10.1.200.7", a},
		{"10.2.0.1", b},
		{"172.20.1.1", c},
		{"192.168.5.99", c},
	}
	for _, tc := range cases {
		got, ok := r.LookupByDestination(netip.MustParseAddr(tc.ip))
		if !ok || got != tc.want {
			t.Errorf("LookupByDestination(%s) = %v, want %s", tc.ip, got, tc.want.Name)
		}
	}

	for _, outside := range []string{"10.3.0.1", "192.168.6.1", "8.8.8.8"} {
		if _, ok := r.LookupByDestination(netip.MustParseAddr(outside)); ok {
			t.Errorf("LookupByDestination(%s) matched, want none", outside)
		}
	}
}

func TestLongestPrefixWins(t *testing.T) {
	r := NewRegistry(nil)
	wide := addPeer(t, r, "wide", 1, "10.0.0.0/8")
	narrow := addPeer(t, r, "narrow", 2, "10.5.0.0/16")

	got, _ := r.LookupByDestination(netip.MustParseAddr("10.5.1.1"))
	if got != narrow {
		t.Errorf("expected the /16 to win, got %s", got.Name)
	}
	got, _ = r.LookupByDestination(netip.MustParseAddr("10.6.1.1"))
	if got != wide {
		t.Errorf("expected the /8 outside the /16, got %s", got.Name)
	}
}

func TestEqualPrefixTieBreaksToLowestID(t *testing.T) {
	r := NewRegistry(nil)
	first := addPeer(t, r, "first", 1, "10.9.0.0/16")
	addPeer(t, r, "second", 2, "10.9.0.0/16")

	got, _ := r.LookupByDestination(netip.MustParseAddr("10.9.4.4"))
	if got != first {
		t.Errorf("tie should break to lowest ID, got %s", got.Name)
	}
}

func TestSelectPeerLeastLoaded(t *testing.T) {
	r := NewRegistry(nil)
	a := addPeer(t, r, "a", 1, "10.9.0.0/16")
	b := addPeer(t, r, "b", 2, "10.9.0.0/16")

	a.TxBytes.Add(5000)
	b.TxBytes.Add(100)
	r.RefreshLoadScores()

	candidates := r.CandidatesByDestination(netip.MustParseAddr("10.9.1.1"))
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	if got := SelectPeer(candidates); got != b {
		t.Errorf("SelectPeer picked %s, want least-loaded b", got.Name)
	}

	// Equal scores: stable tie-break to the lowest ID.
	a.TxBytes.Store(0)
	b.TxBytes.Store(0)
	a.RxBytes.Store(0)
	b.RxBytes.Store(0)
	r.RefreshLoadScores()
	if got := SelectPeer(candidates); got != a {
		t.Errorf("SelectPeer tie picked %s, want a", got.Name)
	}
}

func TestLoadScoreIncludesRTT(t *testing.T) {
	r := NewRegistry(nil)
	p := addPeer(t, r, "a", 1, "10.9.0.0/16")

	p.TxBytes.Add(1000)
	p.RTTEstimate.Store(50)
	p.UpdateLoadScore()

	want := uint64(1000 + 50*DefaultRTTWeight)
	if got := p.LoadScore.Load(); got != want {
		t.Errorf("LoadScore = %d, want %d", got, want)
	}
}

func TestRemoveRefusesNewReferences(t *testing.T) {
	r := NewRegistry(nil)
	p := addPeer(t, r, "gone", 1, "10.1.0.0/16")

	if !p.Acquire() {
		t.Fatal("acquire before removal should succeed")
	}

	if err := r.Remove(p.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if p.Acquire() {
		t.Error("acquire after removal must fail")
	}
	if _, ok := r.LookupByDestination(netip.MustParseAddr("10.1.0.1")); ok {
		t.Error("removed peer still routable")
	}
	if _, ok := r.LookupByID(p.ID); ok {
		t.Error("removed peer still resolvable by ID")
	}

	// The in-flight reference drains normally.
	p.Release()
	if p.Refs() != 0 {
		t.Errorf("refs = %d, want 0", p.Refs())
	}
}

func TestRemoveInvokesTeardownHook(t *testing.T) {
	r := NewRegistry(nil)
	p := addPeer(t, r, "hooked", 1, "10.1.0.0/16")

	var removed *Info
	r.OnRemove(func(info *Info) { removed = info })

	if err := r.Remove(p.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed != p {
		t.Error("teardown hook not invoked with removed peer")
	}

	if err := r.Remove(p.ID); err == nil {
		t.Error("removing twice should fail")
	}
}

func TestRouteForSkipsTornDownPeer(t *testing.T) {
	r := NewRegistry(nil)
	a := addPeer(t, r, "a", 1, "10.9.0.0/16")
	b := addPeer(t, r, "b", 2, "10.9.0.0/16")

	// Tear down a out-of-band: RouteFor must fall through to b.
	a.tornDown.Store(true)

	got := r.RouteFor(netip.MustParseAddr("10.9.1.1"))
	if got != b {
		t.Fatalf("RouteFor = %v, want b", got)
	}
	got.Release()
}

func TestIPv6Routing(t *testing.T) {
	r := NewRegistry(nil)
	p := addPeer(t, r, "six", 1, "fd00:1234::/32")

	got, ok := r.LookupByDestination(netip.MustParseAddr("fd00:1234::42"))
	if !ok || got != p {
		t.Error("IPv6 allowed range not matched")
	}
	if _, ok := r.LookupByDestination(netip.MustParseAddr("fd00:9999::1")); ok {
		t.Error("IPv6 outside range matched")
	}
}

func TestDefaultRoute(t *testing.T) {
	r := NewRegistry(nil)
	p := addPeer(t, r, "exit", 1, "0.0.0.0/0")

	got, ok := r.LookupByDestination(netip.MustParseAddr("203.0.113.77"))
	if !ok || got != p {
		t.Error("default route should match any v4 destination")
	}
}
