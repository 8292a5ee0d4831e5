// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"crypto/tls"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

const (
	protoTCP = 6
	dnsPort  = 53
)

// Resolver is one permitted DNS upstream. ServerName is only needed for
// the DNS-over-TLS reachability probe.
type Resolver struct {
	Addr       netip.Addr
	ServerName string
}

// DNSProtector forces all port-53 traffic to an allow-listed resolver
// set and drops queries to anything else, closing the classic VPN DNS
// leak. Optionally it probes each resolver over DNS-over-TLS before
// enforcement.
type DNSProtector struct {
	mu        sync.Mutex
	backend   Backend
	resolvers []Resolver
	enabled   bool
	logger    *logging.Logger
}

// NewDNSProtector builds a protector for the given resolver set.
func NewDNSProtector(backend Backend, resolvers []Resolver, logger *logging.Logger) *DNSProtector {
	if logger == nil {
		logger = logging.WithComponent("dnsprotect")
	}
	return &DNSProtector{backend: backend, resolvers: resolvers, logger: logger}
}

// rules allows port 53 to the configured resolvers over both transports
// and drops everything else on port 53, per family. Allow rules precede
// the drops.
func (d *DNSProtector) rules() []Rule {
	var v4, v6 []netip.Addr
	for _, r := range d.resolvers {
		if r.Addr.Is4() {
			v4 = append(v4, r.Addr)
		} else {
			v6 = append(v6, r.Addr)
		}
	}

	var out []Rule
	for _, fam := range []Family{FamilyIPv4, FamilyIPv6} {
		addrs := v4
		if fam == FamilyIPv6 {
			addrs = v6
		}
		if len(addrs) > 0 {
			for _, proto := range []uint8{protoUDP, protoTCP} {
				out = append(out, Rule{
					Name:     "dns-allow-resolvers",
					Family:   fam,
					Action:   ActionAccept,
					Protocol: proto,
					DstPort:  dnsPort,
					DstAddrs: addrs,
				})
			}
		}
		for _, proto := range []uint8{protoUDP, protoTCP} {
			out = append(out, Rule{
				Name:     "dns-deny-leak",
				Family:   fam,
				Action:   ActionDrop,
				Protocol: proto,
				DstPort:  dnsPort,
			})
		}
	}
	return out
}

// Enable installs the DNS enforcement rules. Idempotent.
func (d *DNSProtector) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.enabled {
		return nil
	}
	if len(d.resolvers) == 0 {
		return errors.New(errors.KindValidation, "dns protection requires at least one resolver")
	}
	if err := installOrdered(d.backend, d.rules()); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to enable dns protection")
	}
	d.enabled = true
	d.logger.Info("DNS leak protection enabled", "resolvers", len(d.resolvers))
	return nil
}

// Disable removes the DNS enforcement rules. Idempotent.
func (d *DNSProtector) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return nil
	}
	if err := removeAll(d.backend, d.rules()); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to disable dns protection")
	}
	d.enabled = false
	d.logger.Info("DNS leak protection disabled")
	return nil
}

// Enabled reports whether enforcement is active.
func (d *DNSProtector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// VerifyDoT probes a resolver over DNS-over-TLS with a root NS query and
// reports whether it answered. Used before enabling enforcement so the
// gateway does not lock itself onto a dead resolver.
func (d *DNSProtector) VerifyDoT(ctx context.Context, r Resolver) error {
	c := new(dns.Client)
	c.Net = "tcp-tls"
	c.Timeout = 2 * time.Second
	c.TLSConfig = &tls.Config{
		ServerName: r.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)

	addr := netip.AddrPortFrom(r.Addr, 853).String()
	resp, _, err := c.ExchangeContext(ctx, m, addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "resolver %s unreachable over DoT", r.Addr)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return errors.Errorf(errors.KindUnavailable, "resolver %s returned %s", r.Addr, dns.RcodeToString[resp.Rcode])
	}
	return nil
}
