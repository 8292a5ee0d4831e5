// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the gateway's HCL configuration.
package config

import (
	"net/netip"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

// Config is the top-level gateway configuration.
type Config struct {
	Gateway     Gateway      `hcl:"gateway,block"`
	RateLimit   *RateLimit   `hcl:"rate_limit,block"`
	FlowTable   *FlowTable   `hcl:"flow_table,block"`
	Classifier  *Classifier  `hcl:"classifier,block"`
	Pacing      *Pacing      `hcl:"pacing,block"`
	Obfuscation *Obfuscation `hcl:"obfuscation,block"`
	KillSwitch  *KillSwitch  `hcl:"kill_switch,block"`
	SplitTunnel *SplitTunnel `hcl:"split_tunnel,block"`
	DNS         *DNS         `hcl:"dns,block"`
	Log         *Log         `hcl:"log,block"`
	API         *API         `hcl:"api,block"`
	Peers       []Peer       `hcl:"peer,block"`
	Hops        []Hop        `hcl:"hop,block"`
}

// Gateway is the core engine configuration.
type Gateway struct {
	// PrivateKey is the gateway's base64 tunnel private key.
	PrivateKey string `hcl:"private_key"`
	// Interface is the tunnel interface name.
	Interface string `hcl:"interface,optional"`
	// ListenPort is the UDP tunnel transport port.
	ListenPort uint16 `hcl:"listen_port,optional"`
	// Workers is the packet worker count; 0 means one per CPU.
	Workers int `hcl:"workers,optional"`
	// MTU is the tunnel segment size.
	MTU int `hcl:"mtu,optional"`
	// LocalID tags egress frames with this sender id.
	LocalID uint32 `hcl:"local_id,optional"`
}

// RateLimit is the per-source admission budget.
type RateLimit struct {
	// Rate is sustained packets per second per source IP.
	Rate float64 `hcl:"rate,optional"`
	// Burst is the bucket capacity.
	Burst uint64 `hcl:"burst,optional"`
}

// FlowTable bounds the connection state store.
type FlowTable struct {
	FlowCapacity int `hcl:"flow_capacity,optional"`
	RateCapacity int `hcl:"rate_capacity,optional"`
	Shards       int `hcl:"shards,optional"`
	// IdleTimeoutSeconds expires flows with no traffic for this long.
	IdleTimeoutSeconds int `hcl:"idle_timeout_seconds,optional"`
}

// Classifier tunes the flood heuristics. These are operational defaults,
// not derived constants; adjust per deployment.
type Classifier struct {
	MinTTL      uint8 `hcl:"min_ttl,optional"`
	LengthSlack int   `hcl:"length_slack,optional"`
}

// Pacing smooths egress toward a target throughput.
type Pacing struct {
	TargetBitsPerSecond uint64 `hcl:"target_bps,optional"`
}

// Obfuscation wraps tunnel frames against traffic fingerprinting.
type Obfuscation struct {
	Mode   string `hcl:"mode"`
	Secret string `hcl:"secret,optional"`
}

// KillSwitch blocks non-tunnel egress when the tunnel is up.
type KillSwitch struct {
	Enabled bool `hcl:"enabled,optional"`
}

// SplitTunnel lists destination ranges that bypass the tunnel.
type SplitTunnel struct {
	Exclude []string `hcl:"exclude"`
}

// DNS configures leak protection.
type DNS struct {
	Enforce bool `hcl:"enforce,optional"`
	// Resolvers are the only DNS servers egress may reach.
	Resolvers []string `hcl:"resolvers,optional"`
	// VerifyDoT probes each resolver over DNS-over-TLS before enforcing.
	VerifyDoT bool `hcl:"verify_dot,optional"`
	// ServerName is the TLS name used for the DoT probe.
	ServerName string `hcl:"server_name,optional"`
}

// Log configures logging output.
type Log struct {
	Level  string                `hcl:"level,optional"`
	Format string                `hcl:"format,optional"`
	Syslog *logging.SyslogConfig `hcl:"syslog,block"`
}

// API is the local status/metrics listener.
type API struct {
	Listen string `hcl:"listen,optional"`
}

// Peer declares one tunnel peer.
type Peer struct {
	Name               string   `hcl:"name,label"`
	PublicKey          string   `hcl:"public_key"`
	PresharedKey       string   `hcl:"preshared_key,optional"`
	Endpoint           string   `hcl:"endpoint,optional"`
	AlternateEndpoints []string `hcl:"alternate_endpoints,optional"`
	AllowedIPs         []string `hcl:"allowed_ips"`
	RTTWeight          uint64   `hcl:"rtt_weight,optional"`
}

// Hop declares one relay in the multi-hop chain, in order.
type Hop struct {
	Name      string `hcl:"name,label"`
	PublicKey string `hcl:"public_key"`
	Endpoint  string `hcl:"endpoint"`
}

// evalContext exposes environment variables as env.NAME so secrets can
// stay out of the config file.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "config file %s", path)
	}
	var cfg Config
	if err := hclsimple.DecodeFile(path, evalContext(), &cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "failed to parse %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes configuration from memory, used by tests and the
// validate subcommand.
func Parse(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "failed to parse %s", filename)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Interface == "" {
		c.Gateway.Interface = "fg0"
	}
	if c.Gateway.ListenPort == 0 {
		c.Gateway.ListenPort = 51820
	}
	if c.Gateway.MTU == 0 {
		c.Gateway.MTU = 1420
	}
	if c.RateLimit == nil {
		c.RateLimit = &RateLimit{}
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 10000
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1000
	}
	if c.FlowTable == nil {
		c.FlowTable = &FlowTable{}
	}
	if c.FlowTable.FlowCapacity == 0 {
		c.FlowTable.FlowCapacity = 1 << 20
	}
	if c.FlowTable.RateCapacity == 0 {
		c.FlowTable.RateCapacity = 100000
	}
	if c.FlowTable.Shards == 0 {
		c.FlowTable.Shards = 64
	}
	if c.FlowTable.IdleTimeoutSeconds == 0 {
		c.FlowTable.IdleTimeoutSeconds = 300
	}
	if c.Classifier == nil {
		c.Classifier = &Classifier{}
	}
	if c.Classifier.MinTTL == 0 {
		c.Classifier.MinTTL = 5
	}
	if c.Classifier.LengthSlack == 0 {
		c.Classifier.LengthSlack = 64
	}
	if c.Pacing == nil {
		c.Pacing = &Pacing{}
	}
	if c.Log == nil {
		c.Log = &Log{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.API == nil {
		c.API = &API{}
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:9090"
	}
}

// Validate checks field formats and cross-field invariants. The first
// problem found is returned; nothing is mutated.
func (c *Config) Validate() error {
	if c.Gateway.PrivateKey == "" {
		return errors.New(errors.KindValidation, "gateway: private_key is required")
	}
	if _, err := wgtypes.ParseKey(c.Gateway.PrivateKey); err != nil {
		return errors.Wrap(err, errors.KindValidation, "gateway: invalid private_key")
	}
	if c.Gateway.Workers < 0 {
		return errors.New(errors.KindValidation, "gateway: workers must not be negative")
	}
	if c.Gateway.MTU < 576 || c.Gateway.MTU > 9000 {
		return errors.Errorf(errors.KindValidation, "gateway: mtu %d out of range [576, 9000]", c.Gateway.MTU)
	}
	if c.RateLimit.Rate <= 0 {
		return errors.New(errors.KindValidation, "rate_limit: rate must be positive")
	}

	if c.Obfuscation != nil {
		switch c.Obfuscation.Mode {
		case "none", "xor", "tls":
		default:
			return errors.Errorf(errors.KindValidation, "obfuscation: unknown mode %q", c.Obfuscation.Mode)
		}
		if c.Obfuscation.Mode != "none" && c.Obfuscation.Secret == "" {
			return errors.New(errors.KindValidation, "obfuscation: secret is required for mode "+c.Obfuscation.Mode)
		}
	}

	if c.Log.Syslog != nil && c.Log.Syslog.Enabled {
		if c.Log.Syslog.Host == "" {
			return errors.New(errors.KindValidation, "log: syslog requires a host")
		}
		switch c.Log.Syslog.Protocol {
		case "", "udp", "tcp":
		default:
			return errors.Errorf(errors.KindValidation, "log: unknown syslog protocol %q", c.Log.Syslog.Protocol)
		}
	}

	if c.SplitTunnel != nil {
		for _, cidr := range c.SplitTunnel.Exclude {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return errors.Wrapf(err, errors.KindValidation, "split_tunnel: invalid range %q", cidr)
			}
		}
	}

	if c.DNS != nil && c.DNS.Enforce && len(c.DNS.Resolvers) == 0 {
		return errors.New(errors.KindValidation, "dns: enforce requires at least one resolver")
	}
	if c.DNS != nil {
		for _, r := range c.DNS.Resolvers {
			if _, err := netip.ParseAddr(r); err != nil {
				return errors.Wrapf(err, errors.KindValidation, "dns: invalid resolver %q", r)
			}
		}
	}

	seen := make(map[string]string)
	for i := range c.Peers {
		if err := c.Peers[i].validate(seen); err != nil {
			return err
		}
	}
	for i := range c.Hops {
		h := &c.Hops[i]
		if _, err := wgtypes.ParseKey(h.PublicKey); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "hop %s: invalid public_key", h.Name)
		}
		if _, err := netip.ParseAddrPort(h.Endpoint); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "hop %s: invalid endpoint %q", h.Name, h.Endpoint)
		}
	}
	return nil
}

func (p *Peer) validate(seenKeys map[string]string) error {
	if p.Name == "" {
		return errors.New(errors.KindValidation, "peer: name label is required")
	}
	if _, err := wgtypes.ParseKey(p.PublicKey); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "peer %s: invalid public_key", p.Name)
	}
	if other, dup := seenKeys[p.PublicKey]; dup {
		return errors.Errorf(errors.KindValidation, "peer %s: public_key already used by peer %s", p.Name, other)
	}
	seenKeys[p.PublicKey] = p.Name

	if p.PresharedKey != "" {
		if _, err := wgtypes.ParseKey(p.PresharedKey); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "peer %s: invalid preshared_key", p.Name)
		}
	}
	if p.Endpoint != "" {
		if _, err := netip.ParseAddrPort(p.Endpoint); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "peer %s: invalid endpoint %q", p.Name, p.Endpoint)
		}
	}
	for _, ep := range p.AlternateEndpoints {
		if _, err := netip.ParseAddrPort(ep); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "peer %s: invalid alternate endpoint %q", p.Name, ep)
		}
	}
	if len(p.AllowedIPs) == 0 {
		return errors.Errorf(errors.KindValidation, "peer %s: allowed_ips must not be empty", p.Name)
	}
	if len(p.AllowedIPs) > 4 {
		return errors.Errorf(errors.KindValidation, "peer %s: at most 4 allowed_ips", p.Name)
	}
	for _, cidr := range p.AllowedIPs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return errors.Wrapf(err, errors.KindValidation, "peer %s: invalid allowed_ips entry %q", p.Name, cidr)
		}
	}
	return nil
}
