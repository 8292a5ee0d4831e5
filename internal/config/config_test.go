// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"strings"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/errors"
)

func testKey(t *testing.T) string {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return k.String()
}

func testPubKey(t *testing.T) string {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return k.PublicKey().String()
}

func minimalHCL(t *testing.T) string {
	return `
gateway {
  private_key = "` + testKey(t) + `"
}
`
}

func TestParseMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Parse("test.hcl", []byte(minimalHCL(t)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Gateway.ListenPort != 51820 {
		t.Errorf("listen_port = %d, want 51820", cfg.Gateway.ListenPort)
	}
	if cfg.Gateway.MTU != 1420 {
		t.Errorf("mtu = %d, want 1420", cfg.Gateway.MTU)
	}
	if cfg.Gateway.Interface != "fg0" {
		t.Errorf("interface = %q, want fg0", cfg.Gateway.Interface)
	}
	if cfg.RateLimit.Rate != 10000 || cfg.RateLimit.Burst != 1000 {
		t.Errorf("rate limit = %v/%v, want 10000/1000", cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	}
	if cfg.FlowTable.FlowCapacity != 1<<20 || cfg.FlowTable.Shards != 64 {
		t.Errorf("flow table = %+v", cfg.FlowTable)
	}
	if cfg.Classifier.MinTTL != 5 || cfg.Classifier.LengthSlack != 64 {
		t.Errorf("classifier = %+v", cfg.Classifier)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestParseFullConfig(t *testing.T) {
	hcl := `
gateway {
  private_key = "` + testKey(t) + `"
  interface   = "wg-gate"
  listen_port = 4500
  workers     = 8
  mtu         = 1380
  local_id    = 42
}

rate_limit {
  rate  = 20000
  burst = 2000
}

classifier {
  min_ttl      = 3
  length_slack = 128
}

pacing {
  target_bps = 1000000000
}

obfuscation {
  mode   = "tls"
  secret = "shared"
}

kill_switch {
  enabled = true
}

dns {
  enforce   = true
  resolvers = ["10.64.0.1", "fd00::1"]
}

split_tunnel {
  exclude = ["192.168.0.0/16", "fd00:10ca:1::/48"]
}

peer "exit-fra" {
  public_key          = "` + testPubKey(t) + `"
  endpoint            = "198.51.100.1:51820"
  alternate_endpoints = ["203.0.113.1:51820"]
  allowed_ips         = ["10.8.0.0/24", "fd42::/64"]
  rtt_weight          = 500
}

hop "relay-ams" {
  public_key = "` + testPubKey(t) + `"
  endpoint   = "192.0.2.7:51820"
}
`
	cfg, err := Parse("full.hcl", []byte(hcl))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Gateway.Workers != 8 || cfg.Gateway.LocalID != 42 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Name != "exit-fra" {
		t.Fatalf("peers = %+v", cfg.Peers)
	}
	if len(cfg.Peers[0].AllowedIPs) != 2 {
		t.Errorf("allowed_ips = %v", cfg.Peers[0].AllowedIPs)
	}
	if len(cfg.Hops) != 1 || cfg.Hops[0].Name != "relay-ams" {
		t.Errorf("hops = %+v", cfg.Hops)
	}
	if !cfg.KillSwitch.Enabled {
		t.Error("kill switch not enabled")
	}
	if cfg.Obfuscation.Mode != "tls" {
		t.Errorf("obfuscation mode = %q", cfg.Obfuscation.Mode)
	}
	if cfg.SplitTunnel == nil || len(cfg.SplitTunnel.Exclude) != 2 {
		t.Errorf("split_tunnel = %+v", cfg.SplitTunnel)
	}
}

func TestValidationFailures(t *testing.T) {
	pub := testPubKey(t)
	cases := []struct {
		name string
		hcl  string
		want string
	}{
		{
			name: "missing private key",
			hcl:  `gateway {` + "\n" + `  private_key = ""` + "\n" + `}`,
			want: "private_key",
		},
		{
			name: "bad private key",
			hcl:  `gateway {` + "\n" + `  private_key = "not-base64!"` + "\n" + `}`,
			want: "private_key",
		},
		{
			name: "bad obfuscation mode",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
obfuscation {
  mode = "rot13"
}`,
			want: "mode",
		},
		{
			name: "obfuscation without secret",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
obfuscation {
  mode = "xor"
}`,
			want: "secret",
		},
		{
			name: "syslog without host",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
log {
  syslog {
    enabled = true
  }
}`,
			want: "syslog",
		},
		{
			name: "syslog with bogus protocol",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
log {
  syslog {
    enabled  = true
    host     = "logs.example.net"
    protocol = "sctp"
  }
}`,
			want: "protocol",
		},
		{
			name: "enforce dns without resolvers",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
dns {
  enforce = true
}`,
			want: "resolver",
		},
		{
			name: "peer without allowed ips",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
peer "p" {
  public_key  = "` + pub + `"
  allowed_ips = []
}`,
			want: "allowed_ips",
		},
		{
			name: "peer with too many allowed ips",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
peer "p" {
  public_key  = "` + pub + `"
  allowed_ips = ["10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24", "10.0.3.0/24", "10.0.4.0/24"]
}`,
			want: "at most 4",
		},
		{
			name: "peer with bad endpoint",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
peer "p" {
  public_key  = "` + pub + `"
  endpoint    = "not-an-endpoint"
  allowed_ips = ["10.0.0.0/24"]
}`,
			want: "endpoint",
		},
		{
			name: "split tunnel with bogus range",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
split_tunnel {
  exclude = ["10.1.2.0/24", "not-a-range"]
}`,
			want: "split_tunnel",
		},
		{
			name: "duplicate peer keys",
			hcl: `gateway {
  private_key = "` + testKey(t) + `"
}
peer "a" {
  public_key  = "` + pub + `"
  allowed_ips = ["10.0.0.0/24"]
}
peer "b" {
  public_key  = "` + pub + `"
  allowed_ips = ["10.0.1.0/24"]
}`,
			want: "already used",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("case.hcl", []byte(tc.hcl))
			if err == nil {
				t.Fatal("Parse succeeded, want validation error")
			}
			if !errors.IsKind(err, errors.KindValidation) {
				t.Errorf("kind = %v, want KindValidation", errors.GetKind(err))
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnvReferences(t *testing.T) {
	key := testKey(t)
	t.Setenv("FLYGATE_PRIVATE_KEY", key)

	cfg, err := Parse("env.hcl", []byte(`
gateway {
  private_key = env.FLYGATE_PRIVATE_KEY
}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Gateway.PrivateKey != key {
		t.Error("env reference not resolved")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/flygate.hcl"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("Load missing file: got %v, want KindNotFound", err)
	}
}
