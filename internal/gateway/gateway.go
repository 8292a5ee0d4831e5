// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package gateway composes the data plane: admission control on outbound
// packets, per-peer handshake machines, the seal/open pipeline, and
// traffic shaping on the wire side. The engine owns no sockets; packet
// I/O comes in through the PacketIO interface so tests and alternative
// transports can drive it directly.
package gateway

import (
	"context"
	"maps"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/classifier"
	"grimm.is/flygate/internal/clock"
	"grimm.is/flygate/internal/config"
	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/flowstate"
	"grimm.is/flygate/internal/handshake"
	"grimm.is/flygate/internal/logging"
	"grimm.is/flygate/internal/noise"
	"grimm.is/flygate/internal/peer"
	"grimm.is/flygate/internal/pipeline"
	"grimm.is/flygate/internal/policy"
	"grimm.is/flygate/internal/shaping"
	"grimm.is/flygate/internal/stats"
)

// PacketIO is the engine's packet device. ReadOutbound yields link-layer
// frames leaving the protected network; ReadInbound yields datagrams
// arriving on the tunnel port. Both block until a packet is available or
// the context ends.
type PacketIO interface {
	ReadOutbound(ctx context.Context) ([]byte, error)
	ReadInbound(ctx context.Context) ([]byte, netip.AddrPort, error)

	// WriteWire transmits a wire frame toward an endpoint with the given
	// TOS byte, no earlier than the pacing deadline.
	WriteWire(frame []byte, endpoint netip.AddrPort, tos uint8, earliest time.Time) error

	// WriteLocal delivers a decrypted packet to the protected network.
	WriteLocal(packet []byte) error
}

// senderTable maps the sender id carried in received frames to the local
// peer id. Bindings are learned from handshake traffic; data-path reads
// dereference one immutable snapshot.
type senderTable map[uint32]uint32

// machineTable is the per-peer handshake machine snapshot, same
// copy-on-write discipline as senderTable.
type machineTable map[uint32]*handshake.Machine

func (t senderTable) clone() senderTable   { return maps.Clone(t) }
func (t machineTable) clone() machineTable { return maps.Clone(t) }

// Engine is the assembled data plane.
type Engine struct {
	instance    string
	local       wgtypes.Key
	localID     uint32
	workers     int
	started     time.Time
	idleTimeout time.Duration

	io     PacketIO
	clk    clock.Clock
	logger *logging.Logger

	store  *flowstate.Store
	cls    *classifier.Classifier
	reg    *peer.Registry
	pipe   *pipeline.Pipeline
	sink   *stats.Sink
	marker shaping.Marker
	pacer  *shaping.Pacer
	obf    *shaping.Obfuscator
	split  *policy.SplitTunnel

	hcfg handshake.Config

	// Control-path lock for the copy-on-write tables below.
	mu       sync.Mutex
	machines atomic.Pointer[machineTable]
	senders  atomic.Pointer[senderTable]
}

// New assembles an engine from a validated configuration. Peers from the
// config are registered immediately; their handshakes start when Run is
// called or on first outbound packet.
func New(cfg *config.Config, io PacketIO, clk clock.Clock, logger *logging.Logger) (*Engine, error) {
	if io == nil {
		return nil, errors.New(errors.KindValidation, "packet IO is required")
	}
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = logging.WithComponent("gateway")
	}

	local, err := wgtypes.ParseKey(cfg.Gateway.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid private key")
	}

	workers := cfg.Gateway.Workers
	if workers < 1 {
		workers = 1
	}
	localID := cfg.Gateway.LocalID
	if localID == 0 {
		localID, err = randomSenderID()
		if err != nil {
			return nil, err
		}
	}

	store := flowstate.New(flowstate.Config{
		FlowCapacity: cfg.FlowTable.FlowCapacity,
		RateCapacity: cfg.FlowTable.RateCapacity,
		Shards:       cfg.FlowTable.Shards,
		Rate:         cfg.RateLimit.Rate,
		Burst:        cfg.RateLimit.Burst,
	}, clk)

	sink := stats.NewSink(workers)
	cls := classifier.New(classifier.Config{
		TunnelPort:  cfg.Gateway.ListenPort,
		MinTTL:      cfg.Classifier.MinTTL,
		LengthSlack: cfg.Classifier.LengthSlack,
		Workers:     workers,
	}, store, sink)

	e := &Engine{
		instance:    uuid.NewString(),
		local:       local,
		localID:     localID,
		workers:     workers,
		idleTimeout: time.Duration(cfg.FlowTable.IdleTimeoutSeconds) * time.Second,
		io:          io,
		clk:         clk,
		logger:      logger,
		store:       store,
		cls:         cls,
		reg:         peer.NewRegistry(logger.WithComponent("peers")),
		pipe:        pipeline.New(localID, cfg.Gateway.MTU, logger.WithComponent("pipeline")),
		sink:        sink,
		marker:      shaping.Marker{TunnelPort: cfg.Gateway.ListenPort},
		pacer:       shaping.NewPacer(pacingTarget(cfg), clk),
		split:       policy.NewSplitTunnel(logger.WithComponent("splittunnel")),
		hcfg:        handshake.DefaultConfig(),
	}
	mt := machineTable{}
	e.machines.Store(&mt)
	st := senderTable{}
	e.senders.Store(&st)
	e.reg.OnRemove(e.peerRemoved)

	mode := shaping.ModeNone
	var secret []byte
	if cfg.Obfuscation != nil {
		mode, err = shaping.ParseMode(cfg.Obfuscation.Mode)
		if err != nil {
			return nil, err
		}
		secret = []byte(cfg.Obfuscation.Secret)
	}
	e.obf = shaping.NewObfuscator(mode, secret, clk)

	if cfg.SplitTunnel != nil {
		excluded := make([]netip.Prefix, 0, len(cfg.SplitTunnel.Exclude))
		for _, cidr := range cfg.SplitTunnel.Exclude {
			pfx, err := netip.ParsePrefix(cidr)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindValidation, "invalid split tunnel range %q", cidr)
			}
			excluded = append(excluded, pfx)
		}
		if err := e.split.Configure(excluded); err != nil {
			return nil, err
		}
	}

	for i := range cfg.Peers {
		pc, err := peerConfig(&cfg.Peers[i])
		if err != nil {
			return nil, err
		}
		if _, err := e.AddPeer(pc); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func pacingTarget(cfg *config.Config) uint64 {
	if cfg.Pacing != nil && cfg.Pacing.TargetBitsPerSecond != 0 {
		return cfg.Pacing.TargetBitsPerSecond
	}
	return shaping.DefaultTargetBitsPerSecond
}

// randomSenderID draws a nonzero 32-bit id for tagging egress frames.
func randomSenderID() (uint32, error) {
	for {
		b, err := noise.RandomBytes(4)
		if err != nil {
			return 0, errors.Wrap(err, errors.KindInternal, "failed to draw sender id")
		}
		id := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		if id != 0 {
			return id, nil
		}
	}
}

// peerConfig converts a validated config block to a registry entry.
func peerConfig(pc *config.Peer) (peer.Config, error) {
	out := peer.Config{Name: pc.Name, RTTWeight: pc.RTTWeight}

	key, err := wgtypes.ParseKey(pc.PublicKey)
	if err != nil {
		return out, errors.Wrapf(err, errors.KindValidation, "peer %s: invalid public key", pc.Name)
	}
	out.PublicKey = key

	if pc.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(pc.PresharedKey)
		if err != nil {
			return out, errors.Wrapf(err, errors.KindValidation, "peer %s: invalid preshared key", pc.Name)
		}
		out.PresharedKey = psk
	}
	if pc.Endpoint != "" {
		ep, err := netip.ParseAddrPort(pc.Endpoint)
		if err != nil {
			return out, errors.Wrapf(err, errors.KindValidation, "peer %s: invalid endpoint", pc.Name)
		}
		out.Endpoint = ep
	}
	for _, alt := range pc.AlternateEndpoints {
		ep, err := netip.ParseAddrPort(alt)
		if err != nil {
			return out, errors.Wrapf(err, errors.KindValidation, "peer %s: invalid alternate endpoint", pc.Name)
		}
		out.AlternateEndpoints = append(out.AlternateEndpoints, ep)
	}
	for _, cidr := range pc.AllowedIPs {
		pfx, err := netip.ParsePrefix(cidr)
		if err != nil {
			return out, errors.Wrapf(err, errors.KindValidation, "peer %s: invalid allowed IP range", pc.Name)
		}
		out.AllowedIPs = append(out.AllowedIPs, pfx)
	}
	return out, nil
}

// Instance returns the engine's run identifier.
func (e *Engine) Instance() string { return e.instance }

// Registry exposes the peer registry for status reporting.
func (e *Engine) Registry() *peer.Registry { return e.reg }

// Sink exposes the statistics sink for the API server.
func (e *Engine) Sink() *stats.Sink { return e.sink }

// FlowCount reports the live flow table size.
func (e *Engine) FlowCount() int { return e.store.FlowCount() }

// Obfuscator exposes the wire obfuscator for runtime toggling.
func (e *Engine) Obfuscator() *shaping.Obfuscator { return e.obf }

// SplitTunnel exposes the exclusion set for control-path updates.
func (e *Engine) SplitTunnel() *policy.SplitTunnel { return e.split }

// AddPeer registers a peer and creates its handshake machine. If the
// peer has an endpoint its handshake starts immediately.
func (e *Engine) AddPeer(pc peer.Config) (*peer.Info, error) {
	p, err := e.reg.Add(pc)
	if err != nil {
		return nil, err
	}
	m := handshake.NewMachine(p, e.local, e.hcfg, e, e.clk, e.logger.With("peer", p.Name))

	e.mu.Lock()
	machines := e.machines.Load().clone()
	machines[p.ID] = m
	e.machines.Store(&machines)
	e.mu.Unlock()

	if p.Endpoint().IsValid() {
		m.Initiate()
	}
	return p, nil
}

// RemovePeer tears a peer down. The registry's removal hook stops the
// handshake machine and zeroes its keys before this returns.
func (e *Engine) RemovePeer(id uint32) error {
	return e.reg.Remove(id)
}

// peerRemoved is the registry teardown hook. It runs under the
// registry's control lock, after the peer is marked torn down.
func (e *Engine) peerRemoved(p *peer.Info) {
	e.mu.Lock()
	defer e.mu.Unlock()

	machines := *e.machines.Load()
	if m, ok := machines[p.ID]; ok {
		m.Teardown()
		next := machines.clone()
		delete(next, p.ID)
		e.machines.Store(&next)
	}

	senders := *e.senders.Load()
	for sid, pid := range senders {
		if pid == p.ID {
			next := senders.clone()
			delete(next, sid)
			e.senders.Store(&next)
			break
		}
	}
}

// machineFor returns the handshake machine for a peer id.
func (e *Engine) machineFor(id uint32) (*handshake.Machine, bool) {
	m, ok := (*e.machines.Load())[id]
	return m, ok
}

// bindSender records which peer a remote sender id belongs to. Learned
// from handshake frames, consumed by SessionBySender on the data path.
func (e *Engine) bindSender(sid uint32, peerID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	senders := *e.senders.Load()
	if senders[sid] == peerID {
		return
	}
	next := senders.clone()
	next[sid] = peerID
	e.senders.Store(&next)
}

// SessionBySender resolves a received frame's sender id to its peer and
// live session. Implements the pipeline's lookup interface.
func (e *Engine) SessionBySender(sid uint32) (*peer.Info, *handshake.Session, bool) {
	pid, ok := (*e.senders.Load())[sid]
	if !ok {
		return nil, nil, false
	}
	p, ok := e.reg.LookupByID(pid)
	if !ok {
		return nil, nil, false
	}
	m, ok := e.machineFor(pid)
	if !ok {
		return nil, nil, false
	}
	s := m.Session()
	if s == nil {
		return nil, nil, false
	}
	return p, s, true
}

// peerByAddress finds the peer whose configured endpoints include the
// given address. Handshake frames are attributed this way before a
// sender binding exists; ports are ignored so NAT rebinding still
// matches.
func (e *Engine) peerByAddress(from netip.AddrPort) (*peer.Info, bool) {
	addr := from.Addr().Unmap()
	for _, p := range e.reg.Peers() {
		if p.Endpoint().Addr().Unmap() == addr {
			return p, true
		}
		for _, alt := range p.Alternates() {
			if alt.Addr().Unmap() == addr {
				return p, true
			}
		}
	}
	return nil, false
}

// SendInitiation transmits a handshake initiation frame. Implements the
// handshake transport interface; the body carries this side's key
// material for the session derivation.
func (e *Engine) SendInitiation(p *peer.Info, endpoint netip.AddrPort, material []byte) error {
	if len(material) != handshake.MaterialSize {
		return errors.Errorf(errors.KindInternal, "initiation material is %d bytes, want %d", len(material), handshake.MaterialSize)
	}
	frame := pipeline.AppendHeader(nil, pipeline.TypeHandshakeInitiation, e.localID, 0)
	frame = append(frame, material...)
	return e.sendWire(frame, endpoint)
}

// SendKeepalive transmits an empty data frame so the peer's liveness
// tracking sees traffic.
func (e *Engine) SendKeepalive(p *peer.Info, endpoint netip.AddrPort) error {
	m, ok := e.machineFor(p.ID)
	if !ok {
		return errors.Errorf(errors.KindNotFound, "no machine for peer %d", p.ID)
	}
	s := m.Session()
	if s == nil {
		return errors.New(errors.KindUnavailable, "no established session")
	}
	frames, err := e.pipe.Encrypt(e.sink.Worker(0), p, s, nil)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := e.sendWire(f, endpoint); err != nil {
			return err
		}
	}
	return nil
}

// sendResponse transmits a handshake response frame echoing this side's
// key material.
func (e *Engine) sendResponse(endpoint netip.AddrPort, material []byte) error {
	frame := pipeline.AppendHeader(nil, pipeline.TypeHandshakeResponse, e.localID, 0)
	frame = append(frame, material...)
	return e.sendWire(frame, endpoint)
}

// sendWire applies obfuscation, QoS marking, and pacing, then hands the
// frame to the packet device.
func (e *Engine) sendWire(frame []byte, endpoint netip.AddrPort) error {
	wire := e.obf.Wrap(frame)
	tos := e.marker.TOS(endpoint.Port())
	return e.io.WriteWire(wire, endpoint, tos, e.pacer.EarliestTransmit(len(wire)))
}

