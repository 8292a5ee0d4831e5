// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package handshake drives the per-peer tunnel lifecycle: initiation with
// capped exponential retry, endpoint failover, keepalives, and rekeying.
// The cryptographic exchange itself is delegated to the noise package;
// this package owns when it happens and what state it leaves behind.
package handshake

import (
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/clock"
	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
	"grimm.is/flygate/internal/noise"
	"grimm.is/flygate/internal/peer"
)

// Phase is the lifecycle state of a peer's tunnel.
type Phase int

const (
	// Idle means no session exists and none is being negotiated.
	Idle Phase = iota
	// InitiationSent means a handshake is in flight and the retry timer
	// is armed.
	InitiationSent
	// Established means session keys are valid for the pipeline.
	Established
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case InitiationSent:
		return "initiation-sent"
	case Established:
		return "established"
	default:
		return "unknown"
	}
}

// MaterialSize is the length of the per-handshake key material each side
// contributes in its initiation or response frame.
const MaterialSize = 32

// Transport sends control messages toward a peer endpoint. The material
// passed to SendInitiation is this side's contribution to the session
// key derivation and travels in the frame body.
type Transport interface {
	SendInitiation(p *peer.Info, endpoint netip.AddrPort, material []byte) error
	SendKeepalive(p *peer.Info, endpoint netip.AddrPort) error
}

// Config tunes the lifecycle timers.
type Config struct {
	RetryBase          time.Duration // first retry interval
	RetryCap           time.Duration // retry interval ceiling
	AlternateAfter     int           // consecutive failures before endpoint failover
	RekeyAfterMessages uint64
	RekeyAfterTime     time.Duration
	KeepaliveInterval  time.Duration
}

// DefaultConfig returns the production timer values.
func DefaultConfig() Config {
	return Config{
		RetryBase:          5 * time.Second,
		RetryCap:           60 * time.Second,
		AlternateAfter:     3,
		RekeyAfterMessages: 1 << 60,
		RekeyAfterTime:     120 * time.Second,
		KeepaliveInterval:  10 * time.Second,
	}
}

// timerHandle is the stoppable result of scheduling a callback.
type timerHandle interface {
	Stop() bool
}

// scheduleFunc arms a one-shot callback. Production wiring uses
// time.AfterFunc; tests substitute a manual trigger.
type scheduleFunc func(d time.Duration, f func()) timerHandle

func realSchedule(d time.Duration, f func()) timerHandle {
	return time.AfterFunc(d, f)
}

// Machine is the handshake state machine for one peer. All transitions
// hold the machine lock; timer callbacks re-check peer liveness so a
// timer firing after teardown is a no-op.
type Machine struct {
	peer      *peer.Info
	local     wgtypes.Key // local private key
	cfg       Config
	clk       clock.Clock
	transport Transport
	logger    *logging.Logger
	schedule  scheduleFunc

	mu            sync.Mutex
	phase         Phase
	failures      int
	retryInterval time.Duration
	altIndex      int
	session       *Session
	rekeyAt       time.Time
	lastSend      time.Time
	retryTimer    timerHandle
	keepalive     timerHandle

	// Key material exchanged in the current handshake, initiator's
	// contribution first. Mixed into the session key derivation so each
	// handshake yields fresh keys.
	initMaterial []byte
	respMaterial []byte
}

// NewMachine builds the state machine for a peer in the Idle phase.
func NewMachine(p *peer.Info, local wgtypes.Key, cfg Config, transport Transport, clk clock.Clock, logger *logging.Logger) *Machine {
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = logging.WithComponent("handshake")
	}
	return &Machine{
		peer:      p,
		local:     local,
		cfg:       cfg,
		clk:       clk,
		transport: transport,
		logger:    logger.With("peer", p.Name, "peer_id", p.ID),
		schedule:  realSchedule,
	}
}

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Failures returns the consecutive handshake failure count.
func (m *Machine) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// RetryInterval returns the interval the next retry timer will use.
func (m *Machine) RetryInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryInterval
}

// SessionForSend returns the established session for the pipeline. When
// no usable session exists it starts a handshake and reports the peer
// unavailable; the caller drops or queues the packet. A session past its
// rekey point is still returned while the replacement handshake runs.
func (m *Machine) SessionForSend() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer.TornDown() {
		return nil, errors.New(errors.KindUnavailable, "peer torn down")
	}

	s := m.session
	if m.phase == Established && s != nil && s.Alive() {
		if m.needsRekeyLocked(s) {
			m.startHandshakeLocked("rekey")
		}
		return s, nil
	}
	if m.phase == Idle {
		m.startHandshakeLocked("first packet")
	}
	return nil, errors.New(errors.KindUnavailable, "no established session")
}

// Session returns the current session regardless of rekey state, or nil.
func (m *Machine) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Initiate starts a handshake if none is in flight. Used by the control
// path to pre-establish tunnels at startup.
func (m *Machine) Initiate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer.TornDown() || m.phase == InitiationSent {
		return
	}
	m.startHandshakeLocked("explicit")
}

// startHandshakeLocked transitions to InitiationSent, draws fresh key
// material for the attempt, sends an initiation to the current endpoint,
// and arms the retry timer at the base interval.
func (m *Machine) startHandshakeLocked(reason string) {
	m.phase = InitiationSent
	m.retryInterval = m.cfg.RetryBase
	m.stopKeepaliveLocked()
	if material, err := noise.RandomBytes(MaterialSize); err != nil {
		m.logger.Error("failed to draw handshake material", "error", err)
	} else {
		m.initMaterial = material
	}
	m.sendInitiationLocked()
	m.logger.Debug("handshake initiated", "reason", reason, "endpoint", m.peer.Endpoint())
}

func (m *Machine) sendInitiationLocked() {
	ep := m.peer.Endpoint()
	if err := m.transport.SendInitiation(m.peer, ep, m.initMaterial); err != nil {
		m.logger.Warn("failed to send handshake initiation", "endpoint", ep, "error", err)
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = m.schedule(m.retryInterval, m.retryExpired)
}

// retryExpired is the retry-timer callback. Doubles the interval up to
// the cap, fails over to an alternate endpoint past the failure
// threshold, and resends. No-op once the peer is torn down or the
// handshake completed.
func (m *Machine) retryExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer.TornDown() || m.phase != InitiationSent {
		return
	}

	m.failures++
	next := m.retryInterval * 2
	if next > m.cfg.RetryCap {
		next = m.cfg.RetryCap
	}
	m.retryInterval = next

	if m.failures > m.cfg.AlternateAfter {
		m.switchEndpointLocked()
	}

	m.logger.Info("handshake retry", "failures", m.failures, "interval", m.retryInterval, "endpoint", m.peer.Endpoint())
	m.sendInitiationLocked()
}

// switchEndpointLocked rotates to the next known alternate endpoint.
func (m *Machine) switchEndpointLocked() {
	alts := m.peer.Alternates()
	if len(alts) == 0 {
		return
	}
	ep := alts[m.altIndex%len(alts)]
	m.altIndex++
	m.peer.SetEndpoint(ep)
	m.logger.Warn("switching to alternate endpoint", "endpoint", ep, "failures", m.failures)
}

// Complete handles a valid handshake response carrying the responder's
// key material: derives fresh session keys, publishes the session, and
// arms keepalive and rekey tracking.
func (m *Machine) Complete(material []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer.TornDown() {
		return errors.New(errors.KindUnavailable, "peer torn down")
	}
	if m.phase != InitiationSent {
		return errors.Attr(errors.New(errors.KindConflict, "no handshake in flight"),
			"phase", m.phase.String())
	}
	if len(material) != MaterialSize {
		return errors.Errorf(errors.KindMalformed, "handshake material is %d bytes, want %d", len(material), MaterialSize)
	}
	m.respMaterial = append([]byte(nil), material...)

	if err := m.establishLocked(true); err != nil {
		return err
	}
	m.logger.Info("handshake complete", "endpoint", m.peer.Endpoint())
	return nil
}

// Respond handles an incoming handshake initiation carrying the
// initiator's key material. The remote side is restarting its session,
// so fresh responder keys replace whatever phase this machine was in.
// The returned material is this side's contribution; the caller echoes
// it in the response frame.
func (m *Machine) Respond(material []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer.TornDown() {
		return nil, errors.New(errors.KindUnavailable, "peer torn down")
	}
	if len(material) != MaterialSize {
		return nil, errors.Errorf(errors.KindMalformed, "handshake material is %d bytes, want %d", len(material), MaterialSize)
	}
	m.initMaterial = append([]byte(nil), material...)

	resp, err := noise.RandomBytes(MaterialSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to draw handshake material")
	}
	m.respMaterial = resp

	if err := m.establishLocked(false); err != nil {
		return nil, err
	}
	m.logger.Info("handshake accepted", "endpoint", m.peer.Endpoint())
	return resp, nil
}

func (m *Machine) establishLocked(initiator bool) error {
	material := make([]byte, 0, len(m.initMaterial)+len(m.respMaterial))
	material = append(material, m.initMaterial...)
	material = append(material, m.respMaterial...)
	keys, err := noise.DeriveKeys(m.local, m.peer.PublicKey, m.peer.PresharedKey, initiator, material)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "session key derivation failed")
	}

	old := m.session
	now := m.clk.Now()
	m.session = &Session{Keys: keys, established: now}
	m.phase = Established
	m.failures = 0
	m.retryInterval = m.cfg.RetryBase
	m.rekeyAt = now.Add(m.cfg.RekeyAfterTime)
	m.lastSend = now
	m.peer.LastHandshake.Store(now.UnixNano())

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if old != nil {
		old.Terminate()
	}
	m.armKeepaliveLocked()
	return nil
}

func (m *Machine) needsRekeyLocked(s *Session) bool {
	if m.phase != Established {
		return false
	}
	if s.Messages() >= m.cfg.RekeyAfterMessages {
		return true
	}
	return !m.clk.Now().Before(m.rekeyAt)
}

// Invalidate terminates the current session and starts a new handshake.
// Called by the pipeline when the counter ceiling is reached.
func (m *Machine) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer.TornDown() {
		return
	}
	if m.session != nil {
		m.session.Terminate()
		m.session = nil
	}
	if m.phase != InitiationSent {
		m.startHandshakeLocked("session invalidated")
	}
}

// NoteSend records outbound data so the keepalive timer stays quiet
// while traffic is flowing.
func (m *Machine) NoteSend() {
	m.mu.Lock()
	m.lastSend = m.clk.Now()
	m.mu.Unlock()
}

func (m *Machine) armKeepaliveLocked() {
	if m.keepalive != nil {
		m.keepalive.Stop()
	}
	m.keepalive = m.schedule(m.cfg.KeepaliveInterval, m.keepaliveExpired)
}

func (m *Machine) stopKeepaliveLocked() {
	if m.keepalive != nil {
		m.keepalive.Stop()
		m.keepalive = nil
	}
}

// keepaliveExpired sends an empty keepalive if the link has been idle
// for a full interval, then re-arms. Active only while Established.
func (m *Machine) keepaliveExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer.TornDown() || m.phase != Established {
		return
	}

	idle := m.clk.Since(m.lastSend)
	if idle >= m.cfg.KeepaliveInterval {
		ep := m.peer.Endpoint()
		if err := m.transport.SendKeepalive(m.peer, ep); err != nil {
			m.logger.Warn("failed to send keepalive", "endpoint", ep, "error", err)
		}
		m.lastSend = m.clk.Now()
	}
	m.armKeepaliveLocked()
}

// Teardown cancels all timers, zeroes key material, and returns the
// machine to Idle. Safe to call more than once.
func (m *Machine) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopKeepaliveLocked()
	if m.session != nil {
		m.session.Terminate()
		m.session = nil
	}
	m.phase = Idle
	m.failures = 0
}
