// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package gateway

import (
	"context"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/flygate/internal/classifier"
	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/handshake"
	"grimm.is/flygate/internal/pipeline"
)

// Maintenance cadence. Load scores and peer health are cheap and run
// often; idle flow expiry walks the whole table and runs less often.
const (
	sweepInterval  = 10 * time.Second
	expireInterval = time.Minute

	// A peer whose last handshake is older than this is presumed
	// unreachable and its session is torn up for renegotiation.
	handshakeStaleAfter = 3 * time.Minute
)

// Run starts the worker pool and maintenance loop and blocks until the
// context ends or a worker fails.
func (e *Engine) Run(ctx context.Context) error {
	e.started = e.clk.Now()
	e.logger.Info("gateway starting",
		"instance", e.instance,
		"workers", e.workers,
		"sender_id", e.localID,
		"mtu", e.pipe.MTU())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error { return e.egressLoop(ctx, i) })
		g.Go(func() error { return e.ingressLoop(ctx, i) })
	}
	g.Go(func() error { return e.maintenanceLoop(ctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.logger.Info("gateway stopped", "instance", e.instance)
	return nil
}

// Started reports when Run began, for uptime reporting.
func (e *Engine) Started() time.Time { return e.started }

func (e *Engine) egressLoop(ctx context.Context, worker int) error {
	parser := classifier.NewParser()
	for {
		pkt, err := e.io.ReadOutbound(ctx)
		if err != nil {
			return err
		}
		e.handleOutbound(worker, parser, pkt)
	}
}

func (e *Engine) ingressLoop(ctx context.Context, worker int) error {
	parser := classifier.NewParser()
	for {
		buf, from, err := e.io.ReadInbound(ctx)
		if err != nil {
			return err
		}
		e.handleInbound(worker, parser, buf, from)
	}
}

// handleOutbound runs one plaintext packet through admission control,
// routing, encryption, and shaping.
func (e *Engine) handleOutbound(worker int, parser *classifier.Parser, pkt []byte) {
	ctrs := e.sink.Worker(worker)

	var hdr classifier.HeaderView
	if err := parser.Parse(pkt, &hdr); err != nil {
		ctrs.Invalid.Add(1)
		ctrs.Dropped.Add(1)
		return
	}
	if res := e.cls.Classify(worker, &hdr); res.Verdict == classifier.VerdictDrop {
		return
	}

	// Excluded destinations stay on the native route.
	if e.split.Excluded(hdr.DstIP) {
		return
	}

	target := e.reg.RouteFor(hdr.DstIP)
	if target == nil {
		ctrs.Dropped.Add(1)
		return
	}
	defer target.Release()

	m, ok := e.machineFor(target.ID)
	if !ok {
		ctrs.Dropped.Add(1)
		return
	}
	s, err := m.SessionForSend()
	if err != nil {
		// No session yet; the machine has started negotiating and the
		// packet is dropped rather than queued.
		ctrs.Dropped.Add(1)
		return
	}

	frames, err := e.pipe.Encrypt(ctrs, target, s, pkt[hdr.L3Offset:])
	if errors.IsKind(err, errors.KindExhausted) {
		m.Invalidate()
	}
	if len(frames) == 0 {
		return
	}
	m.NoteSend()

	endpoint := target.Endpoint()
	tos := e.marker.TOS(hdr.DstPort)
	for _, f := range frames {
		wire := e.obf.Wrap(f)
		if err := e.io.WriteWire(wire, endpoint, tos, e.pacer.EarliestTransmit(len(wire))); err != nil {
			ctrs.Dropped.Add(1)
			e.logger.Warn("wire transmit failed", "endpoint", endpoint, "error", err)
			return
		}
	}
}

// handleInbound runs one tunnel datagram through rate limiting,
// deobfuscation, the open pipeline, flow accounting, and local delivery.
// Handshake frames divert to the control path.
func (e *Engine) handleInbound(worker int, parser *classifier.Parser, buf []byte, from netip.AddrPort) {
	ctrs := e.sink.Worker(worker)

	if !e.store.ConsumeToken(from.Addr()) {
		ctrs.RateLimited.Add(1)
		ctrs.Dropped.Add(1)
		return
	}

	frame, err := e.obf.Unwrap(buf)
	if err != nil {
		// A wrap straddling a key epoch boundary unwraps with the
		// previous epoch's keystream.
		frame, err = e.obf.UnwrapAt(buf, 1)
		if err != nil {
			ctrs.Invalid.Add(1)
			ctrs.Dropped.Add(1)
			return
		}
	}

	hdr, err := pipeline.ParseFrame(frame)
	if err != nil {
		ctrs.Invalid.Add(1)
		ctrs.Dropped.Add(1)
		return
	}
	if hdr.Type != pipeline.TypeData {
		e.handleControl(worker, hdr, from)
		return
	}

	packet, source, err := e.pipe.Decrypt(ctrs, e, frame)
	if err != nil {
		return
	}
	defer source.Release()

	// Endpoint roaming: the peer proved key possession, so its address
	// change is trusted.
	if from != source.Endpoint() {
		source.SetEndpoint(from)
		e.logger.Info("peer endpoint moved", "peer", source.Name, "endpoint", from)
	}

	// Keepalives carry no payload and stop here.
	if len(packet) == 0 {
		return
	}

	var inner classifier.HeaderView
	if err := parser.ParseIP(packet, &inner); err == nil {
		fs, _ := e.store.GetOrCreateFlow(inner.FlowKey())
		e.store.UpdateFlow(fs, uint64(len(packet)))
	}
	if err := e.io.WriteLocal(packet); err != nil {
		ctrs.Dropped.Add(1)
		e.logger.Warn("local delivery failed", "peer", source.Name, "error", err)
	}
}

// handleControl dispatches handshake frames. The peer is attributed by
// source address since no sender binding exists yet.
func (e *Engine) handleControl(worker int, hdr pipeline.Frame, from netip.AddrPort) {
	ctrs := e.sink.Worker(worker)

	p, ok := e.peerByAddress(from)
	if !ok {
		ctrs.Invalid.Add(1)
		ctrs.Dropped.Add(1)
		return
	}
	m, ok := e.machineFor(p.ID)
	if !ok {
		ctrs.Dropped.Add(1)
		return
	}

	switch hdr.Type {
	case pipeline.TypeHandshakeInitiation:
		resp, err := m.Respond(hdr.Payload)
		if err != nil {
			e.logger.Warn("failed to accept handshake", "peer", p.Name, "error", err)
			ctrs.Dropped.Add(1)
			return
		}
		e.bindSender(hdr.Sender, p.ID)
		if err := e.sendResponse(from, resp); err != nil {
			e.logger.Warn("failed to send handshake response", "peer", p.Name, "error", err)
		}
	case pipeline.TypeHandshakeResponse:
		if err := m.Complete(hdr.Payload); err != nil {
			e.logger.Warn("unexpected handshake response", "peer", p.Name, "error", err)
			ctrs.Dropped.Add(1)
			return
		}
		e.bindSender(hdr.Sender, p.ID)
	default:
		ctrs.Dropped.Add(1)
	}
}

func (e *Engine) maintenanceLoop(ctx context.Context) error {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	expire := time.NewTicker(expireInterval)
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			e.reg.RefreshLoadScores()
			e.sweepPeers()
		case <-expire.C:
			if n := e.store.ExpireIdle(e.idleTimeout); n > 0 {
				e.logger.Debug("expired idle flows", "count", n)
			}
		}
	}
}

// sweepPeers restarts negotiation for peers whose tunnels look dead and
// dials idle peers that have a configured endpoint.
func (e *Engine) sweepPeers() {
	now := e.clk.Now()
	for _, p := range e.reg.Peers() {
		m, ok := e.machineFor(p.ID)
		if !ok || !p.Endpoint().IsValid() {
			continue
		}
		last := p.LastHandshake.Load()
		stale := last != 0 && now.Sub(time.Unix(0, last)) > handshakeStaleAfter

		switch {
		case m.Phase() == handshake.Idle:
			m.Initiate()
		case m.Phase() == handshake.Established && stale:
			e.logger.Warn("peer handshake stale, renegotiating",
				"peer", p.Name, "age", now.Sub(time.Unix(0, last)))
			m.Invalidate()
		}
	}
}
