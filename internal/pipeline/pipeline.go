// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline transforms plaintext packets into authenticated wire
// frames and back. Egress segments oversized packets to the tunnel MTU
// and seals each segment under the peer session's next counter; ingress
// resolves the sender, enforces the replay window, and opens the frame.
// A failure on one segment or frame never takes down the batch.
package pipeline

import (
	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/handshake"
	"grimm.is/flygate/internal/logging"
	"grimm.is/flygate/internal/noise"
	"grimm.is/flygate/internal/peer"
	"grimm.is/flygate/internal/stats"
)

// DefaultMTU is the tunnel segment size. 1500 minus IP/UDP overhead and
// the frame header plus AEAD tag.
const DefaultMTU = 1420

// SessionLookup resolves the sender id carried in a received frame to
// its peer and current session.
type SessionLookup interface {
	SessionBySender(id uint32) (*peer.Info, *handshake.Session, bool)
}

// Pipeline is the seal/open engine shared by all workers. It is
// stateless apart from configuration; per-worker statistics come in as
// an explicit accumulator so the hot path never synchronizes.
type Pipeline struct {
	localID uint32
	mtu     int
	logger  *logging.Logger
}

// New creates a pipeline tagging egress frames with the given sender id.
func New(localID uint32, mtu int, logger *logging.Logger) *Pipeline {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if logger == nil {
		logger = logging.WithComponent("pipeline")
	}
	return &Pipeline{localID: localID, mtu: mtu, logger: logger}
}

// MTU returns the egress segment size.
func (p *Pipeline) MTU() int {
	return p.mtu
}

// Encrypt seals one plaintext packet for a peer, segmenting it to the
// MTU first. Each returned buffer is a complete wire frame. A segment
// whose seal fails is dropped and counted; the remaining segments are
// still produced. The session-exhausted error is returned so the caller
// can trigger a rekey.
func (p *Pipeline) Encrypt(ctrs *stats.Counters, target *peer.Info, s *handshake.Session, packet []byte) ([][]byte, error) {
	var frames [][]byte
	var exhausted error

	for off := 0; off < len(packet) || off == 0; off += p.mtu {
		end := off + p.mtu
		if end > len(packet) {
			end = len(packet)
		}
		segment := packet[off:end]

		counter, err := s.NextCounter()
		if err != nil {
			ctrs.SealErrors.Add(1)
			if errors.IsKind(err, errors.KindExhausted) {
				exhausted = err
			}
			continue
		}

		header := AppendHeader(nil, TypeData, p.localID, counter)
		ciphertext, err := noise.Seal(&s.Keys.Send, counter, segment, header)
		if err != nil {
			ctrs.SealErrors.Add(1)
			p.logger.Warn("seal failed, dropping segment", "peer", target.Name, "counter", counter, "error", err)
			continue
		}

		frame := append(header, ciphertext...)
		frames = append(frames, frame)
		ctrs.TxPackets.Add(1)
		ctrs.TxBytes.Add(uint64(len(frame)))
		target.TxPackets.Add(1)
		target.TxBytes.Add(uint64(len(frame)))

		if len(packet) == 0 {
			break
		}
	}
	return frames, exhausted
}

// EncryptBatch seals a batch of packets for one peer, amortizing the
// session lookup. Per-packet failures are isolated exactly as in
// Encrypt.
func (p *Pipeline) EncryptBatch(ctrs *stats.Counters, target *peer.Info, s *handshake.Session, packets [][]byte) ([][]byte, error) {
	var frames [][]byte
	var exhausted error
	for _, pkt := range packets {
		out, err := p.Encrypt(ctrs, target, s, pkt)
		if err != nil {
			exhausted = err
		}
		frames = append(frames, out...)
	}
	return frames, exhausted
}

// Decrypt authenticates and opens one received wire frame. The returned
// peer reference is already acquired; the caller releases it after
// handing the plaintext up. Every failure drops exactly this frame.
func (p *Pipeline) Decrypt(ctrs *stats.Counters, sessions SessionLookup, buf []byte) ([]byte, *peer.Info, error) {
	frame, err := ParseFrame(buf)
	if err != nil {
		ctrs.Invalid.Add(1)
		return nil, nil, err
	}
	if frame.Type != TypeData {
		ctrs.Dropped.Add(1)
		return nil, nil, errors.Errorf(errors.KindMalformed, "unexpected frame type %d on data path", frame.Type)
	}

	source, session, ok := sessions.SessionBySender(frame.Sender)
	if !ok || session == nil {
		ctrs.Dropped.Add(1)
		return nil, nil, errors.Errorf(errors.KindNoRoute, "no established session for sender %d", frame.Sender)
	}
	if !source.Acquire() {
		ctrs.Dropped.Add(1)
		return nil, nil, errors.New(errors.KindUnavailable, "peer torn down")
	}

	if !session.Replay.Check(frame.Counter) {
		source.Release()
		ctrs.Dropped.Add(1)
		return nil, nil, errors.Errorf(errors.KindAuthFailure, "counter %d replayed or too old", frame.Counter)
	}

	plaintext, err := noise.Open(&session.Keys.Receive, frame.Counter, frame.Payload, buf[:HeaderSize])
	if err != nil {
		source.Release()
		ctrs.AuthFailures.Add(1)
		return nil, nil, errors.Wrapf(err, errors.KindAuthFailure, "frame from sender %d failed authentication", frame.Sender)
	}

	// Commit the counter only now that the frame is authentic; a
	// concurrent duplicate loses the race here and is dropped.
	if !session.Replay.ValidateCounter(frame.Counter) {
		source.Release()
		ctrs.Dropped.Add(1)
		return nil, nil, errors.Errorf(errors.KindAuthFailure, "counter %d replayed or too old", frame.Counter)
	}

	ctrs.RxPackets.Add(1)
	ctrs.RxBytes.Add(uint64(len(buf)))
	source.RxPackets.Add(1)
	source.RxBytes.Add(uint64(len(buf)))
	return plaintext, source, nil
}
