// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package handshake

import (
	"sync/atomic"
	"time"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/noise"
)

// RejectAfterMessages is the hard message-count ceiling for a single
// session key. Reaching it terminates the session and forces a rekey
// before the replay window can be exhausted.
const RejectAfterMessages = ^uint64(0) - (1 << 13)

// Session is one established key pair plus its counters. The encryption
// pipeline reads it without locks; a new handshake publishes a fresh
// Session rather than mutating this one.
type Session struct {
	Keys   noise.SessionKeys
	Replay noise.ReplayFilter

	sendCounter atomic.Uint64
	established time.Time
	dead        atomic.Bool
}

// NextCounter reserves the next send counter. It fails once the session
// has been terminated or the counter ceiling is reached.
func (s *Session) NextCounter() (uint64, error) {
	if s.dead.Load() {
		return 0, errors.New(errors.KindUnavailable, "session terminated")
	}
	c := s.sendCounter.Add(1) - 1
	if c >= RejectAfterMessages {
		s.dead.Store(true)
		return 0, errors.New(errors.KindExhausted, "session counter ceiling reached")
	}
	return c, nil
}

// Messages returns how many frames have been sealed under this session.
func (s *Session) Messages() uint64 {
	return s.sendCounter.Load()
}

// Established returns when the session keys were derived.
func (s *Session) Established() time.Time {
	return s.established
}

// Alive reports whether the session may still seal frames.
func (s *Session) Alive() bool {
	return !s.dead.Load()
}

// Terminate marks the session unusable and wipes its key material.
func (s *Session) Terminate() {
	s.dead.Store(true)
	s.Keys.Zero()
}
