// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shaping

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2s"

	"grimm.is/flygate/internal/clock"
	"grimm.is/flygate/internal/errors"
)

// Mode selects the obfuscation transform.
type Mode int

const (
	ModeNone Mode = iota
	ModeXOR
	ModeTLS
)

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "none":
		return ModeNone, nil
	case "xor":
		return ModeXOR, nil
	case "tls":
		return ModeTLS, nil
	default:
		return ModeNone, errors.Errorf(errors.KindValidation, "unknown obfuscation mode %q", s)
	}
}

// Fake TLS 1.2 application-data record header prepended in ModeTLS.
const (
	tlsContentTypeAppData = 0x17
	tlsVersionMajor       = 0x03
	tlsVersionMinor       = 0x03
	tlsHeaderSize         = 5
)

// keyEpoch is the granularity of the time-derived keystream. Unwrap
// accepts the previous epoch too, covering frames in flight across a
// boundary.
const keyEpoch = 30 * time.Second

// Obfuscator applies a reversible keyed transform over tunnel frames to
// defeat coarse traffic fingerprinting. It adds no confidentiality; the
// payload is already AEAD ciphertext.
type Obfuscator struct {
	enabled atomic.Bool
	mode    Mode
	key     [blake2s.Size]byte
	clk     clock.Clock
}

// NewObfuscator builds an obfuscator keyed with the given secret.
func NewObfuscator(mode Mode, secret []byte, clk clock.Clock) *Obfuscator {
	if clk == nil {
		clk = clock.System
	}
	o := &Obfuscator{mode: mode, clk: clk}
	o.key = blake2s.Sum256(secret)
	if mode != ModeNone {
		o.enabled.Store(true)
	}
	return o
}

// SetEnabled toggles obfuscation at runtime.
func (o *Obfuscator) SetEnabled(on bool) {
	o.enabled.Store(on && o.mode != ModeNone)
}

// Enabled reports whether frames are currently being wrapped.
func (o *Obfuscator) Enabled() bool {
	return o.enabled.Load()
}

// epochKeystream derives the XOR keystream for one 30-second epoch.
func (o *Obfuscator) epochKeystream(epoch int64) [blake2s.Size]byte {
	var buf [blake2s.Size + 8]byte
	copy(buf[:], o.key[:])
	binary.LittleEndian.PutUint64(buf[blake2s.Size:], uint64(epoch))
	return blake2s.Sum256(buf[:])
}

func xorInPlace(data []byte, stream [blake2s.Size]byte) {
	for i := range data {
		data[i] ^= stream[i%len(stream)]
	}
}

// Wrap obfuscates one outbound frame. ModeXOR applies the time-derived
// keystream; ModeTLS additionally prepends a fake TLS record header so
// the flow resembles ordinary HTTPS.
func (o *Obfuscator) Wrap(frame []byte) []byte {
	if !o.enabled.Load() {
		return frame
	}

	epoch := o.clk.Now().Unix() / int64(keyEpoch/time.Second)
	stream := o.epochKeystream(epoch)

	switch o.mode {
	case ModeXOR:
		out := append([]byte(nil), frame...)
		xorInPlace(out, stream)
		return out
	case ModeTLS:
		out := make([]byte, tlsHeaderSize+len(frame))
		out[0] = tlsContentTypeAppData
		out[1] = tlsVersionMajor
		out[2] = tlsVersionMinor
		out[3] = byte(len(frame) >> 8)
		out[4] = byte(len(frame))
		copy(out[tlsHeaderSize:], frame)
		xorInPlace(out[tlsHeaderSize:], stream)
		return out
	default:
		return frame
	}
}

// Unwrap reverses Wrap using the current epoch's keystream. The ingress
// path retries with UnwrapAt for frames that straddled an epoch boundary.
func (o *Obfuscator) Unwrap(buf []byte) ([]byte, error) {
	return o.UnwrapAt(buf, 0)
}

// UnwrapAt is Unwrap with an explicit epoch offset back in time.
func (o *Obfuscator) UnwrapAt(buf []byte, epochsBack int64) ([]byte, error) {
	if !o.enabled.Load() || o.mode == ModeNone {
		return buf, nil
	}
	epoch := o.clk.Now().Unix()/int64(keyEpoch/time.Second) - epochsBack

	var payload []byte
	if o.mode == ModeTLS {
		out, err := o.stripHeader(buf)
		if err != nil {
			return nil, err
		}
		payload = out
	} else {
		payload = append([]byte(nil), buf...)
	}
	xorInPlace(payload, o.epochKeystream(epoch))
	return payload, nil
}

func (o *Obfuscator) stripHeader(buf []byte) ([]byte, error) {
	if len(buf) < tlsHeaderSize {
		return nil, errors.Errorf(errors.KindMalformed, "obfuscated frame too short: %d bytes", len(buf))
	}
	if buf[0] != tlsContentTypeAppData || buf[1] != tlsVersionMajor || buf[2] != tlsVersionMinor {
		return nil, errors.New(errors.KindMalformed, "missing obfuscation record header")
	}
	declared := int(buf[3])<<8 | int(buf[4])
	if declared != len(buf)-tlsHeaderSize {
		return nil, errors.Errorf(errors.KindMalformed, "obfuscation record length %d does not match %d payload bytes", declared, len(buf)-tlsHeaderSize)
	}
	return append([]byte(nil), buf[tlsHeaderSize:]...), nil
}
