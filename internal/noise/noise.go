// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package noise is the narrow crypto capability the data plane depends on:
// AEAD seal/open keyed per session, session key derivation from handshake
// material, and random bytes. The primitives themselves come from
// x/crypto and are treated as opaque.
package noise

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/errors"
)

// KeySize is the session key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Overhead is the ciphertext expansion per sealed message.
const Overhead = chacha20poly1305.Overhead

// Key is one directional session key.
type Key [KeySize]byte

// SessionKeys is a derived send/receive key pair.
type SessionKeys struct {
	Send    Key
	Receive Key
}

// Zero wipes the key material.
func (s *SessionKeys) Zero() {
	for i := range s.Send {
		s.Send[i] = 0
	}
	for i := range s.Receive {
		s.Receive[i] = 0
	}
}

// nonce builds the 12-byte AEAD nonce from a message counter: four zero
// bytes then the counter little-endian, so a (key, counter) pair is never
// reused across the session.
func nonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// Seal encrypts and authenticates plaintext under the session key and
// message counter. The additional data is authenticated but not encrypted.
func Seal(key *Key, counter uint64, plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to construct AEAD")
	}
	n := nonce(counter)
	return aead.Seal(nil, n[:], plaintext, additional), nil
}

// Open authenticates and decrypts a sealed message. Authentication failure
// returns a KindAuthFailure error and no plaintext.
func Open(key *Key, counter uint64, ciphertext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to construct AEAD")
	}
	n := nonce(counter)
	plaintext, err := aead.Open(nil, n[:], ciphertext, additional)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindAuthFailure, "frame failed authentication")
	}
	return plaintext, nil
}

// kdf labels for directional key separation.
var (
	labelInitiatorToResponder = []byte("flygate i2r")
	labelResponderToInitiator = []byte("flygate r2i")
)

func deriveDirectional(secret []byte, psk wgtypes.Key, material, label []byte) Key {
	h, _ := blake2s.New256(nil)
	h.Write(secret)
	h.Write(psk[:])
	h.Write(material)
	h.Write(label)
	var out Key
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveKeys computes directional session keys from the local private key,
// the remote public key, an optional preshared key, and the handshake
// material exchanged for this session. The material makes each handshake
// yield fresh keys, so counters restarting at zero after a rekey never
// reuse a (key, nonce) pair. Both sides derive the same pair; the
// initiator flag selects which direction is "send".
func DeriveKeys(private, remotePublic, preshared wgtypes.Key, initiator bool, material []byte) (SessionKeys, error) {
	secret, err := curve25519.X25519(private[:], remotePublic[:])
	if err != nil {
		return SessionKeys{}, errors.Wrap(err, errors.KindInternal, "key agreement failed")
	}

	i2r := deriveDirectional(secret, preshared, material, labelInitiatorToResponder)
	r2i := deriveDirectional(secret, preshared, material, labelResponderToInitiator)

	if initiator {
		return SessionKeys{Send: i2r, Receive: r2i}, nil
	}
	return SessionKeys{Send: r2i, Receive: i2r}, nil
}

// RandomBytes fills and returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "entropy source failed")
	}
	return b, nil
}
