// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pipeline

import (
	"encoding/binary"

	"grimm.is/flygate/internal/errors"
)

// Wire header layout, little-endian:
//
//	offset 0  type     uint8
//	offset 1  reserved [3]byte
//	offset 4  sender   uint32
//	offset 8  counter  uint64
//
// The header is authenticated as AEAD additional data, so a forged sender
// id or counter fails authentication rather than being trusted.
const HeaderSize = 16

// Message types carried in the frame header.
const (
	TypeHandshakeInitiation = 1
	TypeHandshakeResponse   = 2
	TypeCookieReply         = 3
	TypeData                = 4
)

// Frame is one parsed wire frame. Payload aliases the input buffer.
type Frame struct {
	Type    uint8
	Sender  uint32
	Counter uint64
	Payload []byte
}

// AppendHeader appends the 16-byte wire header to dst.
func AppendHeader(dst []byte, msgType uint8, sender uint32, counter uint64) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = msgType
	binary.LittleEndian.PutUint32(hdr[4:], sender)
	binary.LittleEndian.PutUint64(hdr[8:], counter)
	return append(dst, hdr[:]...)
}

// ParseFrame splits a received buffer into header fields and payload.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, errors.Errorf(errors.KindMalformed, "frame too short: %d bytes", len(b))
	}
	if b[1] != 0 || b[2] != 0 || b[3] != 0 {
		return Frame{}, errors.New(errors.KindMalformed, "nonzero reserved bytes in frame header")
	}
	return Frame{
		Type:    b[0],
		Sender:  binary.LittleEndian.Uint32(b[4:]),
		Counter: binary.LittleEndian.Uint64(b[8:]),
		Payload: b[HeaderSize:],
	}, nil
}
