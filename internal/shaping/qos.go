// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shaping computes egress QoS markings, pacing delays, and the
// optional anti-fingerprinting wrap applied to tunnel frames.
package shaping

// IP TOS byte values used for egress marking.
const (
	// TOSExpedited is EF, used for realtime voice.
	TOSExpedited = 0xb8
	// TOSInteractive is AF41, used for latency-sensitive game traffic.
	TOSInteractive = 0x88
	// TOSTunnel is AF31, used for tunnel control traffic.
	TOSTunnel = 0x68
	// TOSBestEffort is the default marking.
	TOSBestEffort = 0x00
)

// Voice and game port assignments for marking.
const (
	sipPort       = 5060
	sipTLSPort    = 5061
	gamePortFirst = 27000
	gamePortLast  = 27100
)

// Marker assigns a TOS byte per destination port.
type Marker struct {
	TunnelPort uint16
}

// TOS returns the marking for a UDP packet to the given destination port.
func (m Marker) TOS(dstPort uint16) uint8 {
	switch {
	case dstPort == sipPort || dstPort == sipTLSPort:
		return TOSExpedited
	case dstPort >= gamePortFirst && dstPort <= gamePortLast:
		return TOSInteractive
	case m.TunnelPort != 0 && dstPort == m.TunnelPort:
		return TOSTunnel
	default:
		return TOSBestEffort
	}
}
