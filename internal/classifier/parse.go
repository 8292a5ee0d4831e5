// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/flowstate"
)

// IP protocol numbers the classifier cares about.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// HeaderView is a parsed, allocation-free view of a packet's headers.
// It carries exactly the fields admission control needs.
type HeaderView struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	TTL      uint8

	SYN        bool
	ACK        bool
	Fragmented bool

	TotalLen    int // length declared by the IP header
	CapturedLen int // bytes actually captured
	HeaderLen   int // declared IP header length
	L3Offset    int // byte offset of the IP header in the raw buffer

	TunnelMsgType uint8 // first payload byte of tunnel-port UDP, else 0
}

// FlowKey returns the 5-tuple key for this packet.
func (h *HeaderView) FlowKey() flowstate.FlowKey {
	return flowstate.FlowKey{
		SrcIP:    h.SrcIP,
		DstIP:    h.DstIP,
		SrcPort:  h.SrcPort,
		DstPort:  h.DstPort,
		Protocol: h.Protocol,
	}
}

// Parser decodes raw packet buffers into HeaderViews. It reuses decode
// state across calls, so each worker owns its own Parser.
type Parser struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	parser    *gopacket.DecodingLayerParser
	ip4Parser *gopacket.DecodingLayerParser
	ip6Parser *gopacket.DecodingLayerParser
	decoded   []gopacket.LayerType
}

// NewParser creates a parser expecting Ethernet-framed packets.
func NewParser() *Parser {
	p := &Parser{}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.ip4, &p.ip6, &p.tcp, &p.udp, &p.payload)
	p.parser.IgnoreUnsupported = true
	p.ip4Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4,
		&p.ip4, &p.tcp, &p.udp, &p.payload)
	p.ip4Parser.IgnoreUnsupported = true
	p.ip6Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6,
		&p.ip6, &p.tcp, &p.udp, &p.payload)
	p.ip6Parser.IgnoreUnsupported = true
	return p
}

// Parse fills hdr from a raw buffer. Truncated or non-IP packets return an
// error; the caller counts and drops.
func (p *Parser) Parse(data []byte, hdr *HeaderView) error {
	if err := p.parser.DecodeLayers(data, &p.decoded); err != nil {
		return errors.Wrap(err, errors.KindMalformed, "failed to decode packet")
	}
	return p.fill(hdr)
}

// ParseIP fills hdr from a bare IP packet with no link-layer framing,
// the shape decrypted tunnel payloads arrive in.
func (p *Parser) ParseIP(data []byte, hdr *HeaderView) error {
	if len(data) == 0 {
		return errors.New(errors.KindMalformed, "empty packet")
	}
	var dlp *gopacket.DecodingLayerParser
	switch data[0] >> 4 {
	case 4:
		dlp = p.ip4Parser
	case 6:
		dlp = p.ip6Parser
	default:
		return errors.Errorf(errors.KindMalformed, "unknown IP version %d", data[0]>>4)
	}
	if err := dlp.DecodeLayers(data, &p.decoded); err != nil {
		return errors.Wrap(err, errors.KindMalformed, "failed to decode packet")
	}
	return p.fill(hdr)
}

func (p *Parser) fill(hdr *HeaderView) error {
	*hdr = HeaderView{}
	sawIP := false

	for _, layerType := range p.decoded {
		switch layerType {
		case layers.LayerTypeEthernet:
			hdr.L3Offset = len(p.eth.Contents)
		case layers.LayerTypeIPv4:
			sawIP = true
			src, _ := netip.AddrFromSlice(p.ip4.SrcIP)
			dst, _ := netip.AddrFromSlice(p.ip4.DstIP)
			hdr.SrcIP = src.Unmap()
			hdr.DstIP = dst.Unmap()
			hdr.Protocol = uint8(p.ip4.Protocol)
			hdr.TTL = p.ip4.TTL
			hdr.TotalLen = int(p.ip4.Length)
			hdr.HeaderLen = int(p.ip4.IHL) * 4
			hdr.CapturedLen = len(p.ip4.Contents) + len(p.ip4.Payload)
			hdr.Fragmented = p.ip4.Flags&layers.IPv4MoreFragments != 0 || p.ip4.FragOffset != 0
		case layers.LayerTypeIPv6:
			sawIP = true
			src, _ := netip.AddrFromSlice(p.ip6.SrcIP)
			dst, _ := netip.AddrFromSlice(p.ip6.DstIP)
			hdr.SrcIP = src
			hdr.DstIP = dst
			hdr.Protocol = uint8(p.ip6.NextHeader)
			hdr.TTL = p.ip6.HopLimit
			hdr.TotalLen = int(p.ip6.Length) + 40
			hdr.HeaderLen = 40
			hdr.CapturedLen = len(p.ip6.Contents) + len(p.ip6.Payload)
		case layers.LayerTypeTCP:
			hdr.SrcPort = uint16(p.tcp.SrcPort)
			hdr.DstPort = uint16(p.tcp.DstPort)
			hdr.SYN = p.tcp.SYN
			hdr.ACK = p.tcp.ACK
		case layers.LayerTypeUDP:
			hdr.SrcPort = uint16(p.udp.SrcPort)
			hdr.DstPort = uint16(p.udp.DstPort)
			if len(p.udp.Payload) > 0 {
				hdr.TunnelMsgType = p.udp.Payload[0]
			}
		}
	}

	if !sawIP {
		return errors.New(errors.KindMalformed, "no IP layer")
	}
	return nil
}
