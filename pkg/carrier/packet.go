// Package carrier provides the packet value and the ordered packet list
// that flows through a modification pipeline.
package carrier

import (
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Packet wraps a raw IP packet as delivered by the kernel queue. The
// serialized bytes are authoritative; the decoded layer view is built
// once at construction and rebuilt whenever the bytes change.
type Packet struct {
	data []byte
	pkt  gopacket.Packet
}

// Parse decodes a raw IP packet. The IP version nibble selects the
// first-layer decoder; payloads that do not decode still round-trip
// byte-exactly.
func Parse(data []byte) *Packet {
	buf := make([]byte, len(data))
	copy(buf, data)

	first := layers.LayerTypeIPv4
	if len(buf) > 0 && buf[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}

	return &Packet{
		data: buf,
		pkt:  gopacket.NewPacket(buf, first, gopacket.Default),
	}
}

// Serialize builds a new Packet from the given layers, fixing lengths
// and recomputing checksums. Transport layers must have had their
// network layer attached via SetNetworkLayerForChecksum beforehand.
func Serialize(ls ...gopacket.SerializableLayer) (*Packet, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}
	return Parse(buf.Bytes()), nil
}

// Bytes returns the serialized packet. Callers must not mutate the
// returned slice.
func (p *Packet) Bytes() []byte { return p.data }

// Len returns the serialized length in bytes.
func (p *Packet) Len() int { return len(p.data) }

// Decoded exposes the gopacket view for layer walking.
func (p *Packet) Decoded() gopacket.Packet { return p.pkt }

// IPv4 returns the IPv4 header, or nil when absent.
func (p *Packet) IPv4() *layers.IPv4 {
	if l := p.pkt.Layer(layers.LayerTypeIPv4); l != nil {
		return l.(*layers.IPv4)
	}
	return nil
}

// IPv6 returns the IPv6 fixed header, or nil when absent.
func (p *Packet) IPv6() *layers.IPv6 {
	if l := p.pkt.Layer(layers.LayerTypeIPv6); l != nil {
		return l.(*layers.IPv6)
	}
	return nil
}

// TCP returns the TCP header, or nil when absent.
func (p *Packet) TCP() *layers.TCP {
	if l := p.pkt.Layer(layers.LayerTypeTCP); l != nil {
		return l.(*layers.TCP)
	}
	return nil
}

// UDP returns the UDP header, or nil when absent.
func (p *Packet) UDP() *layers.UDP {
	if l := p.pkt.Layer(layers.LayerTypeUDP); l != nil {
		return l.(*layers.UDP)
	}
	return nil
}

// ICMPv4 returns the ICMPv4 header, or nil when absent.
func (p *Packet) ICMPv4() *layers.ICMPv4 {
	if l := p.pkt.Layer(layers.LayerTypeICMPv4); l != nil {
		return l.(*layers.ICMPv4)
	}
	return nil
}

// ICMPv6 returns the ICMPv6 header, or nil when absent.
func (p *Packet) ICMPv6() *layers.ICMPv6 {
	if l := p.pkt.Layer(layers.LayerTypeICMPv6); l != nil {
		return l.(*layers.ICMPv6)
	}
	return nil
}

// Payload returns the application payload after all decoded headers.
func (p *Packet) Payload() []byte {
	if app := p.pkt.ApplicationLayer(); app != nil {
		return app.Payload()
	}
	return nil
}

// Family reports the IP version (4 or 6), or 0 for undecodable data.
func (p *Packet) Family() int {
	if p.IPv4() != nil {
		return 4
	}
	if p.IPv6() != nil {
		return 6
	}
	return 0
}

// Dump renders a multi-line human-readable decode of the packet.
func (p *Packet) Dump() string { return p.pkt.Dump() }

// String renders gopacket's summary: a header line followed by one line
// per decoded layer.
func (p *Packet) String() string { return p.pkt.String() }
