package mods

import (
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

func init() {
	register(&Kind{
		Name: "segment",
		Usage: "segment <size>\n" +
			"  Split each TCP entry's payload into adjacent segments of at\n" +
			"  most <size> bytes. Sequence numbers advance by the preceding\n" +
			"  payload length; SYN appears only on the first part, FIN only\n" +
			"  on the last; other flags are preserved on every part and\n" +
			"  checksums are recomputed. Entries without TCP payload pass\n" +
			"  through.",
		Params: []Param{{Name: "size", Kind: ParamInt}},
		Build: func(args []Arg) (Modification, error) {
			size, err := args[0].Int()
			if err != nil {
				return nil, err
			}
			if size < 1 {
				return nil, atoms.Errorf("segment size must be positive, got %d", size)
			}
			return &Segment{Size: size}, nil
		},
	})
}

// Segment splits a TCP payload across adjacent segments.
type Segment struct {
	Size int
}

func (m *Segment) Name() string     { return "segment" }
func (m *Segment) Describe() string { return fmt.Sprintf("segment(%d)", m.Size) }

func (m *Segment) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	out := carrier.New()
	for _, e := range c.Entries() {
		tcp := e.Packet.TCP()
		if tcp == nil || len(tcp.Payload) <= m.Size {
			out.Append(e.Packet, e.Delay)
			continue
		}
		segs, err := segmentPacket(rc, e.Packet, tcp, m.Size, nil)
		if err != nil {
			return nil, err
		}
		for i, s := range segs {
			delay := e.Delay
			if i < len(segs)-1 {
				delay = 0
			}
			out.Append(s, delay)
		}
	}
	return out, nil
}

// segmentSpec describes one emitted TCP part: the stream offset its
// sequence number points at and the bytes it carries. Overlap strategies
// feed non-adjacent specs through the same builder.
type segmentSpec struct {
	seqOff  int
	payload []byte
	first   bool
	last    bool
}

// adjacentSpecs cuts payload into back-to-back chunks of at most size.
func adjacentSpecs(payload []byte, size int) []segmentSpec {
	var specs []segmentSpec
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		specs = append(specs, segmentSpec{
			seqOff:  off,
			payload: payload[off:end],
			first:   off == 0,
			last:    end == len(payload),
		})
	}
	return specs
}

// segmentPacket rebuilds one TCP packet per spec, renumbering sequence
// numbers and recomputing checksums. A nil specs argument produces the
// plain adjacent split.
func segmentPacket(rc *RunContext, pkt *carrier.Packet, tcp *layers.TCP, size int, specs []segmentSpec) ([]*carrier.Packet, error) {
	if specs == nil {
		specs = adjacentSpecs(tcp.Payload, size)
	}

	var out []*carrier.Packet
	for _, spec := range specs {
		seg := *tcp
		seg.Seq = tcp.Seq + uint32(spec.seqOff)
		seg.SYN = tcp.SYN && spec.first
		seg.FIN = tcp.FIN && spec.last

		var netLayer gopacket.SerializableLayer
		switch {
		case pkt.IPv4() != nil:
			ip := *pkt.IPv4()
			ip.Id = uint16(rc.NextID())
			if err := seg.SetNetworkLayerForChecksum(&ip); err != nil {
				return nil, fmt.Errorf("segment checksum setup: %w", err)
			}
			netLayer = &ip
		case pkt.IPv6() != nil:
			ip := *pkt.IPv6()
			if err := seg.SetNetworkLayerForChecksum(&ip); err != nil {
				return nil, fmt.Errorf("segment checksum setup: %w", err)
			}
			netLayer = &ip
		default:
			return nil, fmt.Errorf("segment: TCP entry has no IP layer")
		}

		built, err := carrier.Serialize(netLayer, &seg, gopacket.Payload(spec.payload))
		if err != nil {
			return nil, fmt.Errorf("segment at offset %d: %w", spec.seqOff, err)
		}
		out = append(out, built)
	}
	return out, nil
}
