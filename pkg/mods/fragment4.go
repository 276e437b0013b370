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
		Name: "fragment4",
		Usage: "fragment4 <size>\n" +
			"  Split each IPv4 entry into fragments carrying at most <size>\n" +
			"  bytes of IP payload, rounded down to a multiple of 8. DF is\n" +
			"  cleared and MF set on all but the last fragment. Entries whose\n" +
			"  payload already fits, and non-IPv4 entries, pass through.",
		Params: []Param{{Name: "size", Kind: ParamInt}},
		Build: func(args []Arg) (Modification, error) {
			size, err := args[0].Int()
			if err != nil {
				return nil, err
			}
			if size < 8 {
				return nil, atoms.Errorf("fragment4 size must be at least 8, got %d", size)
			}
			return &Fragment4{Size: size}, nil
		},
	})
}

// Fragment4 splits IPv4 packets into fragments with offsets in 8-byte
// units. Identification is taken from the original header, or allocated
// from the run counter when the original carries zero.
type Fragment4 struct {
	Size int
}

func (m *Fragment4) Name() string     { return "fragment4" }
func (m *Fragment4) Describe() string { return fmt.Sprintf("fragment4(%d)", m.Size) }

func (m *Fragment4) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	chunk := m.Size &^ 7
	out := carrier.New()
	for _, e := range c.Entries() {
		ip := e.Packet.IPv4()
		if ip == nil || len(ip.Payload) <= chunk {
			out.Append(e.Packet, e.Delay)
			continue
		}
		frags, err := m.fragment(rc, ip)
		if err != nil {
			return nil, err
		}
		for i, f := range frags {
			delay := e.Delay
			if i < len(frags)-1 {
				delay = 0
			}
			out.Append(f, delay)
		}
	}
	return out, nil
}

func (m *Fragment4) fragment(rc *RunContext, ip *layers.IPv4) ([]*carrier.Packet, error) {
	chunk := m.Size &^ 7
	payload := ip.Payload
	ident := ip.Id
	if ident == 0 {
		ident = uint16(rc.NextID())
	}

	var frags []*carrier.Packet
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		last := end >= len(payload)
		if last {
			end = len(payload)
		}

		hdr := *ip
		hdr.Id = ident
		hdr.Flags &^= layers.IPv4DontFragment | layers.IPv4MoreFragments
		if !last {
			hdr.Flags |= layers.IPv4MoreFragments
		}
		hdr.FragOffset = ip.FragOffset + uint16(off/8)

		pkt, err := carrier.Serialize(&hdr, gopacket.Payload(payload[off:end]))
		if err != nil {
			return nil, fmt.Errorf("fragment4 at offset %d: %w", off, err)
		}
		frags = append(frags, pkt)
	}
	return frags, nil
}
