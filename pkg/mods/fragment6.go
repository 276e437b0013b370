package mods

import (
	"encoding/binary"
	"fmt"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

func init() {
	register(&Kind{
		Name: "fragment6",
		Usage: "fragment6 <size> [atomic]\n" +
			"  Split each IPv6 entry into fragments of at most <size> bytes\n" +
			"  total. The unfragmentable part (base header plus hop-by-hop\n" +
			"  and routing headers) is repeated in every fragment ahead of an\n" +
			"  inserted Fragment extension header; fragmentable chunks are\n" +
			"  multiples of 8 except the last. A payload that already fits\n" +
			"  passes through, or becomes a single atomic fragment when the\n" +
			"  atomic flag is given. Non-IPv6 entries pass through.",
		Params: []Param{
			{Name: "size", Kind: ParamInt},
			{Name: "atomic", Kind: ParamStr, Optional: true},
		},
		Build: func(args []Arg) (Modification, error) {
			size, err := args[0].Int()
			if err != nil {
				return nil, err
			}
			m := &Fragment6{Size: size}
			if !args[1].IsAbsent() {
				flag, err := args[1].Str()
				if err != nil {
					return nil, err
				}
				if flag != "atomic" {
					return nil, atoms.Errorf("fragment6 flag must be atomic, got %q", flag)
				}
				m.Atomic = true
			}
			return m, nil
		},
	})
}

const (
	ipv6HeaderLen   = 40
	ipv6FragHdrLen  = 8
	nhHopByHop      = 0
	nhRouting       = 43
	nhFragment      = 44
	ipv6NextHdrOff  = 6
	ipv6PayloadOff  = 4
)

// Fragment6 splits IPv6 packets through an inserted Fragment extension
// header. Identification is constant across one original's fragments
// and distinct across originals within a run.
type Fragment6 struct {
	Size   int
	Atomic bool
}

func (m *Fragment6) Name() string { return "fragment6" }

func (m *Fragment6) Describe() string {
	if m.Atomic {
		return fmt.Sprintf("fragment6(%d, atomic)", m.Size)
	}
	return fmt.Sprintf("fragment6(%d)", m.Size)
}

func (m *Fragment6) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	out := carrier.New()
	for _, e := range c.Entries() {
		if e.Packet.IPv6() == nil {
			out.Append(e.Packet, e.Delay)
			continue
		}
		frags, err := m.fragment(rc, e.Packet.Bytes())
		if err != nil {
			return nil, err
		}
		if frags == nil {
			out.Append(e.Packet, e.Delay)
			continue
		}
		for i, f := range frags {
			delay := e.Delay
			if i < len(frags)-1 {
				delay = 0
			}
			out.Append(carrier.Parse(f), delay)
		}
	}
	return out, nil
}

// splitChain walks the extension-header chain and returns the length of
// the unfragmentable part and the protocol number of the first
// fragmentable header. Hop-by-hop and routing headers belong to the
// unfragmentable part.
func splitChain(data []byte) (unfragLen int, nextHeader byte, err error) {
	if len(data) < ipv6HeaderLen {
		return 0, 0, fmt.Errorf("ipv6 packet truncated at %d bytes", len(data))
	}
	nh := data[ipv6NextHdrOff]
	off := ipv6HeaderLen
	for nh == nhHopByHop || nh == nhRouting {
		if len(data) < off+2 {
			return 0, 0, fmt.Errorf("extension header truncated at offset %d", off)
		}
		next := data[off]
		hdrLen := (int(data[off+1]) + 1) * 8
		if len(data) < off+hdrLen {
			return 0, 0, fmt.Errorf("extension header overruns packet at offset %d", off)
		}
		nh = next
		off += hdrLen
	}
	return off, nh, nil
}

// fragment returns the fragment packets, or nil when the payload fits
// and the atomic flag is off.
func (m *Fragment6) fragment(rc *RunContext, data []byte) ([][]byte, error) {
	unfragLen, nh, err := splitChain(data)
	if err != nil {
		return nil, err
	}
	fragmentable := data[unfragLen:]

	budget := m.Size - unfragLen - ipv6FragHdrLen
	chunk := budget &^ 7
	if chunk < 8 {
		return nil, fmt.Errorf("fragment6 size %d leaves no room after %d header bytes", m.Size, unfragLen+ipv6FragHdrLen)
	}

	if len(fragmentable) <= chunk && !m.Atomic {
		return nil, nil
	}

	ident := rc.NextID()
	var frags [][]byte
	for off := 0; off == 0 || off < len(fragmentable); off += chunk {
		end := off + chunk
		more := end < len(fragmentable)
		if !more {
			end = len(fragmentable)
		}
		frags = append(frags, buildFragment6(data[:unfragLen], nh, ident, off, more, fragmentable[off:end]))
		if end == len(fragmentable) {
			break
		}
	}
	return frags, nil
}

// buildFragment6 assembles one fragment: the unfragmentable part with
// its last next-header field patched to Fragment, the 8-byte fragment
// header, and the chunk. Fragment offsets are in 8-byte units.
func buildFragment6(unfrag []byte, nh byte, ident uint32, off int, more bool, chunk []byte) []byte {
	buf := make([]byte, len(unfrag)+ipv6FragHdrLen+len(chunk))
	copy(buf, unfrag)

	// Patch the next-header field of the last unfragmentable header.
	if len(unfrag) == ipv6HeaderLen {
		buf[ipv6NextHdrOff] = nhFragment
	} else {
		// Walk again to find the last extension header's first byte.
		pos := ipv6NextHdrOff
		cur := buf[pos]
		walk := ipv6HeaderLen
		for walk < len(unfrag) && (cur == nhHopByHop || cur == nhRouting) {
			pos = walk
			cur = buf[pos]
			walk += (int(buf[pos+1]) + 1) * 8
		}
		buf[pos] = nhFragment
	}

	// Fragment extension header.
	fh := buf[len(unfrag):]
	fh[0] = nh
	fh[1] = 0
	offAndFlags := uint16(off/8) << 3
	if more {
		offAndFlags |= 1
	}
	binary.BigEndian.PutUint16(fh[2:4], offAndFlags)
	binary.BigEndian.PutUint32(fh[4:8], ident)

	copy(buf[len(unfrag)+ipv6FragHdrLen:], chunk)

	// Payload Length covers everything after the base header.
	binary.BigEndian.PutUint16(buf[ipv6PayloadOff:ipv6PayloadOff+2], uint16(len(buf)-ipv6HeaderLen))
	return buf
}
