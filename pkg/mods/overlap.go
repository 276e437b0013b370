package mods

import (
	"fmt"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

func init() {
	register(&Kind{
		Name: "overlap",
		Usage: "overlap favor_first|favor_last|zero_length <size>\n" +
			"  Split each TCP entry's payload into <size>-byte segments with\n" +
			"  deliberately overlapping coverage:\n" +
			"    favor_first  every later segment starts early, re-covering\n" +
			"                 the previous segment's tail with garbage; a\n" +
			"                 first-copy-wins reassembler sees the true bytes\n" +
			"    favor_last   every earlier segment runs long, trailing\n" +
			"                 garbage that the next segment re-covers with\n" +
			"                 the true bytes; last-copy-wins reassemblers see\n" +
			"                 the true stream\n" +
			"    zero_length  a zero-payload segment is inserted at every\n" +
			"                 split boundary\n" +
			"  Entries without TCP payload pass through.",
		Params: []Param{
			{Name: "strategy", Kind: ParamStr},
			{Name: "size", Kind: ParamInt},
		},
		Build: func(args []Arg) (Modification, error) {
			strat, err := args[0].Str()
			if err != nil {
				return nil, err
			}
			switch strat {
			case "favor_first", "favor_last", "zero_length":
			default:
				return nil, atoms.Errorf("overlap strategy must be favor_first, favor_last or zero_length, got %q", strat)
			}
			size, err := args[1].Int()
			if err != nil {
				return nil, err
			}
			if size < 2 {
				return nil, atoms.Errorf("overlap size must be at least 2, got %d", size)
			}
			return &Overlap{Strategy: strat, Size: size}, nil
		},
	})
}

// Overlap emits TCP segments whose byte ranges overlap according to a
// named strategy. The reassembled stream depends on which copy of the
// overlapped region a receiver keeps, which is what the test probes.
type Overlap struct {
	Strategy string
	Size     int
}

func (m *Overlap) Name() string { return "overlap" }

func (m *Overlap) Describe() string {
	return fmt.Sprintf("overlap(%s, %d)", m.Strategy, m.Size)
}

func (m *Overlap) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	out := carrier.New()
	for _, e := range c.Entries() {
		tcp := e.Packet.TCP()
		if tcp == nil || len(tcp.Payload) <= m.Size {
			out.Append(e.Packet, e.Delay)
			continue
		}
		specs := m.specs(rc, tcp.Payload)
		segs, err := segmentPacket(rc, e.Packet, tcp, m.Size, specs)
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

// garbage returns n deterministic filler bytes from the run RNG.
func garbage(rc *RunContext, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(rc.Rand.Intn(256))
	}
	return buf
}

func (m *Overlap) specs(rc *RunContext, payload []byte) []segmentSpec {
	base := adjacentSpecs(payload, m.Size)
	overlap := m.Size / 2
	if overlap < 1 {
		overlap = 1
	}

	var specs []segmentSpec
	switch m.Strategy {
	case "favor_first":
		for i, s := range base {
			if i == 0 {
				specs = append(specs, s)
				continue
			}
			// Start early: garbage re-covers the previous tail.
			pre := overlap
			if pre > s.seqOff {
				pre = s.seqOff
			}
			body := append(garbage(rc, pre), s.payload...)
			specs = append(specs, segmentSpec{
				seqOff:  s.seqOff - pre,
				payload: body,
				first:   false,
				last:    s.last,
			})
		}

	case "favor_last":
		for i, s := range base {
			if s.last {
				specs = append(specs, s)
				continue
			}
			// Run long: trailing garbage the next segment re-covers.
			ext := overlap
			if s.seqOff+len(s.payload)+ext > len(payload) {
				ext = len(payload) - s.seqOff - len(s.payload)
			}
			body := append(append([]byte{}, s.payload...), garbage(rc, ext)...)
			specs = append(specs, segmentSpec{
				seqOff:  s.seqOff,
				payload: body,
				first:   i == 0,
				last:    false,
			})
		}

	case "zero_length":
		for i, s := range base {
			if i > 0 {
				specs = append(specs, segmentSpec{seqOff: s.seqOff, payload: nil})
			}
			specs = append(specs, s)
		}
	}
	return specs
}
