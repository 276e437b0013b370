package mods

import (
	"fmt"
	"strconv"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

func init() {
	register(&Kind{
		Name: "drop_one",
		Usage: "drop_one <index>\n" +
			"  Remove the entry at <index> modulo the carrier length.\n" +
			"  No-op on an empty carrier.",
		Params: []Param{{Name: "index", Kind: ParamInt}},
		Build: func(args []Arg) (Modification, error) {
			i, err := args[0].Int()
			if err != nil {
				return nil, err
			}
			return &DropOne{Index: i}, nil
		},
	})

	register(&Kind{
		Name: "drop_proba",
		Usage: "drop_proba <p>\n" +
			"  Remove each entry independently with probability p in [0,1].\n" +
			"  Survivors keep their relative order.",
		Params: []Param{{Name: "probability", Kind: ParamStr}},
		Build: func(args []Arg) (Modification, error) {
			p, err := probability(args[0])
			if err != nil {
				return nil, err
			}
			return &DropProba{P: p}, nil
		},
	})
}

// probability reads an int or string argument as a float in [0,1].
func probability(a Arg) (float64, error) {
	if len(a) != 1 {
		return 0, atoms.Errorf("expected a single probability, got %s", a)
	}
	var p float64
	switch a[0].Kind {
	case atoms.ValueInt:
		p = float64(a[0].Int)
	case atoms.ValueStr:
		var err error
		p, err = strconv.ParseFloat(a[0].Str, 64)
		if err != nil {
			return 0, atoms.Errorf("probability %q is not a number", a[0].Str)
		}
	default:
		return 0, atoms.Errorf("probability cannot be none")
	}
	if p < 0 || p > 1 {
		return 0, atoms.Errorf("probability %v outside [0,1]", p)
	}
	return p, nil
}

// DropOne removes a single entry addressed modulo the carrier length.
type DropOne struct {
	Index int
}

func (m *DropOne) Name() string     { return "drop_one" }
func (m *DropOne) Describe() string { return fmt.Sprintf("drop_one(%d)", m.Index) }

func (m *DropOne) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	n := c.Len()
	if n == 0 {
		return c, nil
	}
	out := c.Copy()
	idx := ((m.Index % n) + n) % n
	if err := out.Remove(idx); err != nil {
		return nil, err
	}
	return out, nil
}

// DropProba removes each entry independently with fixed probability,
// drawing from the run-scoped RNG so suites replay deterministically.
type DropProba struct {
	P float64
}

func (m *DropProba) Name() string     { return "drop_proba" }
func (m *DropProba) Describe() string { return fmt.Sprintf("drop_proba(%v)", m.P) }

func (m *DropProba) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	out := carrier.New()
	for _, e := range c.Entries() {
		if rc.Rand.Float64() < m.P {
			continue
		}
		out.Append(e.Packet, e.Delay)
	}
	return out, nil
}
