package mods

import (
	"fmt"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

func init() {
	register(&Kind{
		Name: "duplicate",
		Usage: "duplicate <index>|random|all\n" +
			"  Insert a copy of the chosen entry (or every entry) directly\n" +
			"  after the original. Integer indices wrap modulo the length.",
		Params: []Param{{Name: "spec", Kind: ParamStr}},
		Build: func(args []Arg) (Modification, error) {
			return buildDuplicate(args[0])
		},
	})

	register(&Kind{
		Name: "reorder",
		Usage: "reorder random|<permutation of 0..n-1>\n" +
			"  random applies a uniform random permutation; an explicit index\n" +
			"  list must be a permutation of the carrier's indices.",
		Params: []Param{{Name: "order", Kind: ParamSeqInt}},
		Build: func(args []Arg) (Modification, error) {
			return buildReorder(args[0])
		},
	})

	register(&Kind{
		Name: "select",
		Usage: "select <indices>\n" +
			"  Keep only the entries at the given indices, in the order\n" +
			"  listed. Filters and reorders in one step.",
		Params: []Param{{Name: "indices", Kind: ParamSeqInt}},
		Build: func(args []Arg) (Modification, error) {
			idx, err := args[0].Ints()
			if err != nil {
				return nil, err
			}
			return &Select{Indices: idx}, nil
		},
	})
}

func buildDuplicate(a Arg) (Modification, error) {
	if len(a) != 1 {
		return nil, atoms.Errorf("duplicate takes one spec, got %s", a)
	}
	switch a[0].Kind {
	case atoms.ValueInt:
		return &Duplicate{Index: a[0].Int}, nil
	case atoms.ValueStr:
		switch a[0].Str {
		case "random":
			return &Duplicate{Random: true}, nil
		case "all":
			return &Duplicate{All: true}, nil
		}
		return nil, atoms.Errorf("duplicate spec must be an index, random or all, got %q", a[0].Str)
	default:
		return nil, atoms.Errorf("duplicate spec cannot be none")
	}
}

func buildReorder(a Arg) (Modification, error) {
	if len(a) == 1 && a[0].Kind == atoms.ValueStr && a[0].Str == "random" {
		return &Reorder{Random: true}, nil
	}
	perm, err := a.Ints()
	if err != nil {
		return nil, atoms.Errorf("reorder takes random or an index list: %v", err)
	}
	return &Reorder{Perm: perm}, nil
}

// Duplicate inserts a copy of one entry (or every entry) directly after
// the original.
type Duplicate struct {
	Index  int
	Random bool
	All    bool
}

func (m *Duplicate) Name() string { return "duplicate" }

func (m *Duplicate) Describe() string {
	switch {
	case m.All:
		return "duplicate(all)"
	case m.Random:
		return "duplicate(random)"
	default:
		return fmt.Sprintf("duplicate(%d)", m.Index)
	}
}

func (m *Duplicate) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	n := c.Len()
	if n == 0 {
		return c, nil
	}
	if m.All {
		out := carrier.New()
		for _, e := range c.Entries() {
			out.Append(e.Packet, e.Delay)
			out.Append(e.Packet, e.Delay)
		}
		return out, nil
	}
	idx := m.Index
	if m.Random {
		idx = rc.Rand.Intn(n)
	}
	idx = ((idx % n) + n) % n
	out := c.Copy()
	e, err := out.At(idx)
	if err != nil {
		return nil, err
	}
	if err := out.Insert(idx+1, e.Packet, e.Delay); err != nil {
		return nil, err
	}
	return out, nil
}

// Reorder permutes the carrier, either uniformly at random or by an
// explicit permutation of [0..n).
type Reorder struct {
	Random bool
	Perm   []int
}

func (m *Reorder) Name() string { return "reorder" }

func (m *Reorder) Describe() string {
	if m.Random {
		return "reorder(random)"
	}
	return fmt.Sprintf("reorder(%v)", m.Perm)
}

func (m *Reorder) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	n := c.Len()
	perm := m.Perm
	if m.Random {
		perm = rc.Rand.Perm(n)
	}
	if len(perm) != n {
		return nil, fmt.Errorf("reorder permutation has %d indices, carrier has %d entries", len(perm), n)
	}
	seen := make([]bool, n)
	out := carrier.New()
	for _, idx := range perm {
		if idx < 0 || idx >= n || seen[idx] {
			return nil, fmt.Errorf("reorder %v is not a permutation of [0,%d)", perm, n)
		}
		seen[idx] = true
		e, _ := c.At(idx)
		out.Append(e.Packet, e.Delay)
	}
	return out, nil
}

// Select keeps only the entries at the given indices, in the order
// listed.
type Select struct {
	Indices []int
}

func (m *Select) Name() string     { return "select" }
func (m *Select) Describe() string { return fmt.Sprintf("select(%v)", m.Indices) }

func (m *Select) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	out := carrier.New()
	for _, idx := range m.Indices {
		e, err := c.At(idx)
		if err != nil {
			return nil, err
		}
		out.Append(e.Packet, e.Delay)
	}
	return out, nil
}
