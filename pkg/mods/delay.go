package mods

import (
	"fmt"
	"time"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

func init() {
	register(&Kind{
		Name: "delay",
		Usage: "delay <ms> [index]\n" +
			"  Set the post-delay of every entry to <ms> milliseconds, or of\n" +
			"  the single entry at [index] (modulo the length) when given.",
		Params: []Param{
			{Name: "ms", Kind: ParamInt},
			{Name: "index", Kind: ParamInt, Optional: true},
		},
		Build: func(args []Arg) (Modification, error) {
			ms, err := args[0].Int()
			if err != nil {
				return nil, err
			}
			if ms < 0 {
				return nil, atoms.Errorf("delay must be non-negative, got %d", ms)
			}
			m := &Delay{Ms: ms, Index: -1}
			if !args[1].IsAbsent() {
				idx, err := args[1].Int()
				if err != nil {
					return nil, err
				}
				m.Index = idx
			}
			return m, nil
		},
	})
}

// Delay sets the post-delay of selected entries. Index -1 selects every
// entry.
type Delay struct {
	Ms    int
	Index int
}

func (m *Delay) Name() string { return "delay" }

func (m *Delay) Describe() string {
	if m.Index < 0 {
		return fmt.Sprintf("delay(%dms)", m.Ms)
	}
	return fmt.Sprintf("delay(%dms, %d)", m.Ms, m.Index)
}

func (m *Delay) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	d := time.Duration(m.Ms) * time.Millisecond
	out := c.Copy()
	n := out.Len()
	if n == 0 {
		return out, nil
	}
	if m.Index < 0 {
		for i := 0; i < n; i++ {
			if err := out.SetDelay(i, d); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	if err := out.SetDelay(((m.Index%n)+n)%n, d); err != nil {
		return nil, err
	}
	return out, nil
}
