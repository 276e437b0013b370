package mods

import (
	"fmt"
	"strings"

	"github.com/jihwankim/packet-mangler/pkg/carrier"
)

// Direction tags a pipeline with the traffic orientation it mangles.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionInput {
		return "input"
	}
	return "output"
}

// BoundMod is one modification bound to concrete arguments inside a
// pipeline. Args are kept for reporting the parameter tuple of a test.
type BoundMod struct {
	KindName string
	Args     []Arg
	Optional bool
	Mod      Modification
}

// Pipeline is an ordered modification chain with one orientation.
// Modifications apply in declared order; the fold never early-exits on
// an empty carrier because some modifications observe zero-length input.
type Pipeline struct {
	Direction Direction
	Mods      []BoundMod
}

// Apply folds the carrier through every modification. A failure on a
// non-optional modification aborts with a RuntimeError; optional
// modifications log the failure and pass the carrier through unchanged.
func (p *Pipeline) Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error) {
	cur := c
	for _, bm := range p.Mods {
		next, err := bm.Mod.Apply(rc, cur)
		if err != nil {
			if bm.Optional {
				rc.Log.Warn("optional modification failed, passing carrier through",
					"mod", bm.KindName, "direction", p.Direction.String(), "error", err)
				continue
			}
			return nil, &RuntimeError{Mod: bm.KindName, Err: err}
		}
		cur = next
	}
	return cur, nil
}

// ParamTuple renders the concrete argument tuple, one element per
// modification, for failure reports.
func (p *Pipeline) ParamTuple() []string {
	out := make([]string, len(p.Mods))
	for i, bm := range p.Mods {
		args := make([]string, len(bm.Args))
		for j, a := range bm.Args {
			args[j] = a.String()
		}
		out[i] = fmt.Sprintf("%s(%s)", bm.KindName, strings.Join(args, ", "))
	}
	return out
}

// Describe renders the pipeline for logs.
func (p *Pipeline) Describe() string {
	if len(p.Mods) == 0 {
		return p.Direction.String() + ": (empty)"
	}
	return p.Direction.String() + ": " + strings.Join(p.ParamTuple(), " | ")
}
