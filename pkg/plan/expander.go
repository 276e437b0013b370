// Package plan expands a suite configuration into the deterministic
// enumeration of concrete tests: one per element of the Cartesian
// product of every modification's argument atoms across both pipelines.
package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/config"
	"github.com/jihwankim/packet-mangler/pkg/mods"
)

// maxTests bounds runaway products; a suite larger than this is a
// configuration mistake, not a test plan.
const maxTests = 1 << 20

// Test is one concrete pipeline pair plus its command invocation.
type Test struct {
	Index       int
	Input       *mods.Pipeline
	Output      *mods.Pipeline
	Rules       []config.RuleConfig
	CmdTemplate string
}

// Command substitutes the test index and retry iteration into the
// command template.
func (t *Test) Command(iteration int) string {
	s := strings.ReplaceAll(t.CmdTemplate, "{i}", strconv.Itoa(t.Index))
	return strings.ReplaceAll(s, "{j}", strconv.Itoa(iteration))
}

// ParamTuple renders the concrete argument tuple across both pipelines.
func (t *Test) ParamTuple() []string {
	return append(t.Input.ParamTuple(), t.Output.ParamTuple()...)
}

// boundMod is one configured modification with its atoms bound to the
// kind's parameters.
type boundMod struct {
	cfg  config.ModConfig
	kind *mods.Kind
	// axes holds the concrete argument choices per parameter.
	axes [][]mods.Arg
}

// axisRef addresses one enumeration axis inside the flattened plan.
type axisRef struct {
	pipeline int // 0 = input, 1 = output
	mod      int
	param    int
}

// Expand enumerates every concrete test, indexed from 0. The earliest
// modification's atom is the slowest-changing index, so adjacent tests
// typically differ only in the latest parameter.
func Expand(cfg *config.Config) ([]*Test, error) {
	pipelines := [2][]boundMod{}
	for pi, descs := range [2][]config.ModConfig{cfg.Input, cfg.Output} {
		bound, err := bindPipeline(descs)
		if err != nil {
			return nil, err
		}
		pipelines[pi] = bound
	}

	// Flatten the axes in pipeline order: input first, then output,
	// parameters in declaration order.
	var refs []axisRef
	var axes [][]mods.Arg
	count := 1
	for pi, bms := range pipelines {
		for mi, bm := range bms {
			for qi, axis := range bm.axes {
				refs = append(refs, axisRef{pipeline: pi, mod: mi, param: qi})
				axes = append(axes, axis)
				count *= len(axis)
				if count > maxTests {
					return nil, fmt.Errorf("plan expands to more than %d tests", maxTests)
				}
			}
		}
	}

	tests := make([]*Test, 0, count)
	for idx := 0; idx < count; idx++ {
		// Odometer digits, rightmost axis fastest.
		choice := make([]int, len(axes))
		rem := idx
		for a := len(axes) - 1; a >= 0; a-- {
			choice[a] = rem % len(axes[a])
			rem /= len(axes[a])
		}

		// Gather the chosen argument per (pipeline, mod, param).
		picked := [2][][]mods.Arg{}
		for pi, bms := range pipelines {
			picked[pi] = make([][]mods.Arg, len(bms))
			for mi, bm := range bms {
				picked[pi][mi] = make([]mods.Arg, len(bm.axes))
			}
		}
		for a, ref := range refs {
			picked[ref.pipeline][ref.mod][ref.param] = axes[a][choice[a]]
		}

		in, err := buildPipeline(mods.DirectionInput, pipelines[0], picked[0])
		if err != nil {
			return nil, fmt.Errorf("test %d: %w", idx, err)
		}
		out, err := buildPipeline(mods.DirectionOutput, pipelines[1], picked[1])
		if err != nil {
			return nil, fmt.Errorf("test %d: %w", idx, err)
		}

		tests = append(tests, &Test{
			Index:       idx,
			Input:       in,
			Output:      out,
			Rules:       cfg.NFRules,
			CmdTemplate: cfg.Cmd,
		})
	}
	return tests, nil
}

func bindPipeline(descs []config.ModConfig) ([]boundMod, error) {
	bound := make([]boundMod, 0, len(descs))
	for _, desc := range descs {
		kind, err := mods.Lookup(desc.ModName)
		if err != nil {
			return nil, err
		}
		opts, err := atoms.ParseOpts(desc.ModOpts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", desc.ModName, err)
		}
		axes, err := kind.Enumerate(opts)
		if err != nil {
			return nil, err
		}
		bound = append(bound, boundMod{cfg: desc, kind: kind, axes: axes})
	}
	return bound, nil
}

func buildPipeline(dir mods.Direction, bms []boundMod, picked [][]mods.Arg) (*mods.Pipeline, error) {
	p := &mods.Pipeline{Direction: dir}
	for mi, bm := range bms {
		inst, err := bm.kind.Build(picked[mi])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", bm.kind.Name, err)
		}
		p.Mods = append(p.Mods, mods.BoundMod{
			KindName: bm.kind.Name,
			Args:     picked[mi],
			Optional: bm.cfg.Optional,
			Mod:      inst,
		})
	}
	return p, nil
}

// Cardinality computes the expected test count as the product of the
// configured atoms' cardinalities, independent of Expand's axis walk.
func Cardinality(cfg *config.Config) (int, error) {
	count := 1
	for _, descs := range [][]config.ModConfig{cfg.Input, cfg.Output} {
		for _, desc := range descs {
			kind, err := mods.Lookup(desc.ModName)
			if err != nil {
				return 0, err
			}
			opts, err := atoms.ParseOpts(desc.ModOpts)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", desc.ModName, err)
			}
			axes, err := kind.Enumerate(opts)
			if err != nil {
				return 0, err
			}
			for _, axis := range axes {
				count *= len(axis)
			}
		}
	}
	return count, nil
}

var placeholderRe = regexp.MustCompile(`\{[^{}]*\}`)

// Check validates a configuration without executing it: every
// modification resolves and parses, the expansion count matches the
// cardinality product, queue numbers are unique per direction, and the
// command template substitutes cleanly.
func Check(cfg *config.Config) error {
	tests, err := Expand(cfg)
	if err != nil {
		return err
	}

	want, err := Cardinality(cfg)
	if err != nil {
		return err
	}
	if len(tests) != want {
		return fmt.Errorf("internal: expansion produced %d tests, cardinality product is %d", len(tests), want)
	}

	seen := map[uint16]int{}
	for i, r := range cfg.NFRules {
		if prev, dup := seen[r.QNum]; dup {
			return fmt.Errorf("nfrules[%d]: queue number %d already used by nfrules[%d]", i, r.QNum, prev)
		}
		seen[r.QNum] = i
	}

	sub := strings.ReplaceAll(cfg.Cmd, "{i}", "0")
	sub = strings.ReplaceAll(sub, "{j}", "0")
	if strings.TrimSpace(sub) == "" {
		return fmt.Errorf("cmd template is empty after substitution")
	}
	if left := placeholderRe.FindString(sub); left != "" {
		return fmt.Errorf("cmd template has unknown placeholder %s", left)
	}
	return nil
}
