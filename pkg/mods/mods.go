// Package mods defines the modification contract, the compile-time
// registry of built-in kinds, and the ordered pipeline that applies
// bound modifications to a packet carrier.
package mods

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
	"github.com/jihwankim/packet-mangler/pkg/carrier"
	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

// Modification transforms a carrier. Implementations are side-effect
// free on everything except the carrier and the run context, and are
// deterministic given their constructor arguments and the context RNG.
type Modification interface {
	Name() string
	Describe() string
	Apply(rc *RunContext, c *carrier.Carrier) (*carrier.Carrier, error)
}

// RunContext carries the per-test runtime services a modification may
// use: the seeded RNG, the logger, the trace side channel, and the
// allocator for IP Identification / sequence renumbering.
type RunContext struct {
	Rand *rand.Rand
	Log  *reporting.Logger

	trace []string
	ident uint32
}

// NewRunContext builds a context seeded deterministically. The identifier
// counter starts at a pseudo-random point drawn from the same RNG so
// fragment trains from distinct originals get distinct Identification
// values within a run.
func NewRunContext(seed int64, log *reporting.Logger) *RunContext {
	rng := rand.New(rand.NewSource(seed))
	return &RunContext{
		Rand:  rng,
		Log:   log,
		ident: rng.Uint32(),
	}
}

// NextID returns the next value of the monotonically increasing
// identification counter.
func (rc *RunContext) NextID() uint32 {
	rc.ident++
	return rc.ident
}

// Trace appends a sentinel string to the side-channel log.
func (rc *RunContext) Trace(s string) {
	rc.trace = append(rc.trace, s)
}

// TraceLog returns the accumulated trace entries.
func (rc *RunContext) TraceLog() []string { return rc.trace }

// RuntimeError wraps a failure raised by a modification's Apply.
type RuntimeError struct {
	Mod string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("modification %s: %v", e.Mod, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Arg is one concrete argument bound to a declared parameter: a single
// value for scalar parameters, the whole list for sequence parameters,
// empty for an omitted optional parameter.
type Arg []atoms.Value

// IsAbsent reports whether the argument was omitted or bound to none.
func (a Arg) IsAbsent() bool {
	return len(a) == 0 || (len(a) == 1 && a[0].Kind == atoms.ValueAbsent)
}

// Int returns the argument as a single int.
func (a Arg) Int() (int, error) {
	if len(a) != 1 || a[0].Kind != atoms.ValueInt {
		return 0, atoms.Errorf("expected a single int, got %s", a)
	}
	return a[0].Int, nil
}

// Str returns the argument as a single string.
func (a Arg) Str() (string, error) {
	if len(a) != 1 || a[0].Kind != atoms.ValueStr {
		return "", atoms.Errorf("expected a single string, got %s", a)
	}
	return a[0].Str, nil
}

// Ints returns the argument as an int list.
func (a Arg) Ints() ([]int, error) {
	out := make([]int, len(a))
	for i, v := range a {
		if v.Kind != atoms.ValueInt {
			return nil, atoms.Errorf("expected ints, got %s at position %d", v, i)
		}
		out[i] = v.Int
	}
	return out, nil
}

func (a Arg) String() string {
	if a.IsAbsent() {
		return "none"
	}
	parts := make([]string, len(a))
	for i, v := range a {
		parts[i] = v.String()
	}
	return strings.Join(parts, " ")
}
