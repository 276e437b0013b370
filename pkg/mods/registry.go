package mods

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jihwankim/packet-mangler/pkg/atoms"
)

// ErrUnknown is returned by Lookup for names not in the registry.
var ErrUnknown = errors.New("unknown modification")

// LoadError reports a kind that could not be registered. Other kinds
// stay usable.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load modification %s: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ParamKind declares how one modification parameter consumes atoms.
type ParamKind int

const (
	ParamInt ParamKind = iota
	ParamStr
	ParamNone
	ParamSeqInt
	ParamSeqStr
	ParamRange
)

// sequence parameters bind a whole atom as one value instead of
// enumerating it.
func (k ParamKind) sequence() bool {
	return k == ParamSeqInt || k == ParamSeqStr || k == ParamRange
}

// Param is one declared parameter of a modification kind.
type Param struct {
	Name     string
	Kind     ParamKind
	Optional bool
}

// Kind describes a registered modification: its stable name, parameter
// list, usage string, and the factory producing a concrete instance
// from bound arguments.
type Kind struct {
	Name   string
	Usage  string
	Params []Param
	Build  func(args []Arg) (Modification, error)
}

// Enumerate binds the parsed atoms to this kind's parameters and
// returns one axis of concrete argument choices per parameter. Scalar
// parameters enumerate their atom's values; sequence parameters bind
// the whole atom as a single choice. Omitted trailing parameters must
// be optional and contribute a single absent choice.
func (k *Kind) Enumerate(opts []atoms.Atom) ([][]Arg, error) {
	if len(opts) > len(k.Params) {
		return nil, atoms.Errorf("%s takes at most %d argument(s), got %d", k.Name, len(k.Params), len(opts))
	}
	axes := make([][]Arg, len(k.Params))
	for i, p := range k.Params {
		if i >= len(opts) {
			if !p.Optional {
				return nil, atoms.Errorf("%s is missing required argument %s", k.Name, p.Name)
			}
			axes[i] = []Arg{nil}
			continue
		}
		a := opts[i]
		if _, isNone := a.(atoms.None); isNone {
			if !p.Optional && p.Kind != ParamNone {
				return nil, atoms.Errorf("%s argument %s cannot be none", k.Name, p.Name)
			}
			axes[i] = []Arg{nil}
			continue
		}
		if p.Kind.sequence() {
			axes[i] = []Arg{Arg(a.Values())}
			continue
		}
		vals := a.Values()
		if len(vals) == 0 {
			return nil, atoms.Errorf("%s argument %s enumerates zero values (%s)", k.Name, p.Name, a)
		}
		axis := make([]Arg, len(vals))
		for j, v := range vals {
			axis[j] = Arg{v}
		}
		axes[i] = axis
	}
	return axes, nil
}

var (
	registry   = map[string]*Kind{}
	loadErrors []error
)

// register adds a kind to the registry. Called from init functions of
// the built-in kind files; a conflicting or malformed kind is recorded
// as a LoadError without affecting the rest of the registry.
func register(k *Kind) {
	if k.Name == "" || k.Build == nil {
		loadErrors = append(loadErrors, &LoadError{Name: k.Name, Err: errors.New("incomplete kind descriptor")})
		return
	}
	if _, dup := registry[k.Name]; dup {
		loadErrors = append(loadErrors, &LoadError{Name: k.Name, Err: errors.New("duplicate registration")})
		return
	}
	registry[k.Name] = k
}

// List returns the registered kind names in sorted order.
func List() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a kind by its lower_snake name.
func Lookup(name string) (*Kind, error) {
	k, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return k, nil
}

// Usage returns the usage string of a kind.
func Usage(name string) (string, error) {
	k, err := Lookup(name)
	if err != nil {
		return "", err
	}
	return k.Usage, nil
}

// LoadErrors returns registration failures collected at init time.
func LoadErrors() []error { return loadErrors }
