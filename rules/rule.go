package rules

import (
	"context"
	"fmt"
	"slices"
)

// Phase is the point in a guarded call at which a rule runs
type Phase string

const (
	// PhaseMethod rules run before the method body. A rejection stops the
	// call before the body has any effect
	PhaseMethod Phase = "METHOD"

	// PhaseState rules run after the method body asks to commit a new state
	// and before that state is published. A rejection rolls the commit back
	PhaseState Phase = "STATE"
)

// ParsePhase converts a phase name to a Phase. The empty string is PhaseState
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseMethod:
		return PhaseMethod, nil
	case PhaseState, "":
		return PhaseState, nil
	default:
		return "", fmt.Errorf("unknown rule phase %q (use %s or %s)", s, PhaseMethod, PhaseState)
	}
}

// Owner is the read-only view of the guarded object handed to every rule
type Owner[T any] interface {
	State() T
}

// RuleFunc checks a transition from old to next. args are the arguments of
// the guarded call. A nil return lets the transition through; an error
// rejects it and becomes the reason reported to the caller.
//
// A RuleFunc may block (remote checks etc.); ctx is cancelled when the
// caller gives up or the pipeline's rule timeout expires
type RuleFunc[T any] func(ctx context.Context, owner Owner[T], old, next T, args []any) error

// Rule is a named rule function. Rules are compared by pointer: filters and
// groups refer to the same *Rule to mean the same rule
type Rule[T any] struct {
	Name string
	Fn   RuleFunc[T]
}

// NewRule creates a rule
func NewRule[T any](name string, fn RuleFunc[T]) *Rule[T] {
	return &Rule[T]{Name: name, Fn: fn}
}

// Descriptor tags a rule with the phase it runs in
type Descriptor[T any] struct {
	Rule  *Rule[T]
	Phase Phase
}

// Method describes r as a method phase rule
func Method[T any](r *Rule[T]) Descriptor[T] {
	return Descriptor[T]{Rule: r, Phase: PhaseMethod}
}

// State describes r as a state phase rule
func State[T any](r *Rule[T]) Descriptor[T] {
	return Descriptor[T]{Rule: r, Phase: PhaseState}
}

// Entry is one named member of a Group
type Entry[T any] struct {
	Name string
	Rule *Rule[T]
}

// Group is an ordered bag of named rules. The same rule may be listed under
// several names; each entry is matched on its own
type Group[T any] []Entry[T]

// GroupOf builds a Group listing each rule under its own name
func GroupOf[T any](rules ...*Rule[T]) Group[T] {
	g := make(Group[T], 0, len(rules))
	for _, r := range rules {
		g = append(g, Entry[T]{Name: r.Name, Rule: r})
	}
	return g
}

// Lookup returns the rule listed under name, or nil
func (g Group[T]) Lookup(name string) *Rule[T] {
	for _, e := range g {
		if e.Name == name {
			return e.Rule
		}
	}
	return nil
}

// Filter narrows a group. A non-empty Includes wins over Excludes
type Filter[T any] struct {
	// Includes lists the only rules to run, in this order, each in its own phase
	Includes []Descriptor[T]

	// Excludes lists rules to skip; everything else runs in PhaseState
	Excludes []Descriptor[T]
}

// GroupDescriptor pairs a group with an optional filter
type GroupDescriptor[T any] struct {
	Group  Group[T]
	Filter *Filter[T]
}

// Resolved is one rule selected for execution
type Resolved[T any] struct {
	Phase Phase
	Name  string
	Rule  *Rule[T]
}

// Resolve lists the rules of the group that run for a call, in execution
// order and tagged with their phase. It is recomputed on every call
func (gd GroupDescriptor[T]) Resolve() []Resolved[T] {
	f := gd.Filter

	if f != nil && len(f.Includes) > 0 {
		type ranked struct {
			index int
			res   Resolved[T]
		}
		var selected []ranked
		for _, e := range gd.Group {
			i := indexOf(f.Includes, e.Rule)
			if i < 0 {
				continue
			}
			selected = append(selected, ranked{
				index: i,
				res:   Resolved[T]{Phase: phaseOrDefault(f.Includes[i].Phase), Name: e.Name, Rule: e.Rule},
			})
		}
		slices.SortStableFunc(selected, func(a, b ranked) int {
			return a.index - b.index
		})

		out := make([]Resolved[T], len(selected))
		for i, s := range selected {
			out[i] = s.res
		}
		return out
	}

	out := make([]Resolved[T], 0, len(gd.Group))
	for _, e := range gd.Group {
		if f != nil && indexOf(f.Excludes, e.Rule) >= 0 {
			continue
		}
		out = append(out, Resolved[T]{Phase: PhaseState, Name: e.Name, Rule: e.Rule})
	}
	return out
}

// Validate reports filter entries naming rules the group does not contain
func (gd GroupDescriptor[T]) Validate() error {
	if gd.Filter == nil {
		return nil
	}
	for _, list := range [][]Descriptor[T]{gd.Filter.Includes, gd.Filter.Excludes} {
		for _, d := range list {
			if d.Rule == nil {
				return fmt.Errorf("%w: nil rule in filter", ErrUnknownRule)
			}
			if !gd.Group.contains(d.Rule) {
				return fmt.Errorf("%w: %q", ErrUnknownRule, d.Rule.Name)
			}
			if _, err := ParsePhase(string(d.Phase)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g Group[T]) contains(r *Rule[T]) bool {
	for _, e := range g {
		if e.Rule == r {
			return true
		}
	}
	return false
}

func indexOf[T any](list []Descriptor[T], r *Rule[T]) int {
	for i, d := range list {
		if d.Rule == r {
			return i
		}
	}
	return -1
}

func phaseOrDefault(p Phase) Phase {
	if p == "" {
		return PhaseState
	}
	return p
}
