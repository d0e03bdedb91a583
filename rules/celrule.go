package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrConditionFailed is the reason reported when an expression rule evaluates to false
var ErrConditionFailed = errors.New("rule condition not met")

// Activation builds the CEL variables for a transition. When next is a
// map its keys are also bound at top level, so schema-declared fields can be
// referenced by name
func Activation(old, next any, args []any) (map[string]any, error) {
	oldVal, err := celValue(old)
	if err != nil {
		return nil, fmt.Errorf("failed to convert state: %w", err)
	}
	nextVal, err := celValue(next)
	if err != nil {
		return nil, fmt.Errorf("failed to convert next state: %w", err)
	}

	argVals := make([]any, len(args))
	for i, a := range args {
		if argVals[i], err = celValue(a); err != nil {
			return nil, fmt.Errorf("failed to convert argument %d: %w", i, err)
		}
	}

	vars := map[string]any{}
	if fields, ok := nextVal.(map[string]any); ok {
		for k, v := range fields {
			vars[k] = v
		}
	}
	vars["state"] = oldVal
	vars["next"] = nextVal
	vars["args"] = argVals
	return vars, nil
}

// celValue passes through values CEL understands natively and turns
// anything else into its JSON shape
func celValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64, float32, float64,
		[]byte, map[string]any, []any:
		return v, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CompiledRule turns a compiled definition into a Rule. The rule passes
// when the expression evaluates to true
func CompiledRule[T any](en *Engine, def *Definition) (*Rule[T], error) {
	prog, ok := en.program(def.ID)
	if !ok {
		return nil, fmt.Errorf("rule %s is not compiled", def.ID)
	}

	return NewRule(def.Name, func(ctx context.Context, owner Owner[T], old, next T, args []any) error {
		vars, err := Activation(old, next, args)
		if err != nil {
			return err
		}
		res := evaluate(ctx, prog, def, vars)
		if res.Error != nil {
			return fmt.Errorf("evaluating %q: %w", def.Expression, res.Error)
		}
		if !res.Passed {
			return fmt.Errorf("%w: %s", ErrConditionFailed, def.Expression)
		}
		return nil
	}), nil
}

// BuildGroup builds the named group from the engine's active definitions.
// When any definition runs in the method phase, the group carries an
// include filter listing every definition with its own phase
func BuildGroup[T any](en *Engine, group string) (GroupDescriptor[T], error) {
	defs, err := en.ActiveDefinitions()
	if err != nil {
		return GroupDescriptor[T]{}, err
	}

	var gd GroupDescriptor[T]
	var includes []Descriptor[T]
	needsFilter := false
	for _, def := range defs {
		if def.Group != group {
			continue
		}
		r, err := CompiledRule[T](en, def)
		if err != nil {
			return GroupDescriptor[T]{}, err
		}
		gd.Group = append(gd.Group, Entry[T]{Name: def.Name, Rule: r})
		includes = append(includes, Descriptor[T]{Rule: r, Phase: phaseOrDefault(def.Phase)})
		if def.Phase == PhaseMethod {
			needsFilter = true
		}
	}

	if needsFilter {
		gd.Filter = &Filter[T]{Includes: includes}
	}
	return gd, nil
}

// BuildGroups builds one descriptor per group of active definitions, in
// group name order
func BuildGroups[T any](en *Engine) ([]GroupDescriptor[T], error) {
	defs, err := en.ActiveDefinitions()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, def := range defs {
		if !slices.Contains(names, def.Group) {
			names = append(names, def.Group)
		}
	}
	slices.Sort(names)

	groups := make([]GroupDescriptor[T], 0, len(names))
	for _, name := range names {
		gd, err := BuildGroup[T](en, name)
		if err != nil {
			return nil, err
		}
		groups = append(groups, gd)
	}
	return groups, nil
}

// Narrow restricts a descriptor by entry name. only lists the rules to keep,
// in that order; skip lists rules to drop and wins over only. Phases already
// assigned by an include filter are kept. Unknown names fail with
// ErrUnknownRule
func Narrow[T any](gd GroupDescriptor[T], only, skip []string) (GroupDescriptor[T], error) {
	if len(only) == 0 && len(skip) == 0 {
		return gd, nil
	}

	phaseOf := func(r *Rule[T]) Phase {
		if gd.Filter != nil {
			if i := indexOf(gd.Filter.Includes, r); i >= 0 {
				return phaseOrDefault(gd.Filter.Includes[i].Phase)
			}
		}
		return PhaseState
	}

	lookup := func(name string) (*Rule[T], error) {
		r := gd.Group.Lookup(name)
		if r == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, name)
		}
		return r, nil
	}

	dropped := make([]*Rule[T], 0, len(skip))
	for _, name := range skip {
		r, err := lookup(name)
		if err != nil {
			return gd, err
		}
		dropped = append(dropped, r)
	}

	if len(only) > 0 {
		includes := make([]Descriptor[T], 0, len(only))
		for _, name := range only {
			r, err := lookup(name)
			if err != nil {
				return gd, err
			}
			if slices.Contains(dropped, r) {
				continue
			}
			includes = append(includes, Descriptor[T]{Rule: r, Phase: phaseOf(r)})
		}
		if len(includes) == 0 {
			return GroupDescriptor[T]{}, nil
		}
		return GroupDescriptor[T]{Group: gd.Group, Filter: &Filter[T]{Includes: includes}}, nil
	}

	if gd.Filter != nil && len(gd.Filter.Includes) > 0 {
		var includes []Descriptor[T]
		for _, d := range gd.Filter.Includes {
			if !slices.Contains(dropped, d.Rule) {
				includes = append(includes, d)
			}
		}
		// an empty include list would select everything again
		if len(includes) == 0 {
			return GroupDescriptor[T]{}, nil
		}
		return GroupDescriptor[T]{Group: gd.Group, Filter: &Filter[T]{Includes: includes}}, nil
	}

	excludes := make([]Descriptor[T], len(dropped))
	for i, r := range dropped {
		excludes[i] = State(r)
	}
	return GroupDescriptor[T]{Group: gd.Group, Filter: &Filter[T]{Excludes: excludes}}, nil
}
