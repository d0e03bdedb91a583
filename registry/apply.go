package registry

import (
	"context"
	"fmt"

	"github.com/liamcoop/simplestore/rules"
)

// SchemaRuleName names the built-in method rule that checks a patch
// against the namespace schema before any other rule sees it
const SchemaRuleName = "schema"

// ApplyOptions narrows the stored rules that guard one apply
type ApplyOptions struct {
	// Only lists the rule names to run, in this order within each group
	Only []string `json:"only,omitempty"`
	// Skip lists rule names not to run, even when Only names them
	Skip []string `json:"skip,omitempty"`
}

// Apply merges patch into the namespace document through a guarded call.
// The schema rule and every method phase definition run first; a rejection
// there leaves the document untouched. State phase definitions then see the
// current and merged documents; a rejection rolls the commit back. The
// returned document is the namespace state after the call either way
func (m *Manager) Apply(ctx context.Context, id string, patch Document, opts ApplyOptions) (Document, error) {
	ns, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	groups, err := m.groups(ns, opts)
	if err != nil {
		return ns.Document.State(), err
	}

	body := func(ctx context.Context, args ...any) error {
		return ns.Document.Commit(ctx, merge(ns.Document.State(), patch))
	}

	err = rules.New(ns.Document, groups, m.opts...).Call(ctx, body, patch)
	return ns.Document.State(), err
}

// Preview evaluates every active definition against the document patch
// would produce, without committing anything. Phases are ignored; each
// definition sees the current document as state and the merged one as next
func (m *Manager) Preview(ctx context.Context, id string, patch Document) ([]*rules.EvaluationResult, error) {
	ns, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	schema, _ := ns.Schema()
	if err := schema.CheckPatch(patch); err != nil {
		return nil, err
	}

	current := ns.Document.State()
	vars, err := rules.Activation(current, merge(current, patch), []any{patch})
	if err != nil {
		return nil, err
	}
	return ns.Engine().EvaluateAll(ctx, vars)
}

// groups resolves the rule groups for one call from the namespace's current
// definitions, with the schema rule in front
func (m *Manager) groups(ns *Namespace, opts ApplyOptions) ([]rules.GroupDescriptor[Document], error) {
	schemaRule := rules.NewRule(SchemaRuleName, func(ctx context.Context, owner rules.Owner[Document], old, next Document, args []any) error {
		schema, _ := ns.Schema()
		patch, ok := args[0].(Document)
		if !ok {
			return fmt.Errorf("patch must be an object, got %T", args[0])
		}
		return schema.CheckPatch(patch)
	})
	builtin := rules.GroupDescriptor[Document]{
		Group:  rules.GroupOf(schemaRule),
		Filter: &rules.Filter[Document]{Includes: []rules.Descriptor[Document]{rules.Method(schemaRule)}},
	}

	stored, err := rules.BuildGroups[Document](ns.Engine())
	if err != nil {
		return nil, fmt.Errorf("failed to build rule groups: %w", err)
	}

	if err := checkNames(stored, opts.Only); err != nil {
		return nil, err
	}
	if err := checkNames(stored, opts.Skip); err != nil {
		return nil, err
	}

	groups := []rules.GroupDescriptor[Document]{builtin}
	for _, gd := range stored {
		only := inGroup(gd, opts.Only)
		if len(opts.Only) > 0 && len(only) == 0 {
			continue
		}
		narrowed, err := rules.Narrow(gd, only, inGroup(gd, opts.Skip))
		if err != nil {
			return nil, err
		}
		groups = append(groups, narrowed)
	}
	return groups, nil
}

func checkNames(groups []rules.GroupDescriptor[Document], names []string) error {
	for _, name := range names {
		found := false
		for _, gd := range groups {
			if gd.Group.Lookup(name) != nil {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %q", rules.ErrUnknownRule, name)
		}
	}
	return nil
}

func inGroup(gd rules.GroupDescriptor[Document], names []string) []string {
	var out []string
	for _, name := range names {
		if gd.Group.Lookup(name) != nil {
			out = append(out, name)
		}
	}
	return out
}

// merge returns a new document with patch applied one object deep. A nil
// field value removes the field; an object left without fields is removed
func merge(doc, patch Document) Document {
	out := make(Document, len(doc)+len(patch))
	for k, v := range doc {
		out[k] = v
	}

	for objectName, raw := range patch {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		obj := map[string]any{}
		if existing, ok := out[objectName].(map[string]any); ok {
			for k, v := range existing {
				obj[k] = v
			}
		}
		for k, v := range fields {
			if v == nil {
				delete(obj, k)
				continue
			}
			obj[k] = v
		}
		if len(obj) == 0 {
			delete(out, objectName)
			continue
		}
		out[objectName] = obj
	}
	return out
}
