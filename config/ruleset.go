// Package config loads rule-set files: a namespace, its schema and the rule
// definitions guarding it, declared in YAML
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/liamcoop/simplestore/registry"
	"github.com/liamcoop/simplestore/rules"
	"gopkg.in/yaml.v3"
)

// RuleSet is the rule-set file structure
type RuleSet struct {
	Namespace string          `yaml:"namespace"`
	Schema    registry.Schema `yaml:"schema"`
	Rules     []Rule          `yaml:"rules"`
}

// Rule is one rule definition in a rule-set file
type Rule struct {
	Name       string `yaml:"name"`
	Group      string `yaml:"group,omitempty"`
	Expression string `yaml:"expression"`
	Phase      string `yaml:"phase,omitempty"` // METHOD or STATE
	Active     *bool  `yaml:"active,omitempty"`
}

// LoadRuleSet reads and validates a rule-set file
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet parses and validates rule-set YAML
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks the namespace, schema and every rule entry. Rule names
// must be unique within a group
func (rs *RuleSet) Validate() error {
	if rs.Namespace == "" {
		return fmt.Errorf("rule set: namespace is required")
	}
	if err := registry.ValidateSchema(rs.Schema); err != nil {
		return fmt.Errorf("rule set %s: %w", rs.Namespace, err)
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule set %s: rule %d has no name", rs.Namespace, i)
		}
		if r.Expression == "" {
			return fmt.Errorf("rule set %s: rule %q has no expression", rs.Namespace, r.Name)
		}
		if _, err := rules.ParsePhase(r.Phase); err != nil {
			return fmt.Errorf("rule set %s: rule %q: %w", rs.Namespace, r.Name, err)
		}
		key := groupOf(r) + "/" + r.Name
		if seen[key] {
			return fmt.Errorf("rule set %s: duplicate rule %q in group %q", rs.Namespace, r.Name, groupOf(r))
		}
		seen[key] = true
	}
	return nil
}

// Definitions converts the rules to definitions. IDs are derived from the
// namespace, group and name so loading the same file twice yields the same
// IDs. Positions follow file order within each group
func (rs *RuleSet) Definitions() []*rules.Definition {
	positions := map[string]int{}
	defs := make([]*rules.Definition, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		group := groupOf(r)
		phase, _ := rules.ParsePhase(r.Phase)
		active := r.Active == nil || *r.Active

		defs = append(defs, &rules.Definition{
			ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(rs.Namespace+"/"+group+"/"+r.Name)).String(),
			Group:      group,
			Name:       r.Name,
			Expression: r.Expression,
			Phase:      phase,
			Position:   positions[group],
			Active:     active,
		})
		positions[group]++
	}
	return defs
}

func groupOf(r Rule) string {
	if r.Group == "" {
		return rules.DefaultGroup
	}
	return r.Group
}
