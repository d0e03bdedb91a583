package rules

import "time"

// Definition is a stored, expression-backed rule. The engine compiles
// Expression into a Rule; Group and Position decide where it lands in a
// rule group, Phase decides when it runs
type Definition struct {
	ID         string    `json:"id"`
	Group      string    `json:"group"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Phase      Phase     `json:"phase"`
	Position   int       `json:"position"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EvaluationResult is the outcome of evaluating one definition
type EvaluationResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Passed   bool   `json:"passed"`
	Error    error  `json:"-"`
	Trace    any    `json:"trace,omitempty"`
}

// DefaultGroup is used for definitions stored without a group
const DefaultGroup = "default"
