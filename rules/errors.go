package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrMethodRejected marks a rejection by a method phase rule. The method
	// body did not run
	ErrMethodRejected = errors.New("method rule rejected call")

	// ErrStateRejected marks a rejection by a state phase rule. The commit was
	// rolled back to the previous state
	ErrStateRejected = errors.New("state rule rejected commit")

	// ErrUnknownRule is returned by strict filter validation when a filter
	// names a rule its group does not contain
	ErrUnknownRule = errors.New("filter references rule not in group")
)

// RuleError reports which rule rejected a guarded call and why.
// errors.Is matches both the phase sentinel and the rule's own error
type RuleError struct {
	Phase Phase
	Rule  string
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s rule %q rejected: %v", phaseLabel(e.Phase), e.Rule, e.Err)
}

func (e *RuleError) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

func (e *RuleError) sentinel() error {
	if e.Phase == PhaseMethod {
		return ErrMethodRejected
	}
	return ErrStateRejected
}

func phaseLabel(p Phase) string {
	if p == PhaseMethod {
		return "method"
	}
	return "state"
}
