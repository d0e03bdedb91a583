package main

import (
	"time"

	"github.com/liamcoop/simplestore/registry"
	"github.com/liamcoop/simplestore/rules"
)

// CreateNamespaceRequest is the body for creating a namespace
type CreateNamespaceRequest struct {
	Name   string          `json:"name"`
	Schema registry.Schema `json:"schema"`
}

// NamespaceResponse describes a loaded namespace
type NamespaceResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SchemaVersion int    `json:"schemaVersion"`
}

// NamespacesListResponse lists loaded namespaces
type NamespacesListResponse struct {
	Namespaces []NamespaceResponse `json:"namespaces"`
}

// UpdateSchemaRequest is the body for replacing a namespace schema
type UpdateSchemaRequest struct {
	Definition registry.Schema `json:"definition"`
}

// SchemaResponse describes the active schema of a namespace
type SchemaResponse struct {
	Version    int             `json:"version"`
	Definition registry.Schema `json:"definition"`
}

// RuleRequest is the body for creating or updating a rule definition
type RuleRequest struct {
	Name       string `json:"name"`
	Group      string `json:"group,omitempty"`
	Expression string `json:"expression"`
	Phase      string `json:"phase,omitempty"`
	Position   int    `json:"position"`
	Active     *bool  `json:"active,omitempty"`
}

func (req RuleRequest) definition(id string) (*rules.Definition, error) {
	phase, err := rules.ParsePhase(req.Phase)
	if err != nil {
		return nil, err
	}
	return &rules.Definition{
		ID:         id,
		Group:      req.Group,
		Name:       req.Name,
		Expression: req.Expression,
		Phase:      phase,
		Position:   req.Position,
		Active:     req.Active == nil || *req.Active,
	}, nil
}

// RulesListResponse lists rule definitions
type RulesListResponse struct {
	Rules []*rules.Definition `json:"rules"`
}

// ApplyRequest is the body of a guarded state update
type ApplyRequest struct {
	Patch registry.Document `json:"patch"`
	registry.ApplyOptions
}

// StateResponse carries a namespace document
type StateResponse struct {
	State registry.Document `json:"state"`
}

// RejectionResponse reports a rule rejection together with the document
// as it stands after the call
type RejectionResponse struct {
	Error string            `json:"error"`
	Phase rules.Phase       `json:"phase"`
	Rule  string            `json:"rule"`
	State registry.Document `json:"state"`
}

// PreviewRequest is the body of a dry-run evaluation
type PreviewRequest struct {
	Patch registry.Document `json:"patch"`
}

// PreviewResult is the outcome of one definition in a dry run
type PreviewResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

// PreviewResponse lists dry-run results
type PreviewResponse struct {
	Results        []PreviewResult `json:"results"`
	EvaluationTime string          `json:"evaluationTime"`
}

// ErrorResponse is the body of every other error
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status           string    `json:"status"`
	Storage          string    `json:"storage"`
	NamespacesLoaded int       `json:"namespacesLoaded"`
	Time             time.Time `json:"time"`
}
