package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/liamcoop/simplestore/internal/logger"
	"github.com/liamcoop/simplestore/registry"
	"github.com/liamcoop/simplestore/rules"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "unhealthy", Details: err.Error()})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:           "healthy",
		Storage:          storage,
		NamespacesLoaded: len(s.registry.ListNamespaces()),
		Time:             time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, logger.Counters())
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	resp := NamespacesListResponse{Namespaces: []NamespaceResponse{}}
	for _, ns := range s.registry.ListNamespaces() {
		resp.Namespaces = append(resp.Namespaces, namespaceResponse(ns))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var req CreateNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ns, err := s.registry.CreateNamespace(r.Context(), req.Name, req.Schema)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to create namespace", err)
		return
	}

	respondJSON(w, http.StatusCreated, namespaceResponse(ns))
}

func (s *Server) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, namespaceResponse(ns))
}

func (s *Server) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteNamespace(r.Context(), chi.URLParam(r, "namespaceId")); err != nil {
		respondLookupError(w, "failed to delete namespace", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	schema, version := ns.Schema()
	respondJSON(w, http.StatusOK, SchemaResponse{Version: version, Definition: schema})
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	var req UpdateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	version, err := s.registry.UpdateSchema(r.Context(), chi.URLParam(r, "namespaceId"), req.Definition)
	if err != nil {
		respondLookupError(w, "failed to update schema", err)
		return
	}

	respondJSON(w, http.StatusOK, SchemaResponse{Version: version, Definition: req.Definition})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" || req.Expression == "" {
		respondError(w, http.StatusBadRequest, "name and expression are required", nil)
		return
	}

	def, err := req.definition(uuid.NewString())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}

	// AddRule validates and compiles before storing
	if err := ns.Engine().AddRule(def); err != nil {
		respondError(w, http.StatusBadRequest, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}

	defs, err := ns.Engine().Store().List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if defs == nil {
		defs = []*rules.Definition{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: defs})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}

	def, err := ns.Engine().Store().Get(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}

	ruleID := chi.URLParam(r, "ruleId")
	if _, err := ns.Engine().Store().Get(ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	def, err := req.definition(ruleID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	if err := ns.Engine().UpdateRule(def); err != nil {
		respondError(w, http.StatusBadRequest, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}

	if err := ns.Engine().DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, StateResponse{State: ns.Document.State()})
}

// handleApply runs a guarded update. A patch that does not fit the schema
// answers 400 and other method phase rejections 409, both leaving the
// document alone; state phase rejections answer 422 after the commit was
// rolled back
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Patch == nil {
		respondError(w, http.StatusBadRequest, "patch is required", nil)
		return
	}

	doc, err := s.registry.Apply(r.Context(), chi.URLParam(r, "namespaceId"), req.Patch, req.ApplyOptions)
	if err == nil {
		respondJSON(w, http.StatusOK, StateResponse{State: doc})
		return
	}

	var ruleErr *rules.RuleError
	switch {
	case errors.As(err, &ruleErr):
		status := http.StatusUnprocessableEntity
		if ruleErr.Phase == rules.PhaseMethod {
			status = http.StatusConflict
			if ruleErr.Rule == registry.SchemaRuleName {
				status = http.StatusBadRequest
			}
		}
		respondJSON(w, status, RejectionResponse{
			Error: err.Error(),
			Phase: ruleErr.Phase,
			Rule:  ruleErr.Rule,
			State: doc,
		})
	case errors.Is(err, rules.ErrUnknownRule):
		respondError(w, http.StatusBadRequest, "unknown rule", err)
	default:
		respondLookupError(w, "apply failed", err)
	}
}

// handleStreamState sends the document as server-sent events: the current
// value first, then every published change until the client goes away
func (s *Server) handleStreamState(w http.ResponseWriter, r *http.Request) {
	ns, ok := s.namespace(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for doc := range ns.Document.Changes(r.Context()) {
		data, err := json.Marshal(doc)
		if err != nil {
			logger.Error("failed to encode document", "namespace", ns.ID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handlePreview evaluates every active rule against a patch without
// applying it
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	start := time.Now()
	results, err := s.registry.Preview(r.Context(), chi.URLParam(r, "namespaceId"), req.Patch)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "namespace not found", err)
			return
		}
		respondError(w, http.StatusBadRequest, "evaluation failed", err)
		return
	}

	resp := PreviewResponse{Results: make([]PreviewResult, 0, len(results))}
	for _, res := range results {
		pr := PreviewResult{RuleID: res.RuleID, RuleName: res.RuleName, Passed: res.Passed}
		if res.Error != nil {
			pr.Error = res.Error.Error()
		}
		resp.Results = append(resp.Results, pr)
	}
	resp.EvaluationTime = time.Since(start).String()

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) namespace(w http.ResponseWriter, r *http.Request) (*registry.Namespace, bool) {
	ns, err := s.registry.Get(chi.URLParam(r, "namespaceId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "namespace not found", err)
		return nil, false
	}
	return ns, true
}

func namespaceResponse(ns *registry.Namespace) NamespaceResponse {
	_, version := ns.Schema()
	return NamespaceResponse{ID: ns.ID, Name: ns.Name, SchemaVersion: version}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

// respondLookupError answers 404 for unknown namespaces and 400 otherwise
func respondLookupError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		respondError(w, http.StatusNotFound, "namespace not found", err)
		return
	}
	respondError(w, http.StatusBadRequest, message, err)
}
