package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience/internal/rules"
)

// CheckRequest evaluates rules against one in-memory input.
type CheckRequest struct {
	Input rules.Input  `json:"input"`
	Rules []rules.Rule `json:"rules"`
}

// QueryRequest compiles rules for a project.
type QueryRequest struct {
	ScopeID int64        `json:"scope_id"`
	Rules   []rules.Rule `json:"rules"`
}

// CheckRules handles POST /api/rules/check
func (h *Handlers) CheckRules(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	match, err := h.engine.Check(req.Input, stitched(req.Rules)...)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"match": match})
}

// CompileRules handles POST /api/rules/query
func (h *Handlers) CompileRules(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ScopeID <= 0 {
		respondError(w, http.StatusBadRequest, "scope_id is required")
		return
	}
	query, err := h.engine.GetRuleQuery(req.ScopeID, stitched(req.Rules)...)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"query": query})
}

// stitched fills ids on request trees so errors can name the node.
func stitched(in []rules.Rule) []rules.Rule {
	out := make([]rules.Rule, len(in))
	for i, r := range in {
		out[i] = rules.Stitch(r)
	}
	return out
}

// ==========================================
// STORED TREES
// ==========================================

// SaveTree handles POST /api/rules/trees
func (h *Handlers) SaveTree(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		unavailable(w, "rule store")
		return
	}
	var root rules.Rule
	if !decodeJSON(w, r, &root) {
		return
	}
	saved, err := h.rules.SaveTree(r.Context(), root)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

// GetTree handles GET /api/rules/trees/{rootID}
func (h *Handlers) GetTree(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		unavailable(w, "rule store")
		return
	}
	tree, err := h.rules.GetTree(r.Context(), chi.URLParam(r, "rootID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tree)
}

// CompileTree handles GET /api/rules/trees/{rootID}/query?scope_id=N
func (h *Handlers) CompileTree(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		unavailable(w, "rule store")
		return
	}
	scopeID, err := strconv.ParseInt(r.URL.Query().Get("scope_id"), 10, 64)
	if err != nil || scopeID <= 0 {
		respondError(w, http.StatusBadRequest, "scope_id is required")
		return
	}
	tree, err := h.rules.GetTree(r.Context(), chi.URLParam(r, "rootID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	query, err := h.engine.GetRuleQuery(scopeID, tree)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"query": query})
}

// ReplaceNode handles PUT /api/rules/trees/{rootID}/nodes/{nodeID}
func (h *Handlers) ReplaceNode(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		unavailable(w, "rule store")
		return
	}
	var replacement rules.Rule
	if !decodeJSON(w, r, &replacement) {
		return
	}
	tree, err := h.rules.ReplaceSubtree(r.Context(), chi.URLParam(r, "rootID"), chi.URLParam(r, "nodeID"), replacement)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tree)
}

// DeleteNode handles DELETE /api/rules/trees/{rootID}/nodes/{nodeID}
func (h *Handlers) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil {
		unavailable(w, "rule store")
		return
	}
	n, err := h.rules.DeleteNode(r.Context(), chi.URLParam(r, "rootID"), chi.URLParam(r, "nodeID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
