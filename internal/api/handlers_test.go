package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience/internal/jobs"
	"github.com/ignite/audience/internal/rules"
	"github.com/ignite/audience/internal/staging"
)

// ==========================================
// FAKES
// ==========================================

type memoryRules struct {
	trees map[string]rules.Rule
	err   error
}

func (m *memoryRules) GetTree(_ context.Context, rootID string) (rules.Rule, error) {
	if m.err != nil {
		return rules.Rule{}, m.err
	}
	tree, ok := m.trees[rootID]
	if !ok {
		return rules.Rule{}, fmt.Errorf("%w: %s", rules.ErrTreeNotFound, rootID)
	}
	return tree, nil
}

func (m *memoryRules) SaveTree(_ context.Context, root rules.Rule) (rules.Rule, error) {
	root = rules.Stitch(root)
	if err := rules.Validate(root); err != nil {
		return rules.Rule{}, err
	}
	m.trees[root.ID] = root
	return root, nil
}

func (m *memoryRules) ReplaceSubtree(_ context.Context, rootID, nodeID string, replacement rules.Rule) (rules.Rule, error) {
	root, ok := m.trees[rootID]
	if !ok {
		return rules.Rule{}, rules.ErrTreeNotFound
	}
	for i, child := range root.Children {
		if child.ID == nodeID {
			replacement.ID = nodeID
			root.Children[i] = replacement
			m.trees[rootID] = root
			return root, nil
		}
	}
	return rules.Rule{}, rules.ErrTreeNotFound
}

func (m *memoryRules) DeleteNode(_ context.Context, rootID, nodeID string) (int64, error) {
	if nodeID == rootID {
		delete(m.trees, rootID)
		return 1, nil
	}
	return 0, nil
}

type enqueued struct {
	typ, dedup string
	payload    any
}

type recordingQueue struct {
	calls []enqueued
	seen  map[string]bool
}

func (q *recordingQueue) Enqueue(_ context.Context, typ string, payload any, dedupKey string) (string, bool, error) {
	q.calls = append(q.calls, enqueued{typ: typ, dedup: dedupKey, payload: payload})
	if q.seen[dedupKey] {
		return "", false, nil
	}
	q.seen[dedupKey] = true
	return "job-1", true, nil
}

type fixedProgress map[string]staging.Progress

func (f fixedProgress) Progress(_ context.Context, owner string) (staging.Progress, error) {
	return f[owner], nil
}

type campaignStates map[int64]bool

func (c campaignStates) AbortCampaign(_ context.Context, id int64) (bool, error) {
	return c[id], nil
}

// ==========================================
// HELPERS
// ==========================================

type testAPI struct {
	router http.Handler
	rules  *memoryRules
	queue  *recordingQueue
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := &memoryRules{trees: map[string]rules.Rule{}}
	queue := &recordingQueue{seen: map[string]bool{}}
	progress := fixedProgress{
		"list:7": {State: staging.StateDraining, Complete: 40, Total: 100, Pending: 60},
	}
	campaigns := campaignStates{3: true}

	h := NewHandlers(rules.NewEngine(), store, queue, progress, campaigns)
	return &testAPI{router: SetupRoutes(h), rules: store, queue: queue}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func adultRule() rules.Rule {
	return rules.Rule{Type: rules.TypeNumber, Group: rules.GroupUser, Path: "$.age", Operator: rules.OpGreaterThanEq, Value: 18}
}

// ==========================================
// TESTS
// ==========================================

func TestHealthCheck(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, true, resp["rule_store"])
}

func TestMetricsEndpoint(t *testing.T) {
	api := setupTestAPI(t)
	api.do(t, http.MethodGet, "/health", nil)

	rec := api.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "audience_http_request_duration_seconds")
}

func TestCheckRules(t *testing.T) {
	api := setupTestAPI(t)

	body := CheckRequest{
		Input: rules.Input{User: map[string]any{"data": map[string]any{"age": 30}}},
		Rules: []rules.Rule{adultRule()},
	}
	rec := api.do(t, http.MethodPost, "/api/rules/check", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["match"])

	body.Input = rules.Input{User: map[string]any{"data": map[string]any{"age": 12}}}
	rec = api.do(t, http.MethodPost, "/api/rules/check", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["match"])
}

func TestCheckRules_UnknownTypeIsBadRequest(t *testing.T) {
	api := setupTestAPI(t)

	body := CheckRequest{Rules: []rules.Rule{{Type: "money", Group: rules.GroupUser, Path: "$.x", Operator: rules.OpEquals, Value: 1}}}
	rec := api.do(t, http.MethodPost, "/api/rules/check", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckRules_InvalidBody(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/rules/check", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "invalid request body")
}

func TestCompileRules(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/rules/query", QueryRequest{ScopeID: 3, Rules: []rules.Rule{adultRule()}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	query, _ := decodeBody(t, rec)["query"].(string)
	assert.True(t, strings.HasPrefix(query, "SELECT id FROM users PREWHERE project_id = 3 AND "), query)

	rec = api.do(t, http.MethodPost, "/api/rules/query", QueryRequest{Rules: []rules.Rule{adultRule()}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTreeLifecycle(t *testing.T) {
	api := setupTestAPI(t)

	root := rules.Rule{ID: "root", Type: rules.TypeWrapper, Group: rules.GroupParent, Path: "$", Operator: rules.OpAnd,
		Children: []rules.Rule{adultRule()}}
	rec := api.do(t, http.MethodPost, "/api/rules/trees", root)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var saved rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	require.Len(t, saved.Children, 1)
	childID := saved.Children[0].ID
	assert.NotEmpty(t, childID)
	assert.Equal(t, "root", saved.Children[0].RootID)

	rec = api.do(t, http.MethodGet, "/api/rules/trees/root", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/rules/trees/root/query?scope_id=9", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, decodeBody(t, rec)["query"], "project_id = 9")

	replacement := rules.Rule{Type: rules.TypeBoolean, Group: rules.GroupUser, Path: "$.vip", Operator: rules.OpEquals, Value: true}
	rec = api.do(t, http.MethodPut, "/api/rules/trees/root/nodes/"+childID, replacement)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rules.TypeBoolean, api.rules.trees["root"].Children[0].Type)

	rec = api.do(t, http.MethodDelete, "/api/rules/trees/root/nodes/root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["deleted"])
	assert.Empty(t, api.rules.trees)
}

func TestGetTree_NotFound(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/rules/trees/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompileTree_RequiresScope(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/rules/trees/root/query", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveTree_InvalidTree(t *testing.T) {
	api := setupTestAPI(t)

	root := rules.Rule{Type: rules.TypeWrapper, Group: rules.GroupParent, Path: "$", Operator: rules.OpAnd,
		Children: []rules.Rule{{Type: rules.TypeNumber, Group: rules.GroupUser, Path: "$.age", Operator: rules.OpGreaterThan}}}
	rec := api.do(t, http.MethodPost, "/api/rules/trees", root)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageErrorsAreSanitized(t *testing.T) {
	api := setupTestAPI(t)
	api.rules.err = errors.New("pq: dial tcp 10.0.0.5:5432: connection refused")

	rec := api.do(t, http.MethodGet, "/api/rules/trees/root", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Service temporarily unavailable", decodeBody(t, rec)["error"])
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestPopulate(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/populations/list/7", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "job-1", resp["job_id"])
	assert.Equal(t, true, resp["enqueued"])

	require.Len(t, api.queue.calls, 1)
	assert.Equal(t, jobs.TypeListPopulate, api.queue.calls[0].typ)
	assert.Equal(t, jobs.DedupKey(jobs.TypeListPopulate, 7), api.queue.calls[0].dedup)
	assert.Equal(t, jobs.OwnerPayload{ID: 7}, api.queue.calls[0].payload)

	// A second request while the first is pending is absorbed by the dedup key.
	rec = api.do(t, http.MethodPost, "/api/populations/list/7", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["enqueued"])
}

func TestPopulate_BadRequests(t *testing.T) {
	api := setupTestAPI(t)

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/api/populations/segment/7", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/populations/campaign/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/populations/journey/0", nil).Code)
	assert.Empty(t, api.queue.calls)
}

func TestProgress(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/populations/list/7/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pr staging.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	assert.Equal(t, staging.StateDraining, pr.State)
	assert.Equal(t, int64(40), pr.Complete)
	assert.Equal(t, int64(60), pr.Pending)
}

func TestAbortCampaign(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/campaigns/3/abort", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/campaigns/4/abort", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnconfiguredDependencies(t *testing.T) {
	router := SetupRoutes(NewHandlers(nil, nil, nil, nil, nil))

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/rules/trees/root"},
		{http.MethodPost, "/api/populations/list/1"},
		{http.MethodGet, "/api/populations/list/1/progress"},
		{http.MethodPost, "/api/campaigns/1/abort"},
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}

	// Rule checks need no backing store.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rules/check", strings.NewReader(`{"rules":[]}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	api := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/rules/check", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSafeErrorMessage(t *testing.T) {
	assert.Equal(t, "bad input", safeErrorMessage(400, errors.New("bad input")))
	assert.Equal(t, "Request timed out", safeErrorMessage(500, context.DeadlineExceeded))
	assert.Equal(t, "A storage error occurred", safeErrorMessage(500, errors.New("redis: nil")))
	assert.Equal(t, "An internal error occurred", safeErrorMessage(500, errors.New("boom")))
}
