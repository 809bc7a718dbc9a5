package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience/internal/pkg/httputil"
	"github.com/ignite/audience/internal/rules"
	"github.com/ignite/audience/internal/staging"
)

// maxBodyBytes bounds request bodies; rule trees are small.
const maxBodyBytes = 1 << 20

// RuleStore persists rule trees.
type RuleStore interface {
	GetTree(ctx context.Context, rootID string) (rules.Rule, error)
	SaveTree(ctx context.Context, root rules.Rule) (rules.Rule, error)
	ReplaceSubtree(ctx context.Context, rootID, nodeID string, replacement rules.Rule) (rules.Rule, error)
	DeleteNode(ctx context.Context, rootID, nodeID string) (int64, error)
}

// JobQueue enqueues population jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, typ string, payload any, dedupKey string) (string, bool, error)
}

// ProgressReader reports staging progress.
type ProgressReader interface {
	Progress(ctx context.Context, owner string) (staging.Progress, error)
}

// CampaignAborter aborts campaigns.
type CampaignAborter interface {
	AbortCampaign(ctx context.Context, campaignID int64) (bool, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	engine    *rules.Engine
	rules     RuleStore
	queue     JobQueue
	progress  ProgressReader
	campaigns CampaignAborter
}

// NewHandlers creates handlers. Any dependency may be nil; its routes then
// answer 503.
func NewHandlers(engine *rules.Engine, store RuleStore, queue JobQueue, progress ProgressReader, campaigns CampaignAborter) *Handlers {
	if engine == nil {
		engine = rules.NewEngine()
	}
	return &Handlers{
		engine:    engine,
		rules:     store,
		queue:     queue,
		progress:  progress,
		campaigns: campaigns,
	}
}

// HealthCheck returns the health status of the API
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"rule_store": h.rules != nil,
		"queue":      h.queue != nil,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	httputil.JSON(w, status, data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	httputil.Error(w, status, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	return httputil.Decode(w, r, maxBodyBytes, v)
}

func int64Param(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func unavailable(w http.ResponseWriter, what string) {
	respondError(w, http.StatusServiceUnavailable, what+" not configured")
}
