package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience/internal/jobs"
	"github.com/ignite/audience/internal/staging"
)

var populationTypes = map[string]string{
	"list":     jobs.TypeListPopulate,
	"campaign": jobs.TypeCampaignPopulate,
	"journey":  jobs.TypeJourneyPopulate,
}

// Populate handles POST /api/populations/{entity}/{id}
func (h *Handlers) Populate(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		unavailable(w, "job queue")
		return
	}
	typ, ok := populationTypes[chi.URLParam(r, "entity")]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown entity")
		return
	}
	id, err := int64Param(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, enqueued, err := h.queue.Enqueue(r.Context(), typ, jobs.OwnerPayload{ID: id}, jobs.DedupKey(typ, id))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":   jobID,
		"enqueued": enqueued,
	})
}

// Progress handles GET /api/populations/{entity}/{id}/progress
func (h *Handlers) Progress(w http.ResponseWriter, r *http.Request) {
	if h.progress == nil {
		unavailable(w, "staging")
		return
	}
	entity := chi.URLParam(r, "entity")
	if _, ok := populationTypes[entity]; !ok {
		respondError(w, http.StatusNotFound, "unknown entity")
		return
	}
	id, err := int64Param(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pr, err := h.progress.Progress(r.Context(), staging.OwnerKey(entity, id))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pr)
}

// AbortCampaign handles POST /api/campaigns/{id}/abort
func (h *Handlers) AbortCampaign(w http.ResponseWriter, r *http.Request) {
	if h.campaigns == nil {
		unavailable(w, "delivery store")
		return
	}
	id, err := int64Param(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	aborted, err := h.campaigns.AbortCampaign(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if !aborted {
		respondError(w, http.StatusConflict, "campaign cannot be aborted")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}
