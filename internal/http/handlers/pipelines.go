package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/pipeline"
)

type createPipelineRequest struct {
	SourceImageKey string   `json:"source_image_key"`
	SourceImageURL string   `json:"source_image_url"`
	Angles         []string `json:"angles"`
	Vendor         string   `json:"vendor"`
	Quality        string   `json:"quality"`
	UseBatch       bool     `json:"use_batch"`
}

func (a *App) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	started := time.Now()
	p, err := a.Engine.Create(r.Context(), pipeline.CreateParams{
		OwnerID:        userID,
		SourceImageKey: req.SourceImageKey,
		SourceImageURL: req.SourceImageURL,
		Angles:         req.Angles,
		Vendor:         req.Vendor,
		Quality:        req.Quality,
		UseBatch:       req.UseBatch,
	})
	if err != nil {
		a.audit(r, "PIPELINE_CREATE", false, started, nil)
		a.domainError(w, err)
		return
	}
	a.audit(r, "PIPELINE_CREATE", true, started, map[string]any{"pipeline_id": p.ID, "quality": p.Input.Quality})
	a.json(w, http.StatusCreated, pipelineResponse(p))
}

type advancePipelineRequest struct {
	Trigger string `json:"trigger"`
}

func (a *App) AdvancePipeline(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.Engine.GetForOwner(r.Context(), id, userID); err != nil {
		a.domainError(w, err)
		return
	}
	var req advancePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	started := time.Now()
	p, err := a.Engine.Advance(r.Context(), id, pipeline.Trigger(req.Trigger))
	if err != nil {
		a.audit(r, "PIPELINE_ADVANCE", false, started, map[string]any{"pipeline_id": id, "trigger": req.Trigger})
		a.domainError(w, err)
		return
	}
	a.audit(r, "PIPELINE_ADVANCE", true, started, map[string]any{"pipeline_id": id, "trigger": req.Trigger, "status": p.Status})
	a.json(w, http.StatusOK, pipelineResponse(p))
}

func (a *App) GetPipeline(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	p, err := a.Engine.GetForOwner(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, pipelineResponse(p))
}

func (a *App) ListPipelines(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	pipelines, err := a.Engine.ListForOwner(r.Context(), userID, limit)
	if err != nil {
		a.domainError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(pipelines))
	for i := range pipelines {
		items = append(items, pipelineResponse(&pipelines[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

type retryPipelineRequest struct {
	Vendor string `json:"vendor"`
}

func (a *App) RetryPipeline(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.Engine.GetForOwner(r.Context(), id, userID); err != nil {
		a.domainError(w, err)
		return
	}
	var req retryPipelineRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.error(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}
	started := time.Now()
	p, err := a.Engine.Retry(r.Context(), id, req.Vendor)
	if err != nil {
		a.audit(r, "PIPELINE_RETRY", false, started, map[string]any{"pipeline_id": id})
		a.domainError(w, err)
		return
	}
	a.audit(r, "PIPELINE_RETRY", true, started, map[string]any{"pipeline_id": id, "attempt": p.Attempt})
	a.json(w, http.StatusOK, pipelineResponse(p))
}

type regeneratePipelineRequest struct {
	Target string `json:"target"`
}

func (a *App) RegeneratePipeline(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.Engine.GetForOwner(r.Context(), id, userID); err != nil {
		a.domainError(w, err)
		return
	}
	var req regeneratePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	started := time.Now()
	p, err := a.Engine.Regenerate(r.Context(), id, req.Target)
	if err != nil {
		a.audit(r, "PIPELINE_REGENERATE", false, started, map[string]any{"pipeline_id": id, "target": req.Target})
		a.domainError(w, err)
		return
	}
	a.audit(r, "PIPELINE_REGENERATE", true, started, map[string]any{"pipeline_id": id, "target": req.Target})
	a.json(w, http.StatusOK, pipelineResponse(p))
}

// pipelineResponse shapes a pipeline for the polling contract: clients
// watch status, outputs grow incrementally, and the error block is
// already classified and safe to display.
func pipelineResponse(p *domain.Pipeline) map[string]any {
	resp := map[string]any{
		"id":          p.ID,
		"status":      p.Status,
		"input":       p.Input,
		"outputs":     p.Outputs,
		"attempt":     p.Attempt,
		"retry_count": p.RetryCount,
		"max_retries": p.MaxRetries,
		"credits": map[string]int{
			"reserved": p.CreditsReserved,
			"charged":  p.CreditsCharged,
			"refunded": p.CreditsRefunded,
		},
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
	if p.ProviderRef != "" {
		resp["vendor"] = p.ProviderRef
	}
	if p.Error != nil {
		resp["error"] = p.Error
	}
	if p.NextRetryAt != nil {
		resp["next_retry_at"] = p.NextRetryAt
	}
	return resp
}
