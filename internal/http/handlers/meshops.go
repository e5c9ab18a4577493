package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/meshops"
	"server/internal/storage"
)

// AnalyzeMesh runs a printability analysis on a completed pipeline's
// model. The mesh is read from blob storage when we rehosted it,
// otherwise the service downloads it from the vendor URL.
func (a *App) AnalyzeMesh(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.MeshOps == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "mesh service is not configured")
		return
	}
	p, err := a.Engine.GetForOwner(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	if p.Outputs.MeshURL == "" {
		a.error(w, http.StatusConflict, "no_model", "pipeline has no generated model yet")
		return
	}

	started := time.Now()
	data, _ := a.meshBytes(r, p)
	analysis, err := a.MeshOps.Analyze(r.Context(), data, p.Outputs.MeshURL)
	if err != nil {
		a.Logger.Error().Err(err).Str("pipeline_id", p.ID).Msg("mesh analyze failed")
		a.audit(r, "MESH_ANALYZE", false, started, map[string]any{"pipeline_id": p.ID})
		a.error(w, http.StatusBadGateway, "mesh_service", "mesh analysis failed")
		return
	}
	a.audit(r, "MESH_ANALYZE", true, started, map[string]any{"pipeline_id": p.ID})
	a.json(w, http.StatusOK, map[string]any{"analysis": analysis})
}

type optimizeMeshRequest struct {
	Options      meshops.OptimizeOptions `json:"options"`
	OutputFormat string                  `json:"output_format"`
}

// OptimizeMesh repairs and rescales the pipeline's model for printing
// and stores the result alongside the original. The pipeline status is
// untouched; optimization is a post-completion convenience, not a
// stage.
func (a *App) OptimizeMesh(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.MeshOps == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "mesh service is not configured")
		return
	}
	p, err := a.Engine.GetForOwner(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	if p.Outputs.MeshURL == "" {
		a.error(w, http.StatusConflict, "no_model", "pipeline has no generated model yet")
		return
	}
	var req optimizeMeshRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.error(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}

	started := time.Now()
	data, err := a.meshBytes(r, p)
	if err != nil {
		a.Logger.Error().Err(err).Str("pipeline_id", p.ID).Msg("mesh load failed")
		a.error(w, http.StatusBadGateway, "mesh_service", "could not load the model")
		return
	}
	result, err := a.MeshOps.Optimize(r.Context(), data, req.Options, req.OutputFormat)
	if err != nil {
		a.Logger.Error().Err(err).Str("pipeline_id", p.ID).Msg("mesh optimize failed")
		a.audit(r, "MESH_OPTIMIZE", false, started, map[string]any{"pipeline_id": p.ID})
		a.error(w, http.StatusBadGateway, "mesh_service", "mesh optimization failed")
		return
	}
	a.audit(r, "MESH_OPTIMIZE", true, started, map[string]any{"pipeline_id": p.ID, "format": result.OutputFormat})

	resp := map[string]any{
		"original":   result.Original,
		"optimized":  result.Optimized,
		"operations": result.Operations,
		"warnings":   result.Warnings,
		"format":     result.OutputFormat,
	}
	if a.Blobs != nil {
		key := fmt.Sprintf("generated/models/%s/optimized.%s", p.ID, result.OutputFormat)
		saved, err := a.Blobs.Write(r.Context(), key, result.Data)
		if err != nil {
			a.domainError(w, err)
			return
		}
		resp["storage_key"] = saved
	}
	a.json(w, http.StatusOK, resp)
}

// meshBytes loads the rehosted model from blob storage. An empty result
// with no error means the caller should fall back to the vendor URL.
func (a *App) meshBytes(r *http.Request, p *domain.Pipeline) ([]byte, error) {
	if a.Blobs == nil {
		return nil, nil
	}
	format := p.Outputs.MeshFormat
	if format == "" {
		format = "glb"
	}
	key := fmt.Sprintf("generated/models/%s/model.%s", p.ID, format)
	data, err := a.Blobs.Read(r.Context(), key)
	if err == nil {
		return data, nil
	}
	if p.Outputs.MeshURL != "" {
		downloaded, _, dlErr := storage.Download(r.Context(), http.DefaultClient, p.Outputs.MeshURL)
		if dlErr == nil {
			return downloaded, nil
		}
		return nil, dlErr
	}
	return nil, err
}
