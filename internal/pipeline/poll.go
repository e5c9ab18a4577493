package pipeline

import (
	"context"
	"errors"
	"fmt"

	"server/internal/classify"
	"server/internal/domain"
	"server/internal/providers"
	"server/internal/storage"
)

// Poll drives one observation step for a pipeline: resubmit if a retry
// deadline elapsed, otherwise poll whatever vendor work is in flight.
// It is safe to call at any time; a unit with nothing due is untouched.
func (e *Engine) Poll(ctx context.Context, id string) (*domain.Pipeline, error) {
	p, err := e.pipelines.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.NextRetryAt != nil {
		if e.now().Before(*p.NextRetryAt) {
			// Backoff still pending; nothing to observe yet.
			return p, nil
		}
		return e.resubmit(ctx, p)
	}
	switch p.Status {
	case domain.StatusBatchQueued, domain.StatusBatchProcessing:
		return e.pollBatch(ctx, p)
	case domain.StatusGeneratingViews:
		return e.pollViews(ctx, p)
	case domain.StatusGeneratingModel:
		return e.pollModel(ctx, p)
	case domain.StatusViewsReady, domain.StatusCompleted, domain.StatusFailed:
		return e.pollRegenerate(ctx, p)
	}
	return p, nil
}

func (e *Engine) pollViews(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	if p.AttemptHandle == "" {
		// The submit's handle write never landed; restart the attempt.
		return e.handleFailure(ctx, p, fmt.Errorf("pipeline %s: vendor handle missing for in-flight views", p.ID))
	}
	adapter, err := e.registry.Views()
	if err != nil {
		return e.handleFailure(ctx, p, err)
	}
	handle := providers.Handle{Vendor: adapter.Vendor(), ID: p.AttemptHandle}
	progress, err := adapter.Poll(ctx, handle)
	e.recorder.RecordVendorCall(adapter.Vendor(), "poll", err)
	if err != nil {
		return e.handleFailure(ctx, p, err)
	}
	switch progress.State {
	case providers.StateFailed:
		return e.handleFailure(ctx, p, vendorFailure(adapter.Vendor(), progress))
	case providers.StateSucceeded:
		artifact, err := adapter.Fetch(ctx, handle)
		e.recorder.RecordVendorCall(adapter.Vendor(), "fetch", err)
		if err != nil {
			return e.handleFailure(ctx, p, err)
		}
		if err := e.persistViews(ctx, p, artifact); err != nil {
			return e.handleFailure(ctx, p, err)
		}
		return e.completeStage(ctx, p, domain.StatusViewsReady)
	default:
		e.schedulePoll(p)
		p.UpdatedAt = e.now()
		if err := e.pipelines.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("pipeline: update: %w", err)
		}
		return p, nil
	}
}

func (e *Engine) pollModel(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	if p.AttemptHandle == "" {
		return e.handleFailure(ctx, p, fmt.Errorf("pipeline %s: vendor handle missing for in-flight model", p.ID))
	}
	vendor := p.ProviderRef
	if vendor == "" {
		vendor = p.Input.Vendor
	}
	adapter, err := e.registry.ForVendor(vendor)
	if err != nil {
		return e.handleFailure(ctx, p, err)
	}
	handle := providers.Handle{Vendor: adapter.Vendor(), ID: p.AttemptHandle}
	progress, err := adapter.Poll(ctx, handle)
	e.recorder.RecordVendorCall(adapter.Vendor(), "poll", err)
	if err != nil {
		return e.handleFailure(ctx, p, err)
	}
	switch progress.State {
	case providers.StateFailed:
		return e.handleFailure(ctx, p, vendorFailure(adapter.Vendor(), progress))
	case providers.StateSucceeded:
		artifact, err := adapter.Fetch(ctx, handle)
		e.recorder.RecordVendorCall(adapter.Vendor(), "fetch", err)
		if err != nil {
			return e.handleFailure(ctx, p, err)
		}
		if err := e.persistMesh(ctx, p, artifact); err != nil {
			return e.handleFailure(ctx, p, err)
		}
		return e.completeStage(ctx, p, domain.StatusCompleted)
	default:
		e.schedulePoll(p)
		p.UpdatedAt = e.now()
		if err := e.pipelines.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("pipeline: update: %w", err)
		}
		return p, nil
	}
}

// pollBatch syncs the vendor batch and folds item results into the
// pipeline's outputs as they arrive, so clients see views appear one at
// a time while siblings are still pending.
func (e *Engine) pollBatch(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	job, err := e.batches.GetActiveByPipeline(ctx, p.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return e.handleFailure(ctx, p, fmt.Errorf("batch job for pipeline %s is gone", p.ID))
		}
		return nil, err
	}

	if p.Status == domain.StatusBatchQueued {
		if flipped, err := e.pipelines.TransitionStatus(ctx, p.ID, domain.StatusBatchQueued, domain.StatusBatchProcessing); err == nil && flipped {
			p.Status = domain.StatusBatchProcessing
			e.recorder.RecordStatus(string(domain.StatusBatchProcessing))
		}
	}

	if _, err := e.coordinator.Sync(ctx, p, job); err != nil {
		e.recorder.RecordVendorCall(vendorOf(err), "poll", err)
		return e.handleFailure(ctx, p, err)
	}

	for _, item := range job.Items {
		if item.Status != domain.BatchItemSucceeded {
			continue
		}
		url := item.ResultURL
		if item.StorageKey != "" && e.cfg.StorageBaseURL != "" {
			url = storage.PublicURL(e.cfg.StorageBaseURL, item.StorageKey)
		}
		p.Outputs.SetView(domain.ViewOutput{Angle: item.Angle, URL: url, StorageKey: item.StorageKey})
	}

	if job.Terminal() {
		if failed := job.FailedItems(); len(failed) > 0 {
			e.logger.Warn().Err(e.coordinator.AggregateError(job)).Str("pipeline_id", p.ID).Int("failed_items", len(failed)).Msg("pipeline: batch finished with failures")
			return e.failPipeline(ctx, p, classify.Classified{
				Category:    classify.Category(failed[0].ErrorCategory),
				Code:        "batch_failed",
				UserMessage: failed[0].ErrorMessage,
			})
		}
		return e.completeStage(ctx, p, domain.StatusViewsReady)
	}

	e.schedulePoll(p)
	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	return p, nil
}

// pollRegenerate syncs an in-flight regenerate job for a unit that is
// otherwise at rest. A successful item overwrites exactly the targeted
// output; when it was the last missing view of a failed unit, the stage
// completes and the pipeline advances normally.
func (e *Engine) pollRegenerate(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	job, err := e.batches.GetActiveByPipeline(ctx, p.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if job == nil || job.Kind != domain.BatchKindRegenerate {
		// Nothing in flight; disarm the poll deadline.
		if p.NextPollAt != nil {
			p.NextPollAt = nil
			p.UpdatedAt = e.now()
			if err := e.pipelines.Update(ctx, p); err != nil {
				return nil, fmt.Errorf("pipeline: update: %w", err)
			}
		}
		return p, nil
	}

	if _, err := e.coordinator.Sync(ctx, p, job); err != nil {
		e.logger.Warn().Err(err).Str("pipeline_id", p.ID).Msg("pipeline: regenerate sync failed")
		e.schedulePoll(p)
		p.UpdatedAt = e.now()
		if err := e.pipelines.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("pipeline: update: %w", err)
		}
		return p, nil
	}

	for _, item := range job.Items {
		if item.Status != domain.BatchItemSucceeded {
			continue
		}
		url := item.ResultURL
		if item.StorageKey != "" && e.cfg.StorageBaseURL != "" {
			url = storage.PublicURL(e.cfg.StorageBaseURL, item.StorageKey)
		}
		p.Outputs.SetView(domain.ViewOutput{Angle: item.Angle, URL: url, StorageKey: item.StorageKey})
	}

	if !job.Terminal() {
		e.schedulePoll(p)
		p.UpdatedAt = e.now()
		if err := e.pipelines.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("pipeline: update: %w", err)
		}
		return p, nil
	}

	if failed := job.FailedItems(); len(failed) > 0 {
		// The regenerate attempt itself failed; the pipeline keeps its
		// state and the action's charge is compensated unless the user
		// caused the failure.
		e.logger.Warn().Err(e.coordinator.AggregateError(job)).Str("pipeline_id", p.ID).Msg("pipeline: regenerate failed")
		userCaused := classify.Classified{Category: classify.Category(failed[0].ErrorCategory)}.UserCaused()
		if !userCaused && p.ReservationID != "" {
			amount, err := e.ledger.Refund(ctx, p.ReservationID, "refund:"+p.ReservationID)
			if err != nil {
				e.logger.Error().Err(err).Str("pipeline_id", p.ID).Msg("pipeline: regenerate refund failed")
			} else if amount > 0 {
				p.CreditsRefunded += amount
				e.recorder.RecordCreditEvent(string(domain.CreditReasonRefund))
			}
		}
	} else if p.Status == domain.StatusFailed && len(p.Outputs.MissingAngles(p.Input.Angles)) == 0 {
		// The regenerated view was the last missing output of the failed
		// view stage; the stage is now complete.
		return e.completeStage(ctx, p, domain.StatusViewsReady)
	}

	p.NextPollAt = nil
	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	return p, nil
}

// completeStage records the stage outcome and moves the pipeline
// forward, clearing the failure and scheduling fields of the attempt.
func (e *Engine) completeStage(ctx context.Context, p *domain.Pipeline, next domain.PipelineStatus) (*domain.Pipeline, error) {
	stage := p.CurrentStage()
	if p.StageStartedAt != nil {
		e.recorder.RecordStageEnd(string(stage), "succeeded", e.now().Sub(*p.StageStartedAt))
	}
	p.Status = next
	p.Error = nil
	p.AttemptHandle = ""
	p.StageStartedAt = nil
	p.NextPollAt = nil
	p.NextRetryAt = nil
	p.UpdatedAt = e.now()
	e.recorder.RecordStatus(string(next))
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	e.logger.Info().Str("pipeline_id", p.ID).Str("status", string(next)).Str("stage", string(stage)).Msg("pipeline: stage completed")
	return p, nil
}

// persistViews downloads the generated views into blob storage and
// writes them onto the pipeline's outputs.
func (e *Engine) persistViews(ctx context.Context, p *domain.Pipeline, artifact providers.Artifact) error {
	for _, view := range artifact.Views {
		angle := view.Angle
		if angle == "" && len(artifact.Views) == 1 && len(p.Input.Angles) == 1 {
			angle = p.Input.Angles[0]
		}
		out := domain.ViewOutput{Angle: angle, URL: view.URL}
		if e.blobs != nil {
			data := view.Data
			if data == nil {
				downloaded, _, err := storage.Download(ctx, e.httpClient, view.URL)
				if err != nil {
					return fmt.Errorf("view %s: %w", angle, err)
				}
				data = downloaded
			}
			key := fmt.Sprintf("generated/views/%s/%s.png", p.ID, angle)
			saved, err := e.blobs.Write(ctx, key, data)
			if err != nil {
				return fmt.Errorf("view %s: %w", angle, err)
			}
			out.StorageKey = saved
			if e.cfg.StorageBaseURL != "" {
				out.URL = storage.PublicURL(e.cfg.StorageBaseURL, saved)
			}
		}
		p.Outputs.SetView(out)
	}
	return nil
}

// persistMesh downloads the generated mesh into blob storage and writes
// it onto the pipeline's outputs. Auxiliary files keep their vendor
// URLs; only the primary mesh is rehosted.
func (e *Engine) persistMesh(ctx context.Context, p *domain.Pipeline, artifact providers.Artifact) error {
	if artifact.MeshURL == "" {
		return fmt.Errorf("vendor returned no mesh for pipeline %s", p.ID)
	}
	format := artifact.MeshFormat
	if format == "" {
		format = "glb"
	}
	meshURL := artifact.MeshURL
	if e.blobs != nil {
		data, _, err := storage.Download(ctx, e.httpClient, artifact.MeshURL)
		if err != nil {
			return fmt.Errorf("mesh: %w", err)
		}
		key := fmt.Sprintf("generated/models/%s/model.%s", p.ID, format)
		saved, err := e.blobs.Write(ctx, key, data)
		if err != nil {
			return fmt.Errorf("mesh: %w", err)
		}
		if e.cfg.StorageBaseURL != "" {
			meshURL = storage.PublicURL(e.cfg.StorageBaseURL, saved)
		}
		if p.Outputs.ExtraFiles == nil && len(artifact.Files) > 0 {
			p.Outputs.ExtraFiles = make(map[string]string, len(artifact.Files))
		}
	}
	p.Outputs.MeshURL = meshURL
	p.Outputs.MeshFormat = format
	for name, url := range artifact.Files {
		if p.Outputs.ExtraFiles == nil {
			p.Outputs.ExtraFiles = make(map[string]string, len(artifact.Files))
		}
		p.Outputs.ExtraFiles[name] = url
	}
	return nil
}

func vendorFailure(vendor string, progress providers.Progress) error {
	if progress.Failure != nil {
		return progress.Failure
	}
	detail := progress.Detail
	if detail == "" {
		detail = "generation failed"
	}
	return &providers.VendorError{Vendor: vendor, Message: detail}
}
