package pipeline

import (
	"context"
	"fmt"

	"server/internal/domain"
	"server/internal/providers"
)

// Trigger names a client-requested stage advance.
type Trigger string

const (
	TriggerGenerateViews Trigger = "generate-views"
	TriggerGenerateModel Trigger = "generate-model"
)

// Advance moves the pipeline into the next paid stage. Calling it again
// while the stage is already running or past is a success no-op, so a
// client retrying a lost response cannot double-submit or double-charge.
func (e *Engine) Advance(ctx context.Context, id string, trigger Trigger) (*domain.Pipeline, error) {
	p, err := e.pipelines.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch trigger {
	case TriggerGenerateViews:
		if p.Status == domain.StatusFailed {
			return nil, fmt.Errorf("pipeline %s failed; use retry: %w", id, domain.ErrInvalidTransition)
		}
		if p.Status != domain.StatusDraft {
			return p, nil
		}
		return e.startViews(ctx, p, domain.StatusDraft)
	case TriggerGenerateModel:
		if p.Status == domain.StatusFailed {
			return nil, fmt.Errorf("pipeline %s failed; use retry: %w", id, domain.ErrInvalidTransition)
		}
		if p.Status.After(domain.StatusViewsReady) {
			return p, nil
		}
		if p.Status != domain.StatusViewsReady {
			return nil, fmt.Errorf("views are not ready on pipeline %s: %w", id, domain.ErrInvalidTransition)
		}
		return e.startModel(ctx, p, domain.StatusViewsReady)
	default:
		return nil, fmt.Errorf("unknown trigger %q: %w", trigger, domain.ErrInvalidInput)
	}
}

// startViews charges the view stage and submits the generation request,
// either as one vendor batch or as a single call. The status CAS is the
// concurrency gate: the loser of a duplicate race observes the flip and
// returns the winner's state untouched.
func (e *Engine) startViews(ctx context.Context, p *domain.Pipeline, from domain.PipelineStatus) (*domain.Pipeline, error) {
	target := domain.StatusGeneratingViews
	if p.Input.UseBatch {
		target = domain.StatusBatchQueued
	}
	flipped, err := e.pipelines.TransitionStatus(ctx, p.ID, from, target)
	if err != nil {
		return nil, fmt.Errorf("pipeline: transition: %w", err)
	}
	if !flipped {
		return e.pipelines.GetByID(ctx, p.ID)
	}
	p.Status = target
	e.recorder.RecordStatus(string(target))

	if err := e.chargeStage(ctx, p, domain.StageViews, e.cfg.ViewsCost); err != nil {
		// Nothing was submitted; put the unit back where it was so the
		// owner can top up and try again.
		_, _ = e.pipelines.TransitionStatus(ctx, p.ID, target, from)
		return nil, err
	}

	start := e.now()
	p.StageStartedAt = &start
	// The poll deadline must be durable before the vendor call: if the
	// post-submit write never lands, the worker still claims the unit
	// and recovers it through the failure path.
	e.schedulePoll(p)
	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}

	if p.Input.UseBatch {
		if _, err := e.coordinator.Start(ctx, p); err != nil {
			return e.handleFailure(ctx, p, err)
		}
	} else {
		adapter, err := e.registry.Views()
		if err != nil {
			return e.handleFailure(ctx, p, err)
		}
		handle, err := adapter.Submit(ctx, providers.Request{
			PipelineID: p.ID,
			Kind:       providers.KindViews,
			ImageURL:   p.Input.SourceImageURL,
			Angles:     p.Input.Angles,
			Quality:    p.Input.Quality,
		})
		e.recorder.RecordVendorCall(adapter.Vendor(), "submit", err)
		if err != nil {
			return e.handleFailure(ctx, p, err)
		}
		p.AttemptHandle = handle.ID
	}

	e.schedulePoll(p)
	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	e.logger.Info().Str("pipeline_id", p.ID).Str("status", string(p.Status)).Int("attempt", p.Attempt).Msg("pipeline: views submitted")
	return p, nil
}

// startModel binds a mesh vendor for this attempt, charges the stage,
// and submits the mesh request.
func (e *Engine) startModel(ctx context.Context, p *domain.Pipeline, from domain.PipelineStatus) (*domain.Pipeline, error) {
	adapter, err := e.registry.SelectMesh(p.Input.Vendor, p.Input.Quality)
	if err != nil {
		return nil, err
	}
	flipped, err := e.pipelines.TransitionStatus(ctx, p.ID, from, domain.StatusGeneratingModel)
	if err != nil {
		return nil, fmt.Errorf("pipeline: transition: %w", err)
	}
	if !flipped {
		return e.pipelines.GetByID(ctx, p.ID)
	}
	p.Status = domain.StatusGeneratingModel
	e.recorder.RecordStatus(string(domain.StatusGeneratingModel))

	if err := e.chargeStage(ctx, p, domain.StageModel, e.cfg.ModelCost); err != nil {
		_, _ = e.pipelines.TransitionStatus(ctx, p.ID, domain.StatusGeneratingModel, from)
		return nil, err
	}

	p.ProviderRef = adapter.Vendor()
	start := e.now()
	p.StageStartedAt = &start
	// Same durability rule as startViews: arm the poll deadline before
	// the submit leaves the process.
	e.schedulePoll(p)
	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	return e.submitModel(ctx, p, adapter.Vendor())
}

// submitModel fires the mesh request against the vendor already bound
// to this attempt.
func (e *Engine) submitModel(ctx context.Context, p *domain.Pipeline, vendor string) (*domain.Pipeline, error) {
	adapter, err := e.registry.ForVendor(vendor)
	if err != nil {
		return e.handleFailure(ctx, p, err)
	}
	handle, err := adapter.Submit(ctx, providers.Request{
		PipelineID: p.ID,
		Kind:       providers.KindMesh,
		ImageURL:   e.meshInputURL(p),
		Quality:    p.Input.Quality,
	})
	e.recorder.RecordVendorCall(adapter.Vendor(), "submit", err)
	if err != nil {
		return e.handleFailure(ctx, p, err)
	}
	p.AttemptHandle = handle.ID
	e.schedulePoll(p)
	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	e.logger.Info().Str("pipeline_id", p.ID).Str("vendor", vendor).Int("attempt", p.Attempt).Msg("pipeline: model submitted")
	return p, nil
}

// resubmit re-fires the stage whose automatic retry deadline elapsed.
// The status never moved, so pollers saw no regression while the unit
// waited out its backoff.
func (e *Engine) resubmit(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	p.NextRetryAt = nil
	switch p.Status {
	case domain.StatusBatchQueued, domain.StatusBatchProcessing:
		// Item-level retries live inside the batch sync; the stage-level
		// retry just polls again.
		return e.pollBatch(ctx, p)
	case domain.StatusGeneratingViews:
		adapter, err := e.registry.Views()
		if err != nil {
			return e.handleFailure(ctx, p, err)
		}
		handle, err := adapter.Submit(ctx, providers.Request{
			PipelineID: p.ID,
			Kind:       providers.KindViews,
			ImageURL:   p.Input.SourceImageURL,
			Angles:     p.Input.Angles,
			Quality:    p.Input.Quality,
		})
		e.recorder.RecordVendorCall(adapter.Vendor(), "submit", err)
		if err != nil {
			return e.handleFailure(ctx, p, err)
		}
		p.AttemptHandle = handle.ID
		e.schedulePoll(p)
		p.UpdatedAt = e.now()
		if err := e.pipelines.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("pipeline: update: %w", err)
		}
		return p, nil
	case domain.StatusGeneratingModel:
		vendor := p.ProviderRef
		if vendor == "" {
			adapter, err := e.registry.SelectMesh(p.Input.Vendor, p.Input.Quality)
			if err != nil {
				return e.handleFailure(ctx, p, err)
			}
			vendor = adapter.Vendor()
			p.ProviderRef = vendor
		}
		return e.submitModel(ctx, p, vendor)
	default:
		p.UpdatedAt = e.now()
		if err := e.pipelines.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("pipeline: update: %w", err)
		}
		return p, nil
	}
}
