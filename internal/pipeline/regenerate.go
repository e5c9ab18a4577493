package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"server/internal/domain"
)

// TargetModel regenerates the mesh instead of a single view.
const TargetModel = "model"

// Retry re-enters the failed stage as a fresh attempt. The attempt
// counter bumps so the new charge carries its own tx key; a vendor
// override rebinds the mesh adapter for the new attempt only.
func (e *Engine) Retry(ctx context.Context, id, vendor string) (*domain.Pipeline, error) {
	p, err := e.pipelines.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusFailed {
		if p.InFlight() {
			return p, nil
		}
		return nil, fmt.Errorf("pipeline %s is %s: %w", id, p.Status, domain.ErrInvalidTransition)
	}

	stage := p.FailedStage()
	vendor = strings.TrimSpace(vendor)
	if vendor != "" {
		if stage != domain.StageModel {
			return nil, fmt.Errorf("vendor override only applies to model generation: %w", domain.ErrInvalidInput)
		}
		if _, err := e.registry.ForVendor(vendor); err != nil {
			return nil, err
		}
		p.Input.Vendor = vendor
	}

	p.Attempt++
	p.RetryCount = 0
	p.Error = nil
	p.ProviderRef = ""
	p.UpdatedAt = e.now()
	// Persist the attempt bump first so the new charge key is durable
	// before any money moves.
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	e.logger.Info().Str("pipeline_id", p.ID).Str("stage", string(stage)).Int("attempt", p.Attempt).Msg("pipeline: manual retry")

	if stage == domain.StageViews {
		return e.startViews(ctx, p, domain.StatusFailed)
	}
	return e.startModel(ctx, p, domain.StatusFailed)
}

// Regenerate redoes exactly one output as a separately paid action: one
// view angle, or the mesh. A view regenerate leaves the overall status
// alone unless it fills the last missing output of a failed view stage,
// in which case the stage completes normally.
func (e *Engine) Regenerate(ctx context.Context, id, target string) (*domain.Pipeline, error) {
	p, err := e.pipelines.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return nil, fmt.Errorf("regenerate target is required: %w", domain.ErrInvalidInput)
	}
	if target == TargetModel {
		return e.regenerateModel(ctx, p)
	}
	return e.regenerateView(ctx, p, target)
}

func (e *Engine) regenerateModel(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	if p.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("model can only be regenerated on a completed pipeline: %w", domain.ErrInvalidTransition)
	}
	adapter, err := e.registry.SelectMesh(p.Input.Vendor, p.Input.Quality)
	if err != nil {
		return nil, err
	}
	flipped, err := e.pipelines.TransitionStatus(ctx, p.ID, domain.StatusCompleted, domain.StatusGeneratingModel)
	if err != nil {
		return nil, fmt.Errorf("pipeline: transition: %w", err)
	}
	if !flipped {
		return e.pipelines.GetByID(ctx, p.ID)
	}
	p.Status = domain.StatusGeneratingModel
	e.recorder.RecordStatus(string(domain.StatusGeneratingModel))

	if err := e.chargeRegenerate(ctx, p, TargetModel); err != nil {
		_, _ = e.pipelines.TransitionStatus(ctx, p.ID, domain.StatusGeneratingModel, domain.StatusCompleted)
		return nil, err
	}

	p.Attempt++
	p.RetryCount = 0
	p.ProviderRef = adapter.Vendor()
	start := e.now()
	p.StageStartedAt = &start
	e.schedulePoll(p)
	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	e.logger.Info().Str("pipeline_id", p.ID).Str("vendor", adapter.Vendor()).Msg("pipeline: model regenerate")
	return e.submitModel(ctx, p, adapter.Vendor())
}

func (e *Engine) regenerateView(ctx context.Context, p *domain.Pipeline, angle string) (*domain.Pipeline, error) {
	if !containsAngle(p.Input.Angles, angle) {
		return nil, fmt.Errorf("angle %q is not part of this pipeline: %w", angle, domain.ErrInvalidInput)
	}
	switch p.Status {
	case domain.StatusViewsReady, domain.StatusCompleted, domain.StatusFailed:
	default:
		return nil, fmt.Errorf("pipeline %s is busy (%s): %w", p.ID, p.Status, domain.ErrInvalidTransition)
	}
	if job, err := e.batches.GetActiveByPipeline(ctx, p.ID); err == nil && job != nil {
		return nil, fmt.Errorf("a regenerate is already in flight for pipeline %s: %w", p.ID, domain.ErrDuplicateOperation)
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if err := e.chargeRegenerate(ctx, p, angle); err != nil {
		return nil, err
	}

	if _, err := e.coordinator.StartSingle(ctx, p, angle); err != nil {
		verdict := e.classifier.Classify(err)
		if !verdict.UserCaused() && p.ReservationID != "" {
			if amount, refundErr := e.ledger.Refund(ctx, p.ReservationID, "refund:"+p.ReservationID); refundErr == nil && amount > 0 {
				p.CreditsRefunded += amount
				e.recorder.RecordCreditEvent(string(domain.CreditReasonRefund))
				p.UpdatedAt = e.now()
				_ = e.pipelines.Update(ctx, p)
			}
		}
		return nil, err
	}

	e.schedulePoll(p)
	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	e.logger.Info().Str("pipeline_id", p.ID).Str("angle", angle).Msg("pipeline: view regenerate")
	return p, nil
}

func containsAngle(angles []string, want string) bool {
	for _, angle := range angles {
		if angle == want {
			return true
		}
	}
	return false
}
