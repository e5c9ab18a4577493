package pipeline

import (
	"context"
	"errors"
	"fmt"

	"server/internal/classify"
	"server/internal/domain"
	"server/internal/providers"
)

// handleFailure classifies a raw vendor or transport failure and either
// schedules an automatic retry or finishes the pipeline. While a retry
// is pending the status does not change, so observers never see a unit
// flap between states.
func (e *Engine) handleFailure(ctx context.Context, p *domain.Pipeline, rawErr error) (*domain.Pipeline, error) {
	verdict := e.classifier.Classify(rawErr)
	e.logger.Warn().
		Err(rawErr).
		Str("pipeline_id", p.ID).
		Str("category", string(verdict.Category)).
		Int("retry_count", p.RetryCount).
		Msg("pipeline: attempt failed")

	if verdict.Retryable && p.RetryCount < p.MaxRetries {
		p.RetryCount++
		delay := e.backoff(verdict.SuggestedDelay, p.RetryCount)
		at := e.now().Add(delay)
		p.NextRetryAt = &at
		p.NextPollAt = nil
		p.AttemptHandle = ""
		p.UpdatedAt = e.now()
		e.recorder.RecordRetry(vendorOf(rawErr), string(verdict.Category))
		if err := e.pipelines.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("pipeline: update: %w", err)
		}
		e.logger.Info().Str("pipeline_id", p.ID).Dur("delay", delay).Int("retry", p.RetryCount).Msg("pipeline: retry scheduled")
		return p, nil
	}

	return e.failPipeline(ctx, p, verdict)
}

// failPipeline finishes the pipeline in FAILED with the classified
// error and compensates the stage's charge unless the failure was the
// user's own doing. The refund is keyed on the reservation, so a
// repeated failure path cannot refund twice.
func (e *Engine) failPipeline(ctx context.Context, p *domain.Pipeline, verdict classify.Classified) (*domain.Pipeline, error) {
	stage := p.CurrentStage()
	if p.StageStartedAt != nil {
		e.recorder.RecordStageEnd(string(stage), "failed", e.now().Sub(*p.StageStartedAt))
	}
	p.Status = domain.StatusFailed
	p.Error = &domain.PipelineError{
		Category:    string(verdict.Category),
		Code:        verdict.Code,
		UserMessage: verdict.UserMessage,
		Retryable:   verdict.Retryable,
	}
	p.AttemptHandle = ""
	p.StageStartedAt = nil
	p.NextPollAt = nil
	p.NextRetryAt = nil
	e.recorder.RecordStatus(string(domain.StatusFailed))

	if !verdict.UserCaused() && p.ReservationID != "" {
		amount, err := e.ledger.Refund(ctx, p.ReservationID, "refund:"+p.ReservationID)
		if err != nil {
			e.logger.Error().Err(err).Str("pipeline_id", p.ID).Msg("pipeline: refund failed")
		} else if amount > 0 {
			p.CreditsRefunded += amount
			e.recorder.RecordCreditEvent(string(domain.CreditReasonRefund))
		}
	}

	p.UpdatedAt = e.now()
	if err := e.pipelines.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	e.logger.Warn().
		Str("pipeline_id", p.ID).
		Str("stage", string(stage)).
		Str("category", string(verdict.Category)).
		Bool("user_caused", verdict.UserCaused()).
		Msg("pipeline: failed")
	return p, nil
}

func vendorOf(rawErr error) string {
	var ve *providers.VendorError
	if errors.As(rawErr, &ve) {
		return ve.Vendor
	}
	return "unknown"
}
