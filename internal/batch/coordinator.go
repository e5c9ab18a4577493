package batch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"server/internal/classify"
	"server/internal/domain"
	"server/internal/providers"
	"server/internal/storage"
)

// Coordinator drives vendor-side batch jobs: several view-generation
// requests submitted and polled as one unit. Items succeed and fail
// independently; partial results are persisted as they arrive so
// clients see views appear one at a time. Failed items are retried
// individually through the single-request path rather than by
// resubmitting the whole batch.
type Coordinator struct {
	batches    domain.BatchRepository
	views      providers.Adapter
	submitter  providers.BatchSubmitter
	classifier *classify.Classifier
	blobs      *storage.FileStore
	httpClient *http.Client
	logger     zerolog.Logger

	maxItemRetries int
	now            func() time.Time
}

// Options wires a Coordinator.
type Options struct {
	Batches        domain.BatchRepository
	Views          providers.Adapter
	Submitter      providers.BatchSubmitter
	Classifier     *classify.Classifier
	Blobs          *storage.FileStore
	HTTPClient     *http.Client
	Logger         zerolog.Logger
	MaxItemRetries int
}

// NewCoordinator builds a Coordinator with sane defaults.
func NewCoordinator(opts Options) *Coordinator {
	maxRetries := opts.MaxItemRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Coordinator{
		batches:        opts.Batches,
		views:          opts.Views,
		submitter:      opts.Submitter,
		classifier:     opts.Classifier,
		blobs:          opts.Blobs,
		httpClient:     httpClient,
		logger:         opts.Logger,
		maxItemRetries: maxRetries,
		now:            time.Now,
	}
}

// WithClock overrides the clock; used in tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Start submits one batch covering every requested angle and persists
// the resulting BatchJob.
func (c *Coordinator) Start(ctx context.Context, p *domain.Pipeline) (*domain.BatchJob, error) {
	reqs := make([]providers.Request, 0, len(p.Input.Angles))
	for _, angle := range p.Input.Angles {
		reqs = append(reqs, providers.Request{
			PipelineID: p.ID,
			Kind:       providers.KindViews,
			ImageURL:   p.Input.SourceImageURL,
			Angles:     []string{angle},
			Quality:    p.Input.Quality,
		})
	}
	handle, err := c.submitter.SubmitBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	job := &domain.BatchJob{
		ID:          uuid.NewString(),
		PipelineID:  p.ID,
		Kind:        domain.BatchKindViews,
		VendorJobID: handle.ID,
		CreatedAt:   c.now(),
		UpdatedAt:   c.now(),
	}
	for _, angle := range p.Input.Angles {
		job.Items = append(job.Items, domain.BatchItem{Angle: angle, Status: domain.BatchItemPending})
	}
	if err := c.batches.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("batch: persist job: %w", err)
	}
	c.logger.Info().Str("pipeline_id", p.ID).Str("vendor_job_id", handle.ID).Int("items", len(job.Items)).Msg("batch: submitted")
	return job, nil
}

// StartSingle submits one angle as a standalone request, tracked as a
// single-item batch. Used by the paid regenerate action.
func (c *Coordinator) StartSingle(ctx context.Context, p *domain.Pipeline, angle string) (*domain.BatchJob, error) {
	handle, err := c.views.Submit(ctx, providers.Request{
		PipelineID: p.ID,
		Kind:       providers.KindViews,
		ImageURL:   p.Input.SourceImageURL,
		Angles:     []string{angle},
		Quality:    p.Input.Quality,
	})
	if err != nil {
		return nil, err
	}
	job := &domain.BatchJob{
		ID:         uuid.NewString(),
		PipelineID: p.ID,
		Kind:       domain.BatchKindRegenerate,
		Items: []domain.BatchItem{{
			Angle:       angle,
			Status:      domain.BatchItemPending,
			RetryHandle: handle.ID,
		}},
		CreatedAt: c.now(),
		UpdatedAt: c.now(),
	}
	if err := c.batches.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("batch: persist job: %w", err)
	}
	return job, nil
}

// Sync polls the vendor once and folds the observations into the job.
// The terminal-item count is monotonic: items already terminal are
// never revisited, so an out-of-order or stale vendor response cannot
// regress a previously succeeded item to pending.
func (c *Coordinator) Sync(ctx context.Context, p *domain.Pipeline, job *domain.BatchJob) (bool, error) {
	var statuses []providers.BatchItemStatus
	if job.VendorJobID != "" && c.hasBatchPendingItems(job) {
		var err error
		statuses, err = c.submitter.PollBatch(ctx, providers.Handle{Vendor: c.views.Vendor(), ID: job.VendorJobID})
		if err != nil {
			return false, err
		}
	}

	changed := false
	for i := range job.Items {
		item := &job.Items[i]
		if item.Status.Terminal() {
			continue
		}
		observed, ok := c.observe(ctx, item, i, statuses)
		if !ok {
			continue
		}
		switch observed.State {
		case providers.StateSucceeded:
			item.Status = domain.BatchItemSucceeded
			item.ResultURL = observed.URL
			changed = true
		case providers.StateFailed:
			c.handleItemFailure(ctx, p, item, observed.Failure)
			changed = true
		}
	}

	if changed {
		if err := c.persistSucceededViews(ctx, job); err != nil {
			c.logger.Warn().Err(err).Str("batch_id", job.ID).Msg("batch: persist views failed")
		}
		job.UpdatedAt = c.now()
		if err := c.batches.Update(ctx, job); err != nil {
			return false, fmt.Errorf("batch: update job: %w", err)
		}
	}
	return changed, nil
}

// observe resolves the current vendor state of one item, either from
// the batch poll or, for individually retried items, from a direct
// single-request poll.
func (c *Coordinator) observe(ctx context.Context, item *domain.BatchItem, index int, statuses []providers.BatchItemStatus) (providers.BatchItemStatus, bool) {
	if item.RetryHandle != "" {
		progress, err := c.views.Poll(ctx, providers.Handle{Vendor: c.views.Vendor(), ID: item.RetryHandle})
		if err != nil {
			c.logger.Warn().Err(err).Str("angle", item.Angle).Msg("batch: item poll failed")
			return providers.BatchItemStatus{}, false
		}
		observed := providers.BatchItemStatus{Index: index, State: progress.State, Failure: progress.Failure}
		if progress.State == providers.StateSucceeded {
			observed.URL = c.fetchSingleViewURL(ctx, item)
		}
		return observed, true
	}
	for _, s := range statuses {
		if s.Index == index {
			return s, true
		}
	}
	return providers.BatchItemStatus{}, false
}

func (c *Coordinator) fetchSingleViewURL(ctx context.Context, item *domain.BatchItem) string {
	artifact, err := c.views.Fetch(ctx, providers.Handle{Vendor: c.views.Vendor(), ID: item.RetryHandle})
	if err != nil {
		c.logger.Warn().Err(err).Str("angle", item.Angle).Msg("batch: item fetch failed")
		return ""
	}
	for _, view := range artifact.Views {
		if view.Angle == item.Angle || view.Angle == "" {
			return view.URL
		}
	}
	return ""
}

// handleItemFailure retries a transient item failure through the
// single-request path, bounded by the per-item cap; everything else
// marks the item permanently failed.
func (c *Coordinator) handleItemFailure(ctx context.Context, p *domain.Pipeline, item *domain.BatchItem, failure *providers.VendorError) {
	var rawErr error
	if failure != nil {
		rawErr = failure
	} else {
		rawErr = fmt.Errorf("batch item %s failed", item.Angle)
	}
	verdict := c.classifier.Classify(rawErr)
	if verdict.Retryable && item.RetryCount < c.maxItemRetries {
		item.RetryCount++
		handle, err := c.views.Submit(ctx, providers.Request{
			PipelineID: p.ID,
			Kind:       providers.KindViews,
			ImageURL:   p.Input.SourceImageURL,
			Angles:     []string{item.Angle},
			Quality:    p.Input.Quality,
		})
		if err == nil {
			item.RetryHandle = handle.ID
			c.logger.Info().Str("angle", item.Angle).Int("retry", item.RetryCount).Msg("batch: item resubmitted")
			return
		}
		c.logger.Warn().Err(err).Str("angle", item.Angle).Msg("batch: item resubmit failed")
	}
	item.Status = domain.BatchItemFailed
	item.ErrorMessage = verdict.UserMessage
	item.ErrorCategory = string(verdict.Category)
}

// persistSucceededViews downloads newly succeeded views into blob
// storage concurrently. Sibling items have no ordering guarantee.
func (c *Coordinator) persistSucceededViews(ctx context.Context, job *domain.BatchJob) error {
	if c.blobs == nil {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i := range job.Items {
		item := &job.Items[i]
		if item.Status != domain.BatchItemSucceeded || item.StorageKey != "" || item.ResultURL == "" {
			continue
		}
		group.Go(func() error {
			data, _, err := storage.Download(groupCtx, c.httpClient, item.ResultURL)
			if err != nil {
				return fmt.Errorf("view %s: %w", item.Angle, err)
			}
			key := fmt.Sprintf("generated/views/%s/%s.png", job.PipelineID, item.Angle)
			saved, err := c.blobs.Write(groupCtx, key, data)
			if err != nil {
				return fmt.Errorf("view %s: %w", item.Angle, err)
			}
			item.StorageKey = saved
			return nil
		})
	}
	return group.Wait()
}

// AggregateError folds the permanently failed items of a terminal batch
// into one error, preserving each item's message.
func (c *Coordinator) AggregateError(job *domain.BatchJob) error {
	var result *multierror.Error
	for _, item := range job.FailedItems() {
		result = multierror.Append(result, fmt.Errorf("angle %s: %s", item.Angle, item.ErrorMessage))
	}
	return result.ErrorOrNil()
}

func (c *Coordinator) hasBatchPendingItems(job *domain.BatchJob) bool {
	for _, item := range job.Items {
		if !item.Status.Terminal() && item.RetryHandle == "" {
			return true
		}
	}
	return false
}
