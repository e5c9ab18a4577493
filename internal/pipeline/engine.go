// Package pipeline drives the photo-to-model state machine. The engine
// is stateless: every fact needed to resume an attempt lives on the
// persisted Pipeline row, so any process can pick up any unit at any
// step. Vendor calls are the only blocking operations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/batch"
	"server/internal/classify"
	"server/internal/credits"
	"server/internal/domain"
	"server/internal/metrics"
	"server/internal/providers"
	"server/internal/storage"
)

// Config carries the tunable knobs of the engine.
type Config struct {
	ViewsCost      int
	ModelCost      int
	RegenerateCost int
	MaxRetries     int
	PollInterval   time.Duration
	BackoffCap     time.Duration
	DefaultAngles  []string
	StorageBaseURL string
}

func (c *Config) applyDefaults() {
	if c.ViewsCost == 0 {
		c.ViewsCost = 1
	}
	if c.ModelCost == 0 {
		c.ModelCost = 1
	}
	if c.RegenerateCost == 0 {
		c.RegenerateCost = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if len(c.DefaultAngles) == 0 {
		c.DefaultAngles = []string{"front", "back", "left", "right"}
	}
}

var qualityTiers = map[string]bool{"draft": true, "standard": true, "high": true}

// Engine owns the pipeline lifecycle: creation, paid stage advances,
// poll-driven progress, failure handling, and the paid retry and
// regenerate actions.
type Engine struct {
	pipelines   domain.PipelineRepository
	batches     domain.BatchRepository
	ledger      *credits.Ledger
	registry    *providers.Registry
	coordinator *batch.Coordinator
	classifier  *classify.Classifier
	blobs       *storage.FileStore
	recorder    *metrics.Recorder
	httpClient  *http.Client
	logger      zerolog.Logger
	cfg         Config
	now         func() time.Time
}

// Options wires an Engine.
type Options struct {
	Pipelines   domain.PipelineRepository
	Batches     domain.BatchRepository
	Ledger      *credits.Ledger
	Registry    *providers.Registry
	Coordinator *batch.Coordinator
	Classifier  *classify.Classifier
	Blobs       *storage.FileStore
	Recorder    *metrics.Recorder
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	Config      Config
}

// NewEngine builds an Engine with defaults applied.
func NewEngine(opts Options) *Engine {
	cfg := opts.Config
	cfg.applyDefaults()
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = classify.New()
	}
	return &Engine{
		pipelines:   opts.Pipelines,
		batches:     opts.Batches,
		ledger:      opts.Ledger,
		registry:    opts.Registry,
		coordinator: opts.Coordinator,
		classifier:  classifier,
		blobs:       opts.Blobs,
		recorder:    opts.Recorder,
		httpClient:  httpClient,
		logger:      opts.Logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// WithClock overrides the clock; used in tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateParams is the validated input for a new pipeline.
type CreateParams struct {
	OwnerID        string
	SourceImageKey string
	SourceImageURL string
	Angles         []string
	Vendor         string
	Quality        string
	UseBatch       bool
}

// Create registers a new pipeline in DRAFT. Nothing is charged and no
// vendor is contacted until the first advance.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*domain.Pipeline, error) {
	ownerID := strings.TrimSpace(params.OwnerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner is required: %w", domain.ErrInvalidInput)
	}
	imageKey := strings.TrimSpace(params.SourceImageKey)
	imageURL := strings.TrimSpace(params.SourceImageURL)
	if imageKey == "" && imageURL == "" {
		return nil, fmt.Errorf("source image is required: %w", domain.ErrInvalidInput)
	}
	if imageURL == "" {
		imageURL = storage.PublicURL(e.cfg.StorageBaseURL, imageKey)
	}
	quality := strings.ToLower(strings.TrimSpace(params.Quality))
	if quality == "" {
		quality = "standard"
	}
	if !qualityTiers[quality] {
		return nil, fmt.Errorf("unknown quality tier %q: %w", params.Quality, domain.ErrInvalidInput)
	}
	angles := normalizeAngles(params.Angles)
	if len(angles) == 0 {
		angles = append([]string(nil), e.cfg.DefaultAngles...)
	}
	if len(angles) > 8 {
		return nil, fmt.Errorf("at most 8 angles per pipeline: %w", domain.ErrInvalidInput)
	}
	vendor := strings.TrimSpace(params.Vendor)
	if vendor != "" {
		if _, err := e.registry.ForVendor(vendor); err != nil {
			return nil, err
		}
	}

	now := e.now()
	p := &domain.Pipeline{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Status:  domain.StatusDraft,
		Input: domain.PipelineInput{
			SourceImageKey: imageKey,
			SourceImageURL: imageURL,
			Angles:         angles,
			Vendor:         vendor,
			Quality:        quality,
			UseBatch:       params.UseBatch,
		},
		Attempt:    1,
		MaxRetries: e.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.pipelines.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: create: %w", err)
	}
	e.recorder.RecordStatus(string(domain.StatusDraft))
	e.logger.Info().Str("pipeline_id", p.ID).Str("owner_id", ownerID).Str("quality", quality).Bool("batch", params.UseBatch).Msg("pipeline: created")
	return p, nil
}

// Get loads one pipeline.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Pipeline, error) {
	return e.pipelines.GetByID(ctx, id)
}

// GetForOwner loads one pipeline and hides other owners' units behind
// not-found.
func (e *Engine) GetForOwner(ctx context.Context, id, ownerID string) (*domain.Pipeline, error) {
	p, err := e.pipelines.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

// ListForOwner lists the owner's most recent pipelines.
func (e *Engine) ListForOwner(ctx context.Context, ownerID string, limit int) ([]domain.Pipeline, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.pipelines.ListByOwner(ctx, ownerID, limit)
}

// PollDue claims one pipeline whose poll or retry deadline has passed
// and drives it one step. It reports whether a unit was claimed.
func (e *Engine) PollDue(ctx context.Context, lease time.Duration) (bool, error) {
	p, err := e.pipelines.ClaimDue(ctx, e.now(), lease)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if p == nil {
		return false, nil
	}
	if _, err := e.Poll(ctx, p.ID); err != nil {
		return true, err
	}
	return true, nil
}

// chargeStage reserves and charges the stage cost exactly once per
// attempt. The deterministic tx key makes concurrent duplicate advances
// collapse into a single ledger entry; the paid check keys on the
// stage's own charge entries, so regenerate charges and other paid
// actions never mask a stage that still needs billing.
func (e *Engine) chargeStage(ctx context.Context, p *domain.Pipeline, stage domain.Stage, cost int) error {
	if cost <= 0 {
		return nil
	}
	paid, err := e.ledger.Paid(ctx, p.ID, fmt.Sprintf("charge:%s:%s:", p.ID, stage))
	if err != nil {
		return fmt.Errorf("credits: sum stage charges: %w", err)
	}
	if paid >= cost {
		return nil
	}
	reservationID, err := e.ledger.Reserve(ctx, p.OwnerID, p.ID, cost)
	if err != nil {
		return err
	}
	txKey := fmt.Sprintf("charge:%s:%s:%d", p.ID, stage, p.Attempt)
	charged, err := e.ledger.Charge(ctx, reservationID, txKey)
	if err != nil {
		return err
	}
	if !charged {
		// A concurrent call already paid for this attempt's stage.
		return nil
	}
	p.ReservationID = reservationID
	p.CreditsReserved += cost
	p.CreditsCharged += cost
	e.recorder.RecordCreditEvent(string(domain.CreditReasonCharge))
	return nil
}

// chargeRegenerate bills one regenerate action. Each invocation is a
// distinct paid action, so the tx key is derived from the reservation
// rather than from the attempt counter.
func (e *Engine) chargeRegenerate(ctx context.Context, p *domain.Pipeline, target string) error {
	cost := e.cfg.RegenerateCost
	if cost <= 0 {
		return nil
	}
	reservationID, err := e.ledger.Reserve(ctx, p.OwnerID, p.ID, cost)
	if err != nil {
		return err
	}
	txKey := fmt.Sprintf("regen:%s:%s:%s", p.ID, target, reservationID)
	if _, err := e.ledger.Charge(ctx, reservationID, txKey); err != nil {
		return err
	}
	p.ReservationID = reservationID
	p.CreditsReserved += cost
	p.CreditsCharged += cost
	e.recorder.RecordCreditEvent(string(domain.CreditReasonCharge))
	return nil
}

// schedulePoll arms the poll deadline one interval out.
func (e *Engine) schedulePoll(p *domain.Pipeline) {
	at := e.now().Add(e.cfg.PollInterval)
	p.NextPollAt = &at
	p.NextRetryAt = nil
}

// backoff doubles the classifier's base delay per retry, capped.
func (e *Engine) backoff(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if delay > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return delay
}

// meshInputURL picks the image the mesh stage consumes: the front view
// when available, otherwise any view, otherwise the source photo.
func (e *Engine) meshInputURL(p *domain.Pipeline) string {
	if view, ok := p.Outputs.View("front"); ok {
		return e.viewURL(view)
	}
	if len(p.Outputs.Views) > 0 {
		return e.viewURL(p.Outputs.Views[0])
	}
	return p.Input.SourceImageURL
}

func (e *Engine) viewURL(view domain.ViewOutput) string {
	if view.StorageKey != "" && e.cfg.StorageBaseURL != "" {
		return storage.PublicURL(e.cfg.StorageBaseURL, view.StorageKey)
	}
	return view.URL
}

func normalizeAngles(raw []string) []string {
	var angles []string
	seen := make(map[string]bool)
	for _, angle := range raw {
		angle = strings.ToLower(strings.TrimSpace(angle))
		if angle == "" || seen[angle] {
			continue
		}
		seen[angle] = true
		angles = append(angles, angle)
	}
	return angles
}
