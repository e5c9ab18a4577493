package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/batch"
	"server/internal/classify"
	"server/internal/credits"
	"server/internal/domain"
	"server/internal/pipeline"
	"server/internal/providers"
)

// fakeClock is a manually advanced time source shared by the engine,
// the ledger, and the coordinator.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memPipelines is an in-memory PipelineRepository with the same CAS
// semantics as the SQL implementation.
type memPipelines struct {
	mu    sync.Mutex
	items map[string]*domain.Pipeline
	// updateHook, when set, intercepts Update; returning true swallows
	// the write, simulating a persist lost to a crash.
	updateHook func(p *domain.Pipeline) bool
}

func newMemPipelines() *memPipelines {
	return &memPipelines{items: map[string]*domain.Pipeline{}}
}

func clonePipeline(p *domain.Pipeline) *domain.Pipeline {
	clone := *p
	clone.Input.Angles = append([]string(nil), p.Input.Angles...)
	clone.Outputs.Views = append([]domain.ViewOutput(nil), p.Outputs.Views...)
	return &clone
}

func (r *memPipelines) Create(ctx context.Context, p *domain.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[p.ID] = clonePipeline(p)
	return nil
}

func (r *memPipelines) GetByID(ctx context.Context, id string) (*domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePipeline(p), nil
}

func (r *memPipelines) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Pipeline
	for _, p := range r.items {
		if p.OwnerID == ownerID {
			out = append(out, *clonePipeline(p))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memPipelines) Update(ctx context.Context, p *domain.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[p.ID]; !ok {
		return domain.ErrNotFound
	}
	if r.updateHook != nil && r.updateHook(p) {
		return nil
	}
	r.items[p.ID] = clonePipeline(p)
	return nil
}

func (r *memPipelines) TransitionStatus(ctx context.Context, id string, from, to domain.PipelineStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (r *memPipelines) ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.items {
		due := (p.NextPollAt != nil && !p.NextPollAt.After(now)) ||
			(p.NextRetryAt != nil && !p.NextRetryAt.After(now))
		if !due {
			continue
		}
		leased := now.Add(lease)
		p.NextPollAt = &leased
		return clonePipeline(p), nil
	}
	return nil, nil
}

// memBatches mirrors the SQL repository: a job is active while it still
// has pending items.
type memBatches struct {
	mu    sync.Mutex
	items map[string]*domain.BatchJob
}

func newMemBatches() *memBatches {
	return &memBatches{items: map[string]*domain.BatchJob{}}
}

func cloneBatch(b *domain.BatchJob) *domain.BatchJob {
	clone := *b
	clone.Items = append([]domain.BatchItem(nil), b.Items...)
	return &clone
}

func (r *memBatches) Create(ctx context.Context, b *domain.BatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[b.ID] = cloneBatch(b)
	return nil
}

func (r *memBatches) GetByID(ctx context.Context, id string) (*domain.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (r *memBatches) GetActiveByPipeline(ctx context.Context, pipelineID string) (*domain.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.BatchJob
	for _, b := range r.items {
		if b.PipelineID != pipelineID || b.Terminal() {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return cloneBatch(latest), nil
}

func (r *memBatches) Update(ctx context.Context, b *domain.BatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[b.ID]; !ok {
		return domain.ErrNotFound
	}
	r.items[b.ID] = cloneBatch(b)
	return nil
}

// fakeAdapter scripts vendor behavior. Submit errors and poll states are
// consumed in order; when a script runs out the last element repeats.
type fakeAdapter struct {
	mu     sync.Mutex
	vendor string

	submitErrs []error
	submits    int

	pollScript []providers.Progress
	pollIndex  int
	polls      int

	artifact providers.Artifact
	fetchErr error

	batchScript  [][]providers.BatchItemStatus
	batchIndex   int
	batchSubmits int
}

func (f *fakeAdapter) Vendor() string { return f.vendor }

func (f *fakeAdapter) Submit(ctx context.Context, req providers.Request) (providers.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return providers.Handle{}, err
		}
	}
	return providers.Handle{Vendor: f.vendor, ID: fmt.Sprintf("job-%d", f.submits)}, nil
}

func (f *fakeAdapter) Poll(ctx context.Context, h providers.Handle) (providers.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.pollScript) == 0 {
		return providers.Progress{State: providers.StateSucceeded, Percent: 100}, nil
	}
	progress := f.pollScript[f.pollIndex]
	if f.pollIndex < len(f.pollScript)-1 {
		f.pollIndex++
	}
	return progress, nil
}

func (f *fakeAdapter) Fetch(ctx context.Context, h providers.Handle) (providers.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return providers.Artifact{}, f.fetchErr
	}
	return f.artifact, nil
}

func (f *fakeAdapter) SubmitBatch(ctx context.Context, reqs []providers.Request) (providers.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchSubmits++
	return providers.Handle{Vendor: f.vendor, ID: fmt.Sprintf("batch-%d", f.batchSubmits)}, nil
}

func (f *fakeAdapter) PollBatch(ctx context.Context, h providers.Handle) ([]providers.BatchItemStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batchScript) == 0 {
		return nil, nil
	}
	statuses := f.batchScript[f.batchIndex]
	if f.batchIndex < len(f.batchScript)-1 {
		f.batchIndex++
	}
	return statuses, nil
}

func (f *fakeAdapter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type env struct {
	clock     *fakeClock
	pipelines *memPipelines
	batches   *memBatches
	store     *credits.MemoryStore
	ledger    *credits.Ledger
	views     *fakeAdapter
	mesh      *fakeAdapter
	engine    *pipeline.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := newFakeClock()
	store := credits.NewMemoryStore()
	ledger := credits.NewLedger(store, zerolog.Nop()).WithClock(clock.Now)
	views := &fakeAdapter{vendor: "stability"}
	mesh := &fakeAdapter{vendor: "tripo"}

	registry := providers.NewRegistry("stability", "tripo")
	registry.Register(views)
	registry.Register(mesh)

	pipelines := newMemPipelines()
	batches := newMemBatches()
	coordinator := batch.NewCoordinator(batch.Options{
		Batches:    batches,
		Views:      views,
		Submitter:  views,
		Classifier: classify.New(),
		Logger:     zerolog.Nop(),
	}).WithClock(clock.Now)

	engine := pipeline.NewEngine(pipeline.Options{
		Pipelines:   pipelines,
		Batches:     batches,
		Ledger:      ledger,
		Registry:    registry,
		Coordinator: coordinator,
		Classifier:  classify.New(),
		Logger:      zerolog.Nop(),
	}).WithClock(clock.Now)

	return &env{
		clock:     clock,
		pipelines: pipelines,
		batches:   batches,
		store:     store,
		ledger:    ledger,
		views:     views,
		mesh:      mesh,
		engine:    engine,
	}
}

func (e *env) grant(t *testing.T, userID string, amount int) {
	t.Helper()
	if err := e.ledger.Grant(context.Background(), userID, amount, "grant:"+uuid.NewString()); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func (e *env) create(t *testing.T, owner string) *domain.Pipeline {
	t.Helper()
	p, err := e.engine.Create(context.Background(), pipeline.CreateParams{
		OwnerID:        owner,
		SourceImageKey: "uploads/" + owner + "/photo.png",
		SourceImageURL: "https://cdn.example.test/photo.png",
	})
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	return p
}

func (e *env) balance(t *testing.T, userID string) int {
	t.Helper()
	balance, err := e.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func (e *env) countTx(reason domain.CreditReason) int {
	n := 0
	for _, tx := range e.store.Transactions() {
		if tx.Reason == reason {
			n++
		}
	}
	return n
}

func viewsArtifact(angles ...string) providers.Artifact {
	artifact := providers.Artifact{}
	for _, angle := range angles {
		artifact.Views = append(artifact.Views, providers.ViewArtifact{
			Angle: angle,
			URL:   "https://vendor.example.test/views/" + angle + ".png",
		})
	}
	return artifact
}

func TestHappyPathDraftToCompleted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 10)
	e.views.artifact = viewsArtifact("front", "back", "left", "right")
	e.mesh.artifact = providers.Artifact{MeshURL: "https://vendor.example.test/model.glb", MeshFormat: "glb"}

	p := e.create(t, "user-1")
	if p.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want DRAFT", p.Status)
	}
	if got := e.balance(t, "user-1"); got != 10 {
		t.Fatalf("balance after create = %d, want 10 (nothing charged before advance)", got)
	}

	p, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews)
	if err != nil {
		t.Fatalf("advance views: %v", err)
	}
	if p.Status != domain.StatusGeneratingViews {
		t.Fatalf("status = %s, want GENERATING_VIEWS", p.Status)
	}
	if p.CreditsCharged != 1 {
		t.Fatalf("charged = %d, want 1", p.CreditsCharged)
	}

	e.clock.Advance(6 * time.Second)
	p, err = e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("poll views: %v", err)
	}
	if p.Status != domain.StatusViewsReady {
		t.Fatalf("status = %s, want VIEWS_READY", p.Status)
	}
	if len(p.Outputs.Views) != 4 {
		t.Fatalf("views = %d, want 4", len(p.Outputs.Views))
	}
	if p.NextPollAt != nil || p.AttemptHandle != "" {
		t.Fatalf("expected poll deadline and handle cleared at stage end")
	}

	p, err = e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateModel)
	if err != nil {
		t.Fatalf("advance model: %v", err)
	}
	if p.Status != domain.StatusGeneratingModel {
		t.Fatalf("status = %s, want GENERATING_MODEL", p.Status)
	}
	if p.ProviderRef != "tripo" {
		t.Fatalf("vendor = %q, want tripo", p.ProviderRef)
	}
	if p.CreditsCharged != 2 {
		t.Fatalf("charged = %d, want 2", p.CreditsCharged)
	}

	e.clock.Advance(6 * time.Second)
	p, err = e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("poll model: %v", err)
	}
	if p.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", p.Status)
	}
	if p.Outputs.MeshURL == "" || p.Outputs.MeshFormat != "glb" {
		t.Fatalf("mesh output missing: %+v", p.Outputs)
	}
	if got := e.balance(t, "user-1"); got != 8 {
		t.Fatalf("balance = %d, want 8", got)
	}
}

func TestDuplicateAdvanceChargesAndSubmitsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	p := e.create(t, "user-1")

	if _, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	again, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews)
	if err != nil {
		t.Fatalf("duplicate advance: %v", err)
	}
	if again.Status != domain.StatusGeneratingViews {
		t.Fatalf("status = %s, want GENERATING_VIEWS", again.Status)
	}
	if got := e.views.submitCount(); got != 1 {
		t.Fatalf("vendor submits = %d, want 1", got)
	}
	if got := e.countTx(domain.CreditReasonCharge); got != 1 {
		t.Fatalf("charge entries = %d, want 1", got)
	}
}

func TestConcurrentAdvanceChargesOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	p := e.create(t, "user-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews)
		}()
	}
	wg.Wait()

	if got := e.views.submitCount(); got != 1 {
		t.Fatalf("vendor submits = %d, want 1", got)
	}
	if got := e.countTx(domain.CreditReasonCharge); got != 1 {
		t.Fatalf("charge entries = %d, want 1", got)
	}
	if got := e.balance(t, "user-1"); got != 4 {
		t.Fatalf("balance = %d, want 4", got)
	}
}

func TestInsufficientCreditsLeavesDraft(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.create(t, "user-1")

	_, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	reloaded, err := e.pipelines.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want DRAFT after failed charge", reloaded.Status)
	}
	if got := e.views.submitCount(); got != 0 {
		t.Fatalf("vendor submits = %d, want 0", got)
	}
}

func TestAdvanceModelRequiresViewsReady(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	p := e.create(t, "user-1")

	_, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateModel)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	e.views.submitErrs = []error{
		errors.New("post multi-view: connection refused"),
		errors.New("post multi-view: connection reset by peer"),
	}
	e.views.artifact = viewsArtifact("front", "back", "left", "right")
	p := e.create(t, "user-1")

	p, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if p.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", p.RetryCount)
	}
	if p.Status != domain.StatusGeneratingViews {
		t.Fatalf("status = %s, want GENERATING_VIEWS while retry pending", p.Status)
	}
	if p.NextRetryAt == nil {
		t.Fatal("expected retry deadline armed")
	}

	// Second submit fails too.
	e.clock.Advance(time.Minute)
	p, err = e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("poll after first retry: %v", err)
	}
	if p.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", p.RetryCount)
	}

	// Third submit goes through, then the attempt completes.
	e.clock.Advance(time.Minute)
	if _, err = e.engine.Poll(ctx, p.ID); err != nil {
		t.Fatalf("poll resubmit: %v", err)
	}
	e.clock.Advance(time.Minute)
	p, err = e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if p.Status != domain.StatusViewsReady {
		t.Fatalf("status = %s, want VIEWS_READY", p.Status)
	}
	if p.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2 preserved on success", p.RetryCount)
	}
	if got := e.countTx(domain.CreditReasonCharge); got != 1 {
		t.Fatalf("charge entries = %d, want 1 across retries", got)
	}
}

func TestRetryBoundThenFailureRefundsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	e.views.pollScript = []providers.Progress{{
		State:   providers.StateFailed,
		Failure: &providers.VendorError{Vendor: "stability", StatusCode: 503, Message: "service unavailable"},
	}}
	p := e.create(t, "user-1")

	if _, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// Each cycle is one failed poll followed by one resubmission, until
	// the retry budget runs out.
	var latest *domain.Pipeline
	for i := 0; i < 10; i++ {
		e.clock.Advance(2 * time.Minute)
		reloaded, err := e.engine.Poll(ctx, p.ID)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		latest = reloaded
		if latest.Status == domain.StatusFailed {
			break
		}
	}

	if latest.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED after exhausting retries", latest.Status)
	}
	if latest.RetryCount != latest.MaxRetries {
		t.Fatalf("retry count = %d, want %d", latest.RetryCount, latest.MaxRetries)
	}
	if latest.Error == nil || !latest.Error.Retryable {
		t.Fatalf("expected a retryable classified error, got %+v", latest.Error)
	}
	// Initial submit plus one per automatic retry.
	if got := e.views.submitCount(); got != 1+latest.MaxRetries {
		t.Fatalf("vendor submits = %d, want %d", got, 1+latest.MaxRetries)
	}
	if latest.CreditsRefunded != 1 {
		t.Fatalf("refunded = %d, want 1", latest.CreditsRefunded)
	}
	if got := e.balance(t, "user-1"); got != 5 {
		t.Fatalf("balance = %d, want 5 after refund", got)
	}

	// Polling the failed unit again must not produce a second refund.
	e.clock.Advance(time.Minute)
	if _, err := e.engine.Poll(ctx, p.ID); err != nil {
		t.Fatalf("poll failed unit: %v", err)
	}
	if got := e.countTx(domain.CreditReasonRefund); got != 1 {
		t.Fatalf("refund entries = %d, want 1", got)
	}
}

func TestSafetyRejectionFailsWithoutRefund(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	e.views.submitErrs = []error{
		&providers.VendorError{Vendor: "stability", StatusCode: 451, Message: "image rejected by content policy"},
	}
	p := e.create(t, "user-1")

	p, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if p.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", p.Status)
	}
	if p.Error == nil || p.Error.Category != string(classify.CategorySafety) {
		t.Fatalf("error = %+v, want safety category", p.Error)
	}
	if p.Error.Retryable {
		t.Fatal("safety rejection must not be retryable")
	}
	if p.CreditsRefunded != 0 {
		t.Fatalf("refunded = %d, want 0 for a user-caused failure", p.CreditsRefunded)
	}
	if got := e.balance(t, "user-1"); got != 4 {
		t.Fatalf("balance = %d, want 4 (charge kept)", got)
	}
}

func TestManualRetryRechargesNewAttempt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	e.views.pollScript = []providers.Progress{{
		State:   providers.StateFailed,
		Failure: &providers.VendorError{Vendor: "stability", StatusCode: 402, Message: "provider quota exhausted"},
	}}
	p := e.create(t, "user-1")

	if _, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews); err != nil {
		t.Fatalf("advance: %v", err)
	}
	e.clock.Advance(time.Minute)
	failed, err := e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if failed.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", failed.Status)
	}
	if failed.CreditsRefunded != 1 {
		t.Fatalf("refunded = %d, want 1 for a provider-side failure", failed.CreditsRefunded)
	}

	// Advance on a failed unit is rejected; retry is the explicit path.
	if _, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("advance on failed: err = %v, want ErrInvalidTransition", err)
	}

	e.views.pollScript = nil
	retried, err := e.engine.Retry(ctx, p.ID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", retried.Attempt)
	}
	if retried.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0 on a fresh attempt", retried.RetryCount)
	}
	if retried.Status != domain.StatusGeneratingViews {
		t.Fatalf("status = %s, want GENERATING_VIEWS", retried.Status)
	}
	if got := e.countTx(domain.CreditReasonCharge); got != 2 {
		t.Fatalf("charge entries = %d, want 2 (one per attempt)", got)
	}
}

func TestRetryVendorOverrideOnlyForModelStage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	e.views.submitErrs = []error{
		&providers.VendorError{Vendor: "stability", StatusCode: 400, Message: "invalid image"},
	}
	p := e.create(t, "user-1")
	if _, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews); err != nil {
		t.Fatalf("advance: %v", err)
	}

	_, err := e.engine.Retry(ctx, p.ID, "tripo")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for vendor override on views stage", err)
	}
}

func TestBatchPathCompletesAndIsMonotonic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)

	succeeded := func(i int, angle string) providers.BatchItemStatus {
		return providers.BatchItemStatus{
			Index: i,
			State: providers.StateSucceeded,
			URL:   "https://vendor.example.test/batch/" + angle + ".png",
		}
	}
	pending := func(i int) providers.BatchItemStatus {
		return providers.BatchItemStatus{Index: i, State: providers.StatePending}
	}
	e.views.batchScript = [][]providers.BatchItemStatus{
		{succeeded(0, "front"), pending(1), pending(2), pending(3)},
		// Stale response: item 0 reported pending again. It must stay
		// succeeded.
		{pending(0), succeeded(1, "back"), pending(2), pending(3)},
		{succeeded(2, "left"), succeeded(3, "right")},
	}

	p, err := e.engine.Create(ctx, pipeline.CreateParams{
		OwnerID:        "user-1",
		SourceImageURL: "https://cdn.example.test/photo.png",
		UseBatch:       true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p, err = e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if p.Status != domain.StatusBatchQueued {
		t.Fatalf("status = %s, want BATCH_QUEUED", p.Status)
	}

	e.clock.Advance(6 * time.Second)
	p, err = e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if p.Status != domain.StatusBatchProcessing {
		t.Fatalf("status = %s, want BATCH_PROCESSING", p.Status)
	}
	if _, ok := p.Outputs.View("front"); !ok {
		t.Fatal("front view should be visible before siblings finish")
	}

	e.clock.Advance(6 * time.Second)
	p, err = e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if _, ok := p.Outputs.View("front"); !ok {
		t.Fatal("front view regressed after a stale vendor response")
	}
	if _, ok := p.Outputs.View("back"); !ok {
		t.Fatal("back view missing")
	}

	e.clock.Advance(6 * time.Second)
	p, err = e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if p.Status != domain.StatusViewsReady {
		t.Fatalf("status = %s, want VIEWS_READY", p.Status)
	}
	if len(p.Outputs.Views) != 4 {
		t.Fatalf("views = %d, want 4", len(p.Outputs.Views))
	}
}

func TestRegenerateViewReplacesSingleOutput(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-2", 5)

	now := e.clock.Now()
	seeded := &domain.Pipeline{
		ID:      uuid.NewString(),
		OwnerID: "user-2",
		Status:  domain.StatusViewsReady,
		Input: domain.PipelineInput{
			SourceImageURL: "https://cdn.example.test/photo.png",
			Angles:         []string{"front", "back"},
			Quality:        "standard",
		},
		Outputs: domain.StageOutputs{Views: []domain.ViewOutput{
			{Angle: "front", URL: "https://vendor.example.test/old/front.png"},
			{Angle: "back", URL: "https://vendor.example.test/old/back.png"},
		}},
		Attempt:        1,
		CreditsCharged: 1,
		MaxRetries:     3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.pipelines.Create(ctx, seeded); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e.views.artifact = viewsArtifact("front")
	e.views.artifact.Views[0].URL = "https://vendor.example.test/new/front.png"

	p, err := e.engine.Regenerate(ctx, seeded.ID, "front")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if p.Status != domain.StatusViewsReady {
		t.Fatalf("status = %s, want VIEWS_READY untouched", p.Status)
	}
	if p.CreditsCharged != 2 {
		t.Fatalf("charged = %d, want 2 after the paid regenerate", p.CreditsCharged)
	}

	// A second regenerate while one is in flight is rejected.
	if _, err := e.engine.Regenerate(ctx, seeded.ID, "front"); !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("err = %v, want ErrDuplicateOperation", err)
	}

	e.clock.Advance(6 * time.Second)
	p, err = e.engine.Poll(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	front, ok := p.Outputs.View("front")
	if !ok || front.URL != "https://vendor.example.test/new/front.png" {
		t.Fatalf("front view = %+v, want the regenerated URL", front)
	}
	back, _ := p.Outputs.View("back")
	if back.URL != "https://vendor.example.test/old/back.png" {
		t.Fatalf("back view = %+v, want untouched", back)
	}
	if p.NextPollAt != nil {
		t.Fatal("poll deadline should be disarmed once the regenerate finishes")
	}
}

func TestRegenerateUnknownAngleRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	p := e.create(t, "user-1")

	_, err := e.engine.Regenerate(ctx, p.ID, "overhead")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestRegenerateModelRequiresCompleted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	p := e.create(t, "user-1")

	_, err := e.engine.Regenerate(ctx, p.ID, pipeline.TargetModel)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestPollDueClaimsAndDrives(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	e.views.artifact = viewsArtifact("front", "back", "left", "right")
	p := e.create(t, "user-1")

	if _, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews); err != nil {
		t.Fatalf("advance: %v", err)
	}

	claimed, err := e.engine.PollDue(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("poll due: %v", err)
	}
	if claimed {
		t.Fatal("nothing should be due before the poll interval elapses")
	}

	e.clock.Advance(6 * time.Second)
	claimed, err = e.engine.PollDue(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("poll due: %v", err)
	}
	if !claimed {
		t.Fatal("expected a due pipeline to be claimed")
	}
	reloaded, err := e.pipelines.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusViewsReady {
		t.Fatalf("status = %s, want VIEWS_READY", reloaded.Status)
	}
}

func TestGetForOwnerHidesForeignPipelines(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	p := e.create(t, "user-1")

	if _, err := e.engine.GetForOwner(ctx, p.ID, "user-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for another owner", err)
	}
	got, err := e.engine.GetForOwner(ctx, p.ID, "user-1")
	if err != nil || got.ID != p.ID {
		t.Fatalf("owner lookup failed: %v", err)
	}
}

func TestAdvanceRecoversWhenHandleWriteIsLost(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 5)
	e.views.artifact = viewsArtifact("front", "back", "left", "right")
	p := e.create(t, "user-1")

	// Swallow the first persist that carries a vendor handle, as if the
	// process died between the submit and the write landing.
	dropped := false
	e.pipelines.updateHook = func(p *domain.Pipeline) bool {
		if !dropped && p.AttemptHandle != "" {
			dropped = true
			return true
		}
		return false
	}

	if _, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !dropped {
		t.Fatal("expected the post-submit write to be intercepted")
	}

	// The durable row is mid-stage with no handle, but the poll deadline
	// was armed before the submit, so a worker still claims it.
	stored, err := e.pipelines.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != domain.StatusGeneratingViews {
		t.Fatalf("status = %s, want GENERATING_VIEWS", stored.Status)
	}
	if stored.AttemptHandle != "" {
		t.Fatalf("handle = %q, want empty after the lost write", stored.AttemptHandle)
	}
	if stored.NextPollAt == nil {
		t.Fatal("poll deadline must be durable before the vendor call")
	}
	if stored.CreditsCharged != 1 {
		t.Fatalf("charged = %d, want 1", stored.CreditsCharged)
	}

	// First claim observes the missing handle and schedules a retry.
	e.clock.Advance(6 * time.Second)
	claimed, err := e.engine.PollDue(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("poll due: %v", err)
	}
	if !claimed {
		t.Fatal("expected the orphaned unit to be claimed")
	}
	stored, err = e.pipelines.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.RetryCount != 1 || stored.NextRetryAt == nil {
		t.Fatalf("retry count = %d, retry at = %v, want a scheduled retry", stored.RetryCount, stored.NextRetryAt)
	}

	// Retry resubmits, then the reissued attempt completes normally.
	e.clock.Advance(2 * time.Minute)
	if _, err := e.engine.PollDue(ctx, 30*time.Second); err != nil {
		t.Fatalf("poll due resubmit: %v", err)
	}
	e.clock.Advance(6 * time.Second)
	if _, err := e.engine.PollDue(ctx, 30*time.Second); err != nil {
		t.Fatalf("poll due final: %v", err)
	}

	stored, err = e.pipelines.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != domain.StatusViewsReady {
		t.Fatalf("status = %s, want VIEWS_READY after recovery", stored.Status)
	}
	if got := e.views.submitCount(); got != 2 {
		t.Fatalf("vendor submits = %d, want 2", got)
	}
	if got := e.countTx(domain.CreditReasonCharge); got != 1 {
		t.Fatalf("charge entries = %d, want 1 across the recovery", got)
	}
	if got := e.balance(t, "user-1"); got != 4 {
		t.Fatalf("balance = %d, want 4", got)
	}
}

func TestRetryAfterPaidRegenerateStillChargesStage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.grant(t, "user-1", 10)
	e.views.pollScript = []providers.Progress{{
		State:   providers.StateFailed,
		Failure: &providers.VendorError{Vendor: "stability", StatusCode: 402, Message: "provider quota exhausted"},
	}}
	p := e.create(t, "user-1")

	if _, err := e.engine.Advance(ctx, p.ID, pipeline.TriggerGenerateViews); err != nil {
		t.Fatalf("advance: %v", err)
	}
	e.clock.Advance(time.Minute)
	failed, err := e.engine.Poll(ctx, p.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if failed.Status != domain.StatusFailed || failed.CreditsRefunded != 1 {
		t.Fatalf("status = %s refunded = %d, want FAILED with the stage charge refunded", failed.Status, failed.CreditsRefunded)
	}

	// Pay for a single-view regenerate on the failed unit.
	if _, err := e.engine.Regenerate(ctx, p.ID, "front"); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if got := e.balance(t, "user-1"); got != 9 {
		t.Fatalf("balance = %d, want 9 after the paid regenerate", got)
	}

	// The regenerate charge must not satisfy the next attempt's stage
	// cost: the original stage charge was refunded, so retry pays again.
	e.views.pollScript = nil
	retried, err := e.engine.Retry(ctx, p.ID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != domain.StatusGeneratingViews {
		t.Fatalf("status = %s, want GENERATING_VIEWS", retried.Status)
	}
	if retried.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", retried.Attempt)
	}
	if got := e.countTx(domain.CreditReasonCharge); got != 3 {
		t.Fatalf("charge entries = %d, want 3 (stage, regenerate, retried stage)", got)
	}
	if got := e.balance(t, "user-1"); got != 8 {
		t.Fatalf("balance = %d, want 8", got)
	}
}
