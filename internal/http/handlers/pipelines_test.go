package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/batch"
	"server/internal/classify"
	"server/internal/credits"
	"server/internal/domain"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/middleware"
	"server/internal/pipeline"
	"server/internal/providers"
)

const testSecret = "handler-test-secret"

type memPipelines struct {
	mu    sync.Mutex
	items map[string]*domain.Pipeline
}

func (r *memPipelines) clone(p *domain.Pipeline) *domain.Pipeline {
	c := *p
	c.Input.Angles = append([]string(nil), p.Input.Angles...)
	c.Outputs.Views = append([]domain.ViewOutput(nil), p.Outputs.Views...)
	return &c
}

func (r *memPipelines) Create(ctx context.Context, p *domain.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[p.ID] = r.clone(p)
	return nil
}

func (r *memPipelines) GetByID(ctx context.Context, id string) (*domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.clone(p), nil
}

func (r *memPipelines) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Pipeline
	for _, p := range r.items {
		if p.OwnerID == ownerID {
			out = append(out, *r.clone(p))
		}
	}
	return out, nil
}

func (r *memPipelines) Update(ctx context.Context, p *domain.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[p.ID] = r.clone(p)
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
	return nil, nil
}

type memBatches struct {
	mu    sync.Mutex
	items map[string]*domain.BatchJob
}

func (r *memBatches) Create(ctx context.Context, b *domain.BatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[b.ID] = b
	return nil
}

func (r *memBatches) GetByID(ctx context.Context, id string) (*domain.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (r *memBatches) GetActiveByPipeline(ctx context.Context, pipelineID string) (*domain.BatchJob, error) {
	return nil, domain.ErrNotFound
}

func (r *memBatches) Update(ctx context.Context, b *domain.BatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[b.ID] = b
	return nil
}

type okAdapter struct {
	mu      sync.Mutex
	vendor  string
	submits int
}

func (a *okAdapter) Vendor() string { return a.vendor }

func (a *okAdapter) Submit(ctx context.Context, req providers.Request) (providers.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits++
	return providers.Handle{Vendor: a.vendor, ID: fmt.Sprintf("job-%d", a.submits)}, nil
}

func (a *okAdapter) Poll(ctx context.Context, h providers.Handle) (providers.Progress, error) {
	return providers.Progress{State: providers.StatePending, Percent: 10}, nil
}

func (a *okAdapter) Fetch(ctx context.Context, h providers.Handle) (providers.Artifact, error) {
	return providers.Artifact{}, nil
}

func (a *okAdapter) SubmitBatch(ctx context.Context, reqs []providers.Request) (providers.Handle, error) {
	return providers.Handle{Vendor: a.vendor, ID: "batch-1"}, nil
}

func (a *okAdapter) PollBatch(ctx context.Context, h providers.Handle) ([]providers.BatchItemStatus, error) {
	return nil, nil
}

type testAPI struct {
	handler http.Handler
	ledger  *credits.Ledger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := credits.NewMemoryStore()
	ledger := credits.NewLedger(store, zerolog.Nop())
	views := &okAdapter{vendor: "stability"}
	mesh := &okAdapter{vendor: "tripo"}

	registry := providers.NewRegistry("stability", "tripo")
	registry.Register(views)
	registry.Register(mesh)

	pipelines := &memPipelines{items: map[string]*domain.Pipeline{}}
	batches := &memBatches{items: map[string]*domain.BatchJob{}}
	coordinator := batch.NewCoordinator(batch.Options{
		Batches:    batches,
		Views:      views,
		Submitter:  views,
		Classifier: classify.New(),
		Logger:     zerolog.Nop(),
	})

	engine := pipeline.NewEngine(pipeline.Options{
		Pipelines:   pipelines,
		Batches:     batches,
		Ledger:      ledger,
		Registry:    registry,
		Coordinator: coordinator,
		Classifier:  classify.New(),
		Logger:      zerolog.Nop(),
	})

	app := &handlers.App{
		Engine: engine,
		Ledger: ledger,
		Logger: zerolog.Nop(),
	}
	handler := httpapi.NewRouter(app, httpapi.Options{JWTSecret: testSecret})
	return &testAPI{handler: handler, ledger: ledger}
}

func (api *testAPI) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.SignJWT(testSecret, middleware.TokenClaims{
		Sub: userID,
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (api *testAPI) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	api := newTestAPI(t)
	rec := api.request(t, http.MethodGet, "/v1/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestPipelinesRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.request(t, http.MethodGet, "/v1/pipelines", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	rec = api.request(t, http.MethodGet, "/v1/pipelines", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a bad token", rec.Code)
	}
}

func TestCreateAdvanceAndGetPipeline(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "user-1")
	if err := api.ledger.Grant(context.Background(), "user-1", 5, "grant:test"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	rec := api.request(t, http.MethodPost, "/v1/pipelines", token, map[string]any{
		"source_image_url": "https://cdn.example.test/photo.png",
		"angles":           []string{"front", "back"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	if id == "" || created["status"] != "DRAFT" {
		t.Fatalf("created = %v", created)
	}

	rec = api.request(t, http.MethodPost, "/v1/pipelines/"+id+"/advance", token, map[string]any{
		"trigger": "generate-views",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("advance status = %d: %s", rec.Code, rec.Body.String())
	}
	advanced := decodeBody(t, rec)
	if advanced["status"] != "GENERATING_VIEWS" {
		t.Fatalf("status = %v, want GENERATING_VIEWS", advanced["status"])
	}
	creditsBlock, _ := advanced["credits"].(map[string]any)
	if creditsBlock["charged"] != float64(1) {
		t.Fatalf("credits = %v", creditsBlock)
	}

	rec = api.request(t, http.MethodGet, "/v1/pipelines/"+id, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
}

func TestAdvanceWithoutCreditsIsPaymentRequired(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "user-1")

	rec := api.request(t, http.MethodPost, "/v1/pipelines", token, map[string]any{
		"source_image_url": "https://cdn.example.test/photo.png",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	id, _ := decodeBody(t, rec)["id"].(string)

	rec = api.request(t, http.MethodPost, "/v1/pipelines/"+id+"/advance", token, map[string]any{
		"trigger": "generate-views",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", rec.Code, rec.Body.String())
	}
}

func TestGetForeignPipelineIsNotFound(t *testing.T) {
	api := newTestAPI(t)
	owner := api.token(t, "user-1")
	other := api.token(t, "user-2")

	rec := api.request(t, http.MethodPost, "/v1/pipelines", owner, map[string]any{
		"source_image_url": "https://cdn.example.test/photo.png",
	})
	id, _ := decodeBody(t, rec)["id"].(string)

	rec = api.request(t, http.MethodGet, "/v1/pipelines/"+id, other, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for another owner", rec.Code)
	}
}

func TestInvalidTriggerIsBadRequest(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "user-1")

	rec := api.request(t, http.MethodPost, "/v1/pipelines", token, map[string]any{
		"source_image_url": "https://cdn.example.test/photo.png",
	})
	id, _ := decodeBody(t, rec)["id"].(string)

	rec = api.request(t, http.MethodPost, "/v1/pipelines/"+id+"/advance", token, map[string]any{
		"trigger": "warp-speed",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCreditEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "user-1")
	if err := api.ledger.Grant(context.Background(), "user-1", 7, "grant:test"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	rec := api.request(t, http.MethodGet, "/v1/credits", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["balance"]; got != float64(7) {
		t.Fatalf("balance = %v, want 7", got)
	}

	rec = api.request(t, http.MethodGet, "/v1/credits/history", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	items, _ := decodeBody(t, rec)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("history items = %d, want 1", len(items))
	}
}

func TestAnalyzeWithoutMeshServiceIsUnavailable(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "user-1")

	rec := api.request(t, http.MethodPost, "/v1/pipelines", token, map[string]any{
		"source_image_url": "https://cdn.example.test/photo.png",
	})
	id, _ := decodeBody(t, rec)["id"].(string)

	rec = api.request(t, http.MethodPost, "/v1/pipelines/"+id+"/analyze", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when mesh service is not configured", rec.Code)
	}
}
