package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"server/internal/infra"
	"server/internal/providers"
)

const vendorName = "tripo"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("tripo: api key is required")

// faceLimits maps quality tiers to the vendor's face-count parameter.
var faceLimits = map[string]int{
	"draft":    10000,
	"standard": 50000,
	"high":     150000,
}

// Options configures the Tripo image-to-model client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	SubmitRate     rate.Limit
}

// Client performs HTTP calls against the Tripo task API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
	limiter    *rate.Limiter
}

type taskRequest struct {
	Type      string `json:"type"`
	FileURL   string `json:"file_url"`
	FaceLimit int    `json:"face_limit,omitempty"`
}

type taskEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type taskCreated struct {
	TaskID string `json:"task_id"`
}

type taskStatus struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"` // queued | running | success | failed | banned
	Progress int    `json:"progress"`
	Output   struct {
		Model       string `json:"model"`
		PBRModel    string `json:"pbr_model"`
		RenderImage string `json:"rendered_image"`
	} `json:"output"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.tripo3d.ai/v2/openapi"
	}
	limit := opts.SubmitRate
	if limit <= 0 {
		limit = rate.Limit(1)
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

// Vendor identifies this adapter.
func (c *Client) Vendor() string { return vendorName }

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool { return c.apiKey != "" }

// Submit creates an image-to-model task from the best available view.
func (c *Client) Submit(ctx context.Context, req providers.Request) (providers.Handle, error) {
	if !c.HasCredentials() {
		return providers.Handle{}, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		return providers.Handle{}, errors.New("tripo: image url is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return providers.Handle{}, err
	}
	payload := taskRequest{
		Type:      "image_to_model",
		FileURL:   req.ImageURL,
		FaceLimit: faceLimits[strings.ToLower(req.Quality)],
	}
	var created taskCreated
	if err := c.do(ctx, http.MethodPost, "/task", payload, &created); err != nil {
		return providers.Handle{}, err
	}
	if created.TaskID == "" {
		return providers.Handle{}, errors.New("tripo: empty task id")
	}
	c.logger.Debug().Str("task_id", created.TaskID).Str("pipeline_id", req.PipelineID).Msg("tripo: submitted model task")
	return providers.Handle{Vendor: vendorName, ID: created.TaskID}, nil
}

// Poll reports the state of a task.
func (c *Client) Poll(ctx context.Context, h providers.Handle) (providers.Progress, error) {
	status, err := c.task(ctx, h.ID)
	if err != nil {
		return providers.Progress{}, err
	}
	switch status.Status {
	case "success":
		return providers.Progress{State: providers.StateSucceeded, Percent: 100}, nil
	case "failed", "banned":
		return providers.Progress{State: providers.StateFailed, Failure: &providers.VendorError{
			Vendor:  vendorName,
			Code:    failureCode(status),
			Message: failureMessage(status),
		}}, nil
	default:
		return providers.Progress{State: providers.StatePending, Percent: status.Progress, Detail: status.Status}, nil
	}
}

// Fetch returns the model artifact of a succeeded task.
func (c *Client) Fetch(ctx context.Context, h providers.Handle) (providers.Artifact, error) {
	status, err := c.task(ctx, h.ID)
	if err != nil {
		return providers.Artifact{}, err
	}
	if status.Status != "success" {
		return providers.Artifact{}, fmt.Errorf("tripo: task %s not finished", h.ID)
	}
	meshURL := status.Output.PBRModel
	if meshURL == "" {
		meshURL = status.Output.Model
	}
	if meshURL == "" {
		return providers.Artifact{}, errors.New("tripo: task succeeded without model url")
	}
	artifact := providers.Artifact{MeshURL: meshURL, MeshFormat: "glb"}
	if status.Output.RenderImage != "" {
		artifact.Files = map[string]string{"render": status.Output.RenderImage}
	}
	return artifact, nil
}

func failureCode(status taskStatus) string {
	if status.Status == "banned" {
		return "content_policy_violation"
	}
	if status.ErrorCode != "" {
		return status.ErrorCode
	}
	return "generation_failed"
}

func failureMessage(status taskStatus) string {
	if status.Status == "banned" {
		return "input image rejected by content policy"
	}
	if status.ErrorMsg != "" {
		return status.ErrorMsg
	}
	return "model generation failed"
}

func (c *Client) task(ctx context.Context, id string) (taskStatus, error) {
	var status taskStatus
	if err := c.do(ctx, http.MethodGet, "/task/"+id, nil, &status); err != nil {
		return taskStatus{}, err
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("tripo: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("tripo: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("tripo: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tripo: read response: %w", err)
	}
	var envelope taskEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 300 {
			return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("tripo: decode response: %w", err)
	}
	if resp.StatusCode >= 300 || envelope.Code != 0 {
		return &providers.VendorError{
			Vendor:     vendorName,
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("%d", envelope.Code),
			Message:    envelope.Message,
		}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("tripo: decode payload: %w", err)
		}
	}
	return nil
}

var _ providers.Adapter = (*Client)(nil)
