package meshy

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

const vendorName = "meshy"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("meshy: api key is required")

// topologies maps quality tiers to the vendor's topology parameter.
var topologies = map[string]string{
	"draft":    "triangle",
	"standard": "triangle",
	"high":     "quad",
}

// Options configures the Meshy image-to-3D client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	SubmitRate     rate.Limit
}

// Client performs HTTP calls against the Meshy task API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
	limiter    *rate.Limiter
}

type taskRequest struct {
	ImageURL    string `json:"image_url"`
	Topology    string `json:"topology,omitempty"`
	TargetPolys int    `json:"target_polycount,omitempty"`
	EnablePBR   bool   `json:"enable_pbr"`
}

type taskCreated struct {
	Result string `json:"result"`
}

type taskStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // PENDING | IN_PROGRESS | SUCCEEDED | FAILED | CANCELED
	Progress  int    `json:"progress"`
	ModelURLs struct {
		GLB  string `json:"glb"`
		FBX  string `json:"fbx"`
		USDZ string `json:"usdz"`
		OBJ  string `json:"obj"`
	} `json:"model_urls"`
	ThumbnailURL string `json:"thumbnail_url"`
	TaskError    struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

type errorResponse struct {
	Message string `json:"message"`
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
		baseURL = "https://api.meshy.ai/openapi/v1"
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

// Submit creates an image-to-3D task.
func (c *Client) Submit(ctx context.Context, req providers.Request) (providers.Handle, error) {
	if !c.HasCredentials() {
		return providers.Handle{}, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		return providers.Handle{}, errors.New("meshy: image url is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return providers.Handle{}, err
	}
	quality := strings.ToLower(strings.TrimSpace(req.Quality))
	payload := taskRequest{
		ImageURL:  req.ImageURL,
		Topology:  topologies[quality],
		EnablePBR: quality == "high",
	}
	if quality == "draft" {
		payload.TargetPolys = 10000
	}
	var created taskCreated
	if err := c.do(ctx, http.MethodPost, "/image-to-3d", payload, &created); err != nil {
		return providers.Handle{}, err
	}
	if created.Result == "" {
		return providers.Handle{}, errors.New("meshy: empty task id")
	}
	c.logger.Debug().Str("task_id", created.Result).Str("pipeline_id", req.PipelineID).Msg("meshy: submitted model task")
	return providers.Handle{Vendor: vendorName, ID: created.Result}, nil
}

// Poll reports the state of a task.
func (c *Client) Poll(ctx context.Context, h providers.Handle) (providers.Progress, error) {
	status, err := c.task(ctx, h.ID)
	if err != nil {
		return providers.Progress{}, err
	}
	switch status.Status {
	case "SUCCEEDED":
		return providers.Progress{State: providers.StateSucceeded, Percent: 100}, nil
	case "FAILED", "CANCELED":
		message := status.TaskError.Message
		if message == "" {
			message = "model generation failed"
		}
		return providers.Progress{State: providers.StateFailed, Failure: &providers.VendorError{
			Vendor:  vendorName,
			Code:    strings.ToLower(status.Status),
			Message: message,
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
	if status.Status != "SUCCEEDED" {
		return providers.Artifact{}, fmt.Errorf("meshy: task %s not finished", h.ID)
	}
	if status.ModelURLs.GLB == "" {
		return providers.Artifact{}, errors.New("meshy: task succeeded without model url")
	}
	files := map[string]string{}
	if status.ModelURLs.FBX != "" {
		files["fbx"] = status.ModelURLs.FBX
	}
	if status.ModelURLs.USDZ != "" {
		files["usdz"] = status.ModelURLs.USDZ
	}
	if status.ModelURLs.OBJ != "" {
		files["obj"] = status.ModelURLs.OBJ
	}
	if status.ThumbnailURL != "" {
		files["thumbnail"] = status.ThumbnailURL
	}
	if len(files) == 0 {
		files = nil
	}
	return providers.Artifact{MeshURL: status.ModelURLs.GLB, MeshFormat: "glb", Files: files}, nil
}

func (c *Client) task(ctx context.Context, id string) (taskStatus, error) {
	var status taskStatus
	if err := c.do(ctx, http.MethodGet, "/image-to-3d/"+id, nil, &status); err != nil {
		return taskStatus{}, err
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("meshy: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("meshy: build request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("meshy: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("meshy: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Message: detail.Message}
		}
		return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("meshy: decode response: %w", err)
		}
	}
	return nil
}

var _ providers.Adapter = (*Client)(nil)
