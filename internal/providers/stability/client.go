package stability

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

const vendorName = "stability"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("stability: api key is required")

// Options configures the Stability multi-view synthesis client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	// SubmitRate bounds outbound submissions; zero means 2/s.
	SubmitRate rate.Limit
}

// Client performs HTTP calls against the Stability 3D multi-view API.
// It implements both the single-call adapter contract and the batch
// submitter contract used by the batch coordinator.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
	limiter    *rate.Limiter
}

type generationRequest struct {
	ImageURL string   `json:"image_url"`
	Angles   []string `json:"angles"`
	Quality  string   `json:"quality,omitempty"`
}

type generationResponse struct {
	GenerationID string `json:"generation_id"`
}

type viewPayload struct {
	Angle string `json:"angle"`
	URL   string `json:"url"`
}

type statusResponse struct {
	Status   string        `json:"status"` // in-progress | complete | failed
	Progress int           `json:"progress"`
	Views    []viewPayload `json:"views"`
	Error    *errorPayload `json:"error"`
}

type batchRequest struct {
	Requests []generationRequest `json:"requests"`
}

type batchResponse struct {
	BatchID string `json:"batch_id"`
}

type batchItemPayload struct {
	Index  int           `json:"index"`
	Status string        `json:"status"`
	View   *viewPayload  `json:"view"`
	Error  *errorPayload `json:"error"`
}

type batchStatusResponse struct {
	Status string             `json:"status"`
	Items  []batchItemPayload `json:"items"`
}

type errorPayload struct {
	Code    string `json:"code"`
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
		baseURL = "https://api.stability.ai/v2beta/3d"
	}
	limit := opts.SubmitRate
	if limit <= 0 {
		limit = rate.Limit(2)
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

// Submit starts one multi-view synthesis job for the source photo.
func (c *Client) Submit(ctx context.Context, req providers.Request) (providers.Handle, error) {
	if !c.HasCredentials() {
		return providers.Handle{}, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		return providers.Handle{}, errors.New("stability: image url is required")
	}
	payload := generationRequest{ImageURL: req.ImageURL, Angles: req.Angles, Quality: req.Quality}
	var decoded generationResponse
	if err := c.do(ctx, http.MethodPost, "/multi-view", payload, &decoded); err != nil {
		return providers.Handle{}, err
	}
	if decoded.GenerationID == "" {
		return providers.Handle{}, errors.New("stability: empty generation id")
	}
	c.logger.Debug().Str("generation_id", decoded.GenerationID).Str("pipeline_id", req.PipelineID).Msg("stability: submitted multi-view job")
	return providers.Handle{Vendor: vendorName, ID: decoded.GenerationID}, nil
}

// Poll reports the state of a previously submitted job.
func (c *Client) Poll(ctx context.Context, h providers.Handle) (providers.Progress, error) {
	var decoded statusResponse
	if err := c.do(ctx, http.MethodGet, "/multi-view/"+h.ID, nil, &decoded); err != nil {
		return providers.Progress{}, err
	}
	switch decoded.Status {
	case "complete":
		return providers.Progress{State: providers.StateSucceeded, Percent: 100}, nil
	case "failed":
		return providers.Progress{State: providers.StateFailed, Failure: vendorError(http.StatusOK, decoded.Error)}, nil
	default:
		return providers.Progress{State: providers.StatePending, Percent: decoded.Progress, Detail: decoded.Status}, nil
	}
}

// Fetch retrieves the synthesized views of a completed job.
func (c *Client) Fetch(ctx context.Context, h providers.Handle) (providers.Artifact, error) {
	var decoded statusResponse
	if err := c.do(ctx, http.MethodGet, "/multi-view/"+h.ID, nil, &decoded); err != nil {
		return providers.Artifact{}, err
	}
	if decoded.Status != "complete" {
		return providers.Artifact{}, fmt.Errorf("stability: generation %s not complete", h.ID)
	}
	artifact := providers.Artifact{}
	for _, view := range decoded.Views {
		artifact.Views = append(artifact.Views, providers.ViewArtifact{
			Angle:  view.Angle,
			URL:    view.URL,
			Format: "image/png",
		})
	}
	return artifact, nil
}

// SubmitBatch groups several single-view requests into one vendor job.
func (c *Client) SubmitBatch(ctx context.Context, reqs []providers.Request) (providers.Handle, error) {
	if !c.HasCredentials() {
		return providers.Handle{}, ErrMissingAPIKey
	}
	payload := batchRequest{}
	for _, req := range reqs {
		payload.Requests = append(payload.Requests, generationRequest{
			ImageURL: req.ImageURL,
			Angles:   req.Angles,
			Quality:  req.Quality,
		})
	}
	var decoded batchResponse
	if err := c.do(ctx, http.MethodPost, "/multi-view/batch", payload, &decoded); err != nil {
		return providers.Handle{}, err
	}
	if decoded.BatchID == "" {
		return providers.Handle{}, errors.New("stability: empty batch id")
	}
	return providers.Handle{Vendor: vendorName, ID: decoded.BatchID}, nil
}

// PollBatch reports per-item statuses of a batch job.
func (c *Client) PollBatch(ctx context.Context, h providers.Handle) ([]providers.BatchItemStatus, error) {
	var decoded batchStatusResponse
	if err := c.do(ctx, http.MethodGet, "/multi-view/batch/"+h.ID, nil, &decoded); err != nil {
		return nil, err
	}
	statuses := make([]providers.BatchItemStatus, 0, len(decoded.Items))
	for _, item := range decoded.Items {
		status := providers.BatchItemStatus{Index: item.Index}
		switch item.Status {
		case "complete":
			status.State = providers.StateSucceeded
			if item.View != nil {
				status.URL = item.View.URL
			}
		case "failed":
			status.State = providers.StateFailed
			status.Failure = vendorError(http.StatusOK, item.Error)
		default:
			status.State = providers.StatePending
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if method == http.MethodPost {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("stability: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("stability: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("stability: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("stability: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorPayload
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Code: detail.Code, Message: detail.Message}
		}
		return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("stability: decode response: %w", err)
		}
	}
	return nil
}

func vendorError(status int, payload *errorPayload) *providers.VendorError {
	ve := &providers.VendorError{Vendor: vendorName, StatusCode: status, Message: "generation failed"}
	if payload != nil {
		ve.Code = payload.Code
		ve.Message = payload.Message
	}
	return ve
}

var (
	_ providers.Adapter        = (*Client)(nil)
	_ providers.BatchSubmitter = (*Client)(nil)
)
