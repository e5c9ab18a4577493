package luma

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

const vendorName = "luma"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("luma: api key is required")

// Options configures the Luma generations client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	SubmitRate     rate.Limit
}

// Client performs HTTP calls against the Luma generations API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
	limiter    *rate.Limiter
}

type generationRequest struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
	Detail   string `json:"detail,omitempty"`
}

type generation struct {
	ID            string `json:"id"`
	State         string `json:"state"` // queued | dreaming | completed | failed
	FailureReason string `json:"failure_reason"`
	Assets        struct {
		Mesh    string `json:"mesh"`
		Video   string `json:"video"`
		Preview string `json:"preview"`
	} `json:"assets"`
}

type errorResponse struct {
	Detail string `json:"detail"`
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
		baseURL = "https://api.lumalabs.ai/dream-machine/v1"
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

// Submit starts a 3D generation from the source photo.
func (c *Client) Submit(ctx context.Context, req providers.Request) (providers.Handle, error) {
	if !c.HasCredentials() {
		return providers.Handle{}, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		return providers.Handle{}, errors.New("luma: image url is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return providers.Handle{}, err
	}
	payload := generationRequest{Type: "model", ImageURL: req.ImageURL, Detail: strings.ToLower(req.Quality)}
	var decoded generation
	if err := c.do(ctx, http.MethodPost, "/generations", payload, &decoded); err != nil {
		return providers.Handle{}, err
	}
	if decoded.ID == "" {
		return providers.Handle{}, errors.New("luma: empty generation id")
	}
	c.logger.Debug().Str("generation_id", decoded.ID).Str("pipeline_id", req.PipelineID).Msg("luma: submitted generation")
	return providers.Handle{Vendor: vendorName, ID: decoded.ID}, nil
}

// Poll reports the state of a generation.
func (c *Client) Poll(ctx context.Context, h providers.Handle) (providers.Progress, error) {
	decoded, err := c.generation(ctx, h.ID)
	if err != nil {
		return providers.Progress{}, err
	}
	switch decoded.State {
	case "completed":
		return providers.Progress{State: providers.StateSucceeded, Percent: 100}, nil
	case "failed":
		message := decoded.FailureReason
		if message == "" {
			message = "generation failed"
		}
		return providers.Progress{State: providers.StateFailed, Failure: &providers.VendorError{
			Vendor:  vendorName,
			Message: message,
		}}, nil
	default:
		return providers.Progress{State: providers.StatePending, Detail: decoded.State}, nil
	}
}

// Fetch returns the model artifact of a completed generation.
func (c *Client) Fetch(ctx context.Context, h providers.Handle) (providers.Artifact, error) {
	decoded, err := c.generation(ctx, h.ID)
	if err != nil {
		return providers.Artifact{}, err
	}
	if decoded.State != "completed" {
		return providers.Artifact{}, fmt.Errorf("luma: generation %s not completed", h.ID)
	}
	if decoded.Assets.Mesh == "" {
		return providers.Artifact{}, errors.New("luma: generation completed without mesh asset")
	}
	files := map[string]string{}
	if decoded.Assets.Video != "" {
		files["turntable"] = decoded.Assets.Video
	}
	if decoded.Assets.Preview != "" {
		files["preview"] = decoded.Assets.Preview
	}
	if len(files) == 0 {
		files = nil
	}
	return providers.Artifact{MeshURL: decoded.Assets.Mesh, MeshFormat: "glb", Files: files}, nil
}

func (c *Client) generation(ctx context.Context, id string) (generation, error) {
	var decoded generation
	if err := c.do(ctx, http.MethodGet, "/generations/"+id, nil, &decoded); err != nil {
		return generation{}, err
	}
	return decoded, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("luma: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("luma: build request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("luma: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("luma: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Detail != "" {
			return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Message: detail.Detail}
		}
		return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("luma: decode response: %w", err)
		}
	}
	return nil
}

var _ providers.Adapter = (*Client)(nil)
