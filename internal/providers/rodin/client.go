package rodin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"server/internal/infra"
	"server/internal/providers"
)

const vendorName = "rodin"

// ErrMissingCredentials indicates that the client was configured without
// an access key pair.
var ErrMissingCredentials = errors.New("rodin: access key and secret are required")

// qualityPresets maps quality tiers to the vendor's preset names.
var qualityPresets = map[string]string{
	"draft":    "low",
	"standard": "medium",
	"high":     "high",
}

// Options configures the Rodin generation client. Rodin authenticates
// with an HMAC-SHA256 signature over method, path, and a timestamp
// header rather than a plain API key.
type Options struct {
	AccessKey      string
	AccessSecret   string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	SubmitRate     rate.Limit
	// now is injectable for signature tests.
	Now func() time.Time
}

// Client performs signed HTTP calls against the Rodin generation API.
type Client struct {
	accessKey    string
	accessSecret string
	baseURL      string
	httpClient   *http.Client
	logger       *infra.Logger
	limiter      *rate.Limiter
	now          func() time.Time
}

type generateRequest struct {
	Images  []string `json:"images"`
	Quality string   `json:"quality,omitempty"`
	Format  string   `json:"geometry_file_format"`
}

type generateResponse struct {
	UUID  string        `json:"uuid"`
	Error *errorPayload `json:"error"`
}

type statusResponse struct {
	UUID     string        `json:"uuid"`
	Status   string        `json:"status"` // Waiting | Generating | Done | Failed
	Progress int           `json:"progress"`
	Error    *errorPayload `json:"error"`
}

type downloadResponse struct {
	List []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"list"`
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
		baseURL = "https://hyperhuman.deemos.com/api/v2"
	}
	limit := opts.SubmitRate
	if limit <= 0 {
		limit = rate.Limit(1)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
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
		accessKey:    strings.TrimSpace(opts.AccessKey),
		accessSecret: strings.TrimSpace(opts.AccessSecret),
		baseURL:      baseURL,
		httpClient:   httpClient,
		logger:       logger,
		limiter:      rate.NewLimiter(limit, 1),
		now:          now,
	}, nil
}

// Vendor identifies this adapter.
func (c *Client) Vendor() string { return vendorName }

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.accessKey != "" && c.accessSecret != ""
}

// Submit starts a generation from the source photo.
func (c *Client) Submit(ctx context.Context, req providers.Request) (providers.Handle, error) {
	if !c.HasCredentials() {
		return providers.Handle{}, ErrMissingCredentials
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		return providers.Handle{}, errors.New("rodin: image url is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return providers.Handle{}, err
	}
	payload := generateRequest{
		Images:  []string{req.ImageURL},
		Quality: qualityPresets[strings.ToLower(req.Quality)],
		Format:  "glb",
	}
	var decoded generateResponse
	if err := c.do(ctx, http.MethodPost, "/rodin", payload, &decoded); err != nil {
		return providers.Handle{}, err
	}
	if decoded.Error != nil {
		return providers.Handle{}, &providers.VendorError{Vendor: vendorName, Code: decoded.Error.Code, Message: decoded.Error.Message}
	}
	if decoded.UUID == "" {
		return providers.Handle{}, errors.New("rodin: empty generation uuid")
	}
	c.logger.Debug().Str("uuid", decoded.UUID).Str("pipeline_id", req.PipelineID).Msg("rodin: submitted generation")
	return providers.Handle{Vendor: vendorName, ID: decoded.UUID}, nil
}

// Poll reports the state of a generation.
func (c *Client) Poll(ctx context.Context, h providers.Handle) (providers.Progress, error) {
	var decoded statusResponse
	if err := c.do(ctx, http.MethodPost, "/status", map[string]string{"uuid": h.ID}, &decoded); err != nil {
		return providers.Progress{}, err
	}
	switch decoded.Status {
	case "Done":
		return providers.Progress{State: providers.StateSucceeded, Percent: 100}, nil
	case "Failed":
		ve := &providers.VendorError{Vendor: vendorName, Message: "generation failed"}
		if decoded.Error != nil {
			ve.Code = decoded.Error.Code
			ve.Message = decoded.Error.Message
		}
		return providers.Progress{State: providers.StateFailed, Failure: ve}, nil
	default:
		return providers.Progress{State: providers.StatePending, Percent: decoded.Progress, Detail: decoded.Status}, nil
	}
}

// Fetch resolves download URLs for a finished generation.
func (c *Client) Fetch(ctx context.Context, h providers.Handle) (providers.Artifact, error) {
	var decoded downloadResponse
	if err := c.do(ctx, http.MethodPost, "/download", map[string]string{"uuid": h.ID}, &decoded); err != nil {
		return providers.Artifact{}, err
	}
	artifact := providers.Artifact{MeshFormat: "glb"}
	for _, entry := range decoded.List {
		name := strings.ToLower(entry.Name)
		switch {
		case strings.HasSuffix(name, ".glb"):
			artifact.MeshURL = entry.URL
		default:
			if artifact.Files == nil {
				artifact.Files = map[string]string{}
			}
			artifact.Files[name] = entry.URL
		}
	}
	if artifact.MeshURL == "" {
		return providers.Artifact{}, errors.New("rodin: no glb in download list")
	}
	return artifact, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var raw []byte
	var err error
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("rodin: encode request: %w", err)
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("rodin: build request: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Access-Key", c.accessKey)
	httpReq.Header.Set("X-Timestamp", timestamp)
	httpReq.Header.Set("X-Signature", c.sign(method, path, timestamp, raw))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rodin: http request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rodin: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorPayload
		if err := json.Unmarshal(body, &detail); err == nil && detail.Message != "" {
			return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Code: detail.Code, Message: detail.Message}
		}
		return &providers.VendorError{Vendor: vendorName, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("rodin: decode response: %w", err)
		}
	}
	return nil
}

// sign computes the request signature: HMAC-SHA256 over
// "METHOD\nPATH\nTIMESTAMP\n" + body with the access secret.
func (c *Client) sign(method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.accessSecret))
	fmt.Fprintf(mac, "%s\n%s\n%s\n", method, path, timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ providers.Adapter = (*Client)(nil)
