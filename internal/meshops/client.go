// Package meshops calls the mesh repair service that analyzes and
// optimizes generated models for 3D printing.
package meshops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 9 * time.Minute

// Client talks to the mesh service over JSON. Mesh payloads travel
// base64-encoded inside the request and response bodies.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient builds a mesh service client.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("meshops: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// Dimensions is a size in millimeters along each axis.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
}

// Stats describes a mesh before or after optimization.
type Stats struct {
	VertexCount  int        `json:"vertex_count"`
	FaceCount    int        `json:"face_count"`
	BoundingBox  Dimensions `json:"bounding_box"`
	IsWatertight bool       `json:"is_watertight"`
	Volume       *float64   `json:"volume"`
	Center       []float64  `json:"center"`
}

// Analysis is the printability report for one mesh.
type Analysis struct {
	Stats
	Issues            []string `json:"issues"`
	Recommendations   []string `json:"recommendations"`
	PrintabilityScore int      `json:"printability_score"`
}

// OptimizeOptions selects which repair and scaling steps run. Nil
// booleans default to enabled on the service side.
type OptimizeOptions struct {
	FillHoles      *bool       `json:"fill_holes,omitempty"`
	FixNormals     *bool       `json:"fix_normals,omitempty"`
	MakeWatertight *bool       `json:"make_watertight,omitempty"`
	CenterMesh     *bool       `json:"center_mesh,omitempty"`
	TargetSize     *Dimensions `json:"target_size,omitempty"`
	UniformScale   float64     `json:"uniform_scale,omitempty"`
	PrintBedSize   *Dimensions `json:"print_bed_size,omitempty"`
}

// OptimizeResult carries the repaired mesh and the before/after stats.
type OptimizeResult struct {
	Data         []byte
	OutputFormat string
	Original     Stats
	Optimized    Stats
	Operations   []string
	Warnings     []string
}

// Analyze reports printability statistics and issues for a mesh. Pass
// either the raw bytes or a URL the service can download from.
func (c *Client) Analyze(ctx context.Context, data []byte, fileURL string) (*Analysis, error) {
	body := map[string]any{}
	switch {
	case len(data) > 0:
		body["file_data"] = base64.StdEncoding.EncodeToString(data)
	case strings.TrimSpace(fileURL) != "":
		body["file_url"] = strings.TrimSpace(fileURL)
	default:
		return nil, fmt.Errorf("meshops: mesh data or url is required")
	}

	var resp struct {
		Success  bool      `json:"success"`
		Analysis *Analysis `json:"analysis"`
		Error    string    `json:"error"`
	}
	if err := c.post(ctx, "/trimesh_analyze", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Analysis == nil {
		return nil, fmt.Errorf("meshops: analyze failed: %s", resp.Error)
	}
	return resp.Analysis, nil
}

// Optimize repairs and rescales a mesh for printing. format selects the
// output container, glb or stl.
func (c *Client) Optimize(ctx context.Context, data []byte, opts OptimizeOptions, format string) (*OptimizeResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("meshops: mesh data is required")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "glb"
	}
	if format != "glb" && format != "stl" {
		return nil, fmt.Errorf("meshops: unsupported output format %q", format)
	}

	body := map[string]any{
		"file_data":     base64.StdEncoding.EncodeToString(data),
		"options":       opts,
		"output_format": format,
	}
	var resp struct {
		Success      bool     `json:"success"`
		FileData     string   `json:"file_data"`
		Original     Stats    `json:"original"`
		Optimized    Stats    `json:"optimized"`
		Operations   []string `json:"operations"`
		Warnings     []string `json:"warnings"`
		OutputFormat string   `json:"output_format"`
		Error        string   `json:"error"`
	}
	if err := c.post(ctx, "/trimesh_optimize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("meshops: optimize failed: %s", resp.Error)
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.FileData)
	if err != nil {
		return nil, fmt.Errorf("meshops: decode optimized mesh: %w", err)
	}
	return &OptimizeResult{
		Data:         decoded,
		OutputFormat: resp.OutputFormat,
		Original:     resp.Original,
		Optimized:    resp.Optimized,
		Operations:   resp.Operations,
		Warnings:     resp.Warnings,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("meshops: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("meshops: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("meshops: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	// The service reports failures in the JSON envelope with a non-2xx
	// status; decode the body either way so the error message survives.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("meshops: %s returned status %d", path, resp.StatusCode)
		}
		return fmt.Errorf("meshops: decode response: %w", err)
	}
	return nil
}
