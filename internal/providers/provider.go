package providers

import (
	"context"
	"fmt"
)

// Kind distinguishes what a vendor request produces.
type Kind string

const (
	KindViews Kind = "views"
	KindMesh  Kind = "mesh"
)

// Request is the normalized input passed to any adapter. Vendor-specific
// request shapes live entirely inside each implementation.
type Request struct {
	PipelineID string
	Kind       Kind
	ImageURL   string
	Angles     []string
	Quality    string
}

// Handle identifies an in-flight vendor attempt. It is durable: any
// later invocation can resume polling from it.
type Handle struct {
	Vendor string `json:"vendor"`
	ID     string `json:"id"`
}

func (h Handle) Zero() bool { return h.ID == "" }

// State is the terse status of a vendor attempt.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Progress is one poll observation. Failure is set when the vendor
// itself reported the attempt failed; transport problems surface as the
// Poll error instead.
type Progress struct {
	State   State
	Percent int
	Detail  string
	Failure *VendorError
}

// ViewArtifact is one synthesized view image.
type ViewArtifact struct {
	Angle  string
	URL    string
	Format string
	Data   []byte
}

// Artifact is the normalized terminal result of a vendor attempt.
type Artifact struct {
	Views      []ViewArtifact
	MeshURL    string
	MeshFormat string
	// Files maps auxiliary formats (fbx, usdz, ...) to download URLs.
	Files map[string]string
}

// Adapter is the uniform capability contract over one external AI
// vendor. Callers never branch on vendor-specific errors directly;
// everything an adapter returns goes through the classifier first.
type Adapter interface {
	Vendor() string
	Submit(ctx context.Context, req Request) (Handle, error)
	Poll(ctx context.Context, h Handle) (Progress, error)
	Fetch(ctx context.Context, h Handle) (Artifact, error)
}

// BatchItemStatus is the normalized per-item observation of a batch
// poll. Items complete independently; callers must not assume any
// ordering of completions.
type BatchItemStatus struct {
	Index   int
	State   State
	URL     string
	Failure *VendorError
}

// BatchSubmitter is the optional capability of vendors that accept
// several generation requests as one job.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, reqs []Request) (Handle, error)
	PollBatch(ctx context.Context, h Handle) ([]BatchItemStatus, error)
}

// VendorError carries the vendor-reported failure fields the classifier
// matches on. Raw response bodies stay inside the adapter.
type VendorError struct {
	Vendor     string
	StatusCode int
	Code       string
	Message    string
}

func (e *VendorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Vendor, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s (http %d)", e.Vendor, e.Message, e.StatusCode)
}
