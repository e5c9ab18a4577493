package domain

import "time"

// PipelineStatus enumerates pipeline lifecycle states.
type PipelineStatus string

const (
	StatusDraft           PipelineStatus = "DRAFT"
	StatusGeneratingViews PipelineStatus = "GENERATING_VIEWS"
	StatusBatchQueued     PipelineStatus = "BATCH_QUEUED"
	StatusBatchProcessing PipelineStatus = "BATCH_PROCESSING"
	StatusViewsReady      PipelineStatus = "VIEWS_READY"
	StatusGeneratingModel PipelineStatus = "GENERATING_MODEL"
	StatusCompleted       PipelineStatus = "COMPLETED"
	StatusFailed          PipelineStatus = "FAILED"
)

// statusRank orders statuses along the forward path. The batch sub-path
// shares the rank band of the direct view-generation path so duplicate
// advance calls compare equal regardless of which path a pipeline took.
var statusRank = map[PipelineStatus]int{
	StatusDraft:           0,
	StatusGeneratingViews: 1,
	StatusBatchQueued:     1,
	StatusBatchProcessing: 1,
	StatusViewsReady:      2,
	StatusGeneratingModel: 3,
	StatusCompleted:       4,
}

// Rank reports the forward position of s. Failed has no rank; callers
// must test Terminal first.
func (s PipelineStatus) Rank() int {
	return statusRank[s]
}

// After reports whether s is strictly past other on the forward path.
func (s PipelineStatus) After(other PipelineStatus) bool {
	if s == StatusFailed || other == StatusFailed {
		return false
	}
	return s.Rank() > other.Rank()
}

// Stage identifies a paid phase of the pipeline.
type Stage string

const (
	StageViews Stage = "views"
	StageModel Stage = "model"
)

// PipelineInput holds the artifacts and choices a pipeline consumes.
type PipelineInput struct {
	SourceImageKey string   `json:"source_image_key"`
	SourceImageURL string   `json:"source_image_url,omitempty"`
	Angles         []string `json:"angles"`
	Vendor         string   `json:"vendor,omitempty"`
	Quality        string   `json:"quality"`
	UseBatch       bool     `json:"use_batch,omitempty"`
}

// ViewOutput is one synthesized view image.
type ViewOutput struct {
	Angle      string `json:"angle"`
	URL        string `json:"url"`
	StorageKey string `json:"storage_key,omitempty"`
}

// StageOutputs accumulates artifacts produced by succeeded stages. A
// written output is never overwritten except by an explicit, paid
// regenerate action.
type StageOutputs struct {
	Views      []ViewOutput      `json:"views,omitempty"`
	MeshURL    string            `json:"mesh_url,omitempty"`
	MeshFormat string            `json:"mesh_format,omitempty"`
	ExtraFiles map[string]string `json:"extra_files,omitempty"`
}

// View returns the output for the given angle, if present.
func (o *StageOutputs) View(angle string) (ViewOutput, bool) {
	for _, v := range o.Views {
		if v.Angle == angle {
			return v, true
		}
	}
	return ViewOutput{}, false
}

// SetView writes or replaces the output for one angle.
func (o *StageOutputs) SetView(v ViewOutput) {
	for i := range o.Views {
		if o.Views[i].Angle == v.Angle {
			o.Views[i] = v
			return
		}
	}
	o.Views = append(o.Views, v)
}

// MissingAngles lists requested angles that have no view output yet.
func (o *StageOutputs) MissingAngles(requested []string) []string {
	var missing []string
	for _, angle := range requested {
		if _, ok := o.View(angle); !ok {
			missing = append(missing, angle)
		}
	}
	return missing
}

// PipelineError is the classified form of the last failure, safe for
// client display. Raw vendor payloads never land here.
type PipelineError struct {
	Category    string `json:"category"`
	Code        string `json:"code,omitempty"`
	UserMessage string `json:"user_message"`
	Retryable   bool   `json:"retryable"`
}

// Pipeline is the unit of work taking one photo to a printable model.
type Pipeline struct {
	ID            string
	OwnerID       string
	Status        PipelineStatus
	Input         PipelineInput
	Outputs       StageOutputs
	ProviderRef   string
	AttemptHandle string
	Attempt       int
	ReservationID string

	CreditsReserved int
	CreditsCharged  int
	CreditsRefunded int

	RetryCount int
	MaxRetries int

	Error          *PipelineError
	StageStartedAt *time.Time
	NextPollAt     *time.Time
	NextRetryAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the pipeline reached a final state.
func (p *Pipeline) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// InFlight reports whether a vendor attempt is being driven for p.
func (p *Pipeline) InFlight() bool {
	switch p.Status {
	case StatusGeneratingViews, StatusBatchQueued, StatusBatchProcessing, StatusGeneratingModel:
		return true
	}
	return false
}

// CurrentStage names the stage the pipeline is executing or would
// execute next.
func (p *Pipeline) CurrentStage() Stage {
	switch p.Status {
	case StatusDraft, StatusGeneratingViews, StatusBatchQueued, StatusBatchProcessing:
		return StageViews
	default:
		return StageModel
	}
}

// FailedStage determines which stage a failed pipeline should re-enter,
// based on which outputs already exist.
func (p *Pipeline) FailedStage() Stage {
	if len(p.Outputs.MissingAngles(p.Input.Angles)) > 0 || len(p.Outputs.Views) == 0 {
		return StageViews
	}
	return StageModel
}
