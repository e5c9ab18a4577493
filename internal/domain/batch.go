package domain

import "time"

// BatchItemStatus enumerates per-item states inside a vendor batch.
type BatchItemStatus string

const (
	BatchItemPending   BatchItemStatus = "PENDING"
	BatchItemSucceeded BatchItemStatus = "SUCCEEDED"
	BatchItemFailed    BatchItemStatus = "FAILED"
)

// Terminal reports whether the item reached a final state. A failed
// item that still has retries left stays PENDING; FAILED is permanent.
func (s BatchItemStatus) Terminal() bool {
	return s == BatchItemSucceeded || s == BatchItemFailed
}

// BatchItem is one sub-request of a vendor batch, one per view angle.
// Items succeed and fail independently of their siblings.
type BatchItem struct {
	Angle         string          `json:"angle"`
	Status        BatchItemStatus `json:"status"`
	ResultURL     string          `json:"result_url,omitempty"`
	StorageKey    string          `json:"storage_key,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
	RetryCount    int             `json:"retry_count"`
	// RetryHandle is set when a failed item was resubmitted as a
	// standalone request; such items are polled individually.
	RetryHandle string `json:"retry_handle,omitempty"`
}

// BatchKind distinguishes full view batches from single-angle redos.
type BatchKind string

const (
	BatchKindViews      BatchKind = "views"
	BatchKindRegenerate BatchKind = "regenerate"
)

// BatchJob tracks one vendor-side batch bound to a pipeline.
type BatchJob struct {
	ID          string
	PipelineID  string
	Kind        BatchKind
	VendorJobID string
	Items       []BatchItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TerminalCount reports how many items reached a final state.
func (b *BatchJob) TerminalCount() int {
	n := 0
	for _, item := range b.Items {
		if item.Status.Terminal() {
			n++
		}
	}
	return n
}

// Terminal reports whether every item is terminal. A terminal batch
// never regresses: callers must not flip items back to PENDING.
func (b *BatchJob) Terminal() bool {
	return b.TerminalCount() == len(b.Items)
}

// FailedItems returns the permanently failed items.
func (b *BatchJob) FailedItems() []BatchItem {
	var failed []BatchItem
	for _, item := range b.Items {
		if item.Status == BatchItemFailed {
			failed = append(failed, item)
		}
	}
	return failed
}

// Item returns a pointer to the item for the given angle.
func (b *BatchJob) Item(angle string) *BatchItem {
	for i := range b.Items {
		if b.Items[i].Angle == angle {
			return &b.Items[i]
		}
	}
	return nil
}
