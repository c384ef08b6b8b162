package types

import (
	"time"

	"github.com/google/uuid"
)

// Phase identifies a stage of a migration run.
type Phase string

const (
	PhaseAnalyzing      Phase = "Analyzing"
	PhaseExporting      Phase = "Exporting"
	PhaseImporting      Phase = "Importing"
	PhaseDeferredFields Phase = "ProcessingDeferredFields"
	PhaseRelationships  Phase = "ProcessingRelationships"
	PhaseComplete       Phase = "Complete"
	PhaseError          Phase = "Error"
)

// ProgressEvent is one snapshot on the progress channel. Counters are
// cumulative for the (Phase, Entity) key and monotonically non-decreasing.
type ProgressEvent struct {
	Phase        Phase          `json:"phase"`
	Entity       string         `json:"entity,omitempty"`
	Relationship string         `json:"relationship,omitempty"`
	TierIndex    int            `json:"tier,omitempty"`
	Current      int            `json:"current"`
	Total        int            `json:"total"`
	SuccessCount int            `json:"success"`
	FailureCount int            `json:"failed"`
	InstantRate  float64        `json:"rate,omitempty"` // records/sec over the sampling window
	ETA          time.Duration  `json:"-"`
	Overall      float64        `json:"overall,omitempty"` // 0..1 across the whole run
	ErrorSamples []*RecordError `json:"errors,omitempty"`
	Message      string         `json:"message,omitempty"`
	Timestamp    time.Time      `json:"ts"`
}

// RecordError is one per-record failure with enough context to attribute it
// back to the caller's input.
type RecordError struct {
	RowRef    string    `json:"rowRef,omitempty"`
	Entity    string    `json:"entity,omitempty"`
	Field     string    `json:"field,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Message   string    `json:"message"`
	RecordID  uuid.UUID `json:"recordId,omitempty"`
}

func (e *RecordError) Error() string {
	if e.ErrorCode != "" {
		return e.ErrorCode + ": " + e.Message
	}
	return e.Message
}

// Well-known error codes surfaced in RecordError.ErrorCode.
const (
	ErrCodeMissingReference = "MissingReference"
	ErrCodeMissingUser      = "MissingUser"
	ErrCodeDuplicate        = "Duplicate"
	ErrCodePermission       = "Permission"
	ErrCodeRequiredField    = "RequiredField"
	ErrCodeValidation       = "Validation"
	ErrCodeThrottled        = "Throttled"
	ErrCodeTransient        = "Transient"
	ErrCodeCancelled        = "Cancelled"
)

// MigrationResult is the terminal summary of one run.
type MigrationResult struct {
	Success      bool           `json:"success"`
	Duration     time.Duration  `json:"duration"`
	TotalRecords int            `json:"totalRecords"`
	SuccessCount int            `json:"successCount"`
	FailureCount int            `json:"failureCount"`
	CreatedCount int            `json:"createdCount,omitempty"`
	UpdatedCount int            `json:"updatedCount,omitempty"`
	SkippedCount int            `json:"skippedCount,omitempty"`
	Cancelled    bool           `json:"cancelled,omitempty"`
	Errors       []*RecordError `json:"errors,omitempty"`
}

// Merge folds another result into this one, summing counters and appending
// errors. Success is the conjunction.
func (r *MigrationResult) Merge(o *MigrationResult) {
	if o == nil {
		return
	}
	r.TotalRecords += o.TotalRecords
	r.SuccessCount += o.SuccessCount
	r.FailureCount += o.FailureCount
	r.CreatedCount += o.CreatedCount
	r.UpdatedCount += o.UpdatedCount
	r.SkippedCount += o.SkippedCount
	r.Errors = append(r.Errors, o.Errors...)
	if !o.Success {
		r.Success = false
	}
	if o.Cancelled {
		r.Cancelled = true
	}
}
