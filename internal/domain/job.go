package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus describes the lifecycle states of a recalculation job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be (re)run.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusRunning indicates the batch loop is currently executing.
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusCompleted indicates every affected product was recalculated.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusPartial indicates the run finished but some products failed.
	JobStatusPartial JobStatus = "PARTIAL"
	// JobStatusFailed indicates the batch loop itself failed on every attempt.
	JobStatusFailed JobStatus = "FAILED"
)

// MaxRetainedJobFailures caps the per-item failure list stored on a job.
// Failures beyond the cap are still counted in Progress.Failed.
const MaxRetainedJobFailures = 100

// JobProgress holds the incremental counters of a recalculation run.
type JobProgress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// JobFailure records a single product that could not be recalculated.
type JobFailure struct {
	ProductID int64  `json:"product_id"`
	Error     string `json:"error"`
}

// RecalculationJob tracks a background recalculation across all products
// inheriting a configuration (or priced from a metal type). It is mutated only
// by the job runner; API callers may only request a retry or a cancellation.
type RecalculationJob struct {
	ID              uuid.UUID    `json:"id"`
	Status          JobStatus    `json:"status"`
	ConfigurationID *int64       `json:"configuration_id,omitempty"`
	MetalType       *string      `json:"metal_type,omitempty"`
	TriggeredBy     string       `json:"triggered_by"`
	Progress        JobProgress  `json:"progress"`
	Failures        []JobFailure `json:"failures"`
	Attempts        int          `json:"attempts"`
	MaxAttempts     int          `json:"max_attempts"`
	LastError       *string      `json:"last_error,omitempty"`
	CancelRequested bool         `json:"cancel_requested"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// RecordFailure counts a per-product failure and retains it if the cap has not
// been reached.
func (j *RecalculationJob) RecordFailure(productID int64, errMsg string) {
	j.Progress.Failed++
	if len(j.Failures) < MaxRetainedJobFailures {
		j.Failures = append(j.Failures, JobFailure{ProductID: productID, Error: errMsg})
	}
}

// IsActive reports whether the job occupies its configuration's single
// in-flight slot.
func (j *RecalculationJob) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}
