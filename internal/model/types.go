package model

import "time"

// JobStatus represents the lifecycle state of a grading job as
// reported by the grading engine. These values must match the text
// values on the engine's wire format.
//
// Centralizing these here avoids scattering string literals like
// "pending" or "completed" across packages.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// UnitError is a single per-paper grading failure. The engine appends
// these in grading order; the list is never rewritten.
type UnitError struct {
	UnitID  string `json:"unitId"`
	Message string `json:"message"`
}

// GradingJob is the engine-owned view of one batch grading run. Saiten
// caches it per poll; it is never persisted (only job identity is).
type GradingJob struct {
	JobID           string      `json:"jobId"`
	BatchID         string      `json:"batchId"`
	Status          JobStatus   `json:"status"`
	TotalUnits      int         `json:"totalUnits"`
	ProcessedUnits  int         `json:"processedUnits"`
	SuccessfulUnits int         `json:"successfulUnits"`
	Errors          []UnitError `json:"errors,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// Batch is the parent exam batch a job grades. Saiten only reads it to
// verify a checkpointed job still has a living parent.
type Batch struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	PaperCount int       `json:"paperCount"`
	CreatedAt  time.Time `json:"createdAt"`
}
