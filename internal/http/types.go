package http

import (
	"encoding/json"

	"saiten/internal/coordinator"
	"saiten/internal/journal"
	"saiten/internal/session"
	"saiten/internal/watch"
)

// ErrorResponse is the error envelope shared by every surface.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// SubmitGradingRequest starts a grading job for a batch. Everything
// past batchId is forwarded to the engine untouched.
type SubmitGradingRequest struct {
	BatchID  string         `json:"batchId"`
	RubricID string         `json:"rubricId,omitempty"`
	PaperIDs []string       `json:"paperIds,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type SubmitGradingResponse struct {
	Success    bool                  `json:"success"`
	JobID      string                `json:"jobId,omitempty"`
	TotalUnits int                   `json:"totalUnits,omitempty"`
	Snapshot   *coordinator.Snapshot `json:"snapshot,omitempty"`
	Code       string                `json:"code,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// GradingStatusResponse is the lifecycle view returned by status,
// cancel and reset. Wizard and Notice are only set by recovery.
type GradingStatusResponse struct {
	Success  bool                  `json:"success"`
	Snapshot *coordinator.Snapshot `json:"snapshot,omitempty"`
	Wizard   *session.WizardState  `json:"wizard,omitempty"`
	Notice   string                `json:"notice,omitempty"`
	Code     string                `json:"code,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// WizardPutRequest replaces the session's wizard checkpoint.
type WizardPutRequest struct {
	Step         int             `json:"step"`
	BatchID      string          `json:"batchId,omitempty"`
	FormSnapshot json.RawMessage `json:"formSnapshot,omitempty"`
}

type WizardResponse struct {
	Success   bool                 `json:"success"`
	Wizard    *session.WizardState `json:"wizard,omitempty"`
	Unchanged bool                 `json:"unchanged,omitempty"`
	Code      string               `json:"code,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type IndicatorResponse struct {
	Success   bool                 `json:"success"`
	Indicator watch.IndicatorState `json:"indicator"`
}

type RunsResponse struct {
	Success bool          `json:"success"`
	Runs    []journal.Run `json:"runs"`
	Count   int           `json:"count"`
	Code    string        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type RunDetailResponse struct {
	Success bool               `json:"success"`
	Run     *journal.Run       `json:"run,omitempty"`
	Errors  []journal.RunError `json:"errors,omitempty"`
	Code    string             `json:"code,omitempty"`
	Error   string             `json:"error,omitempty"`
}
