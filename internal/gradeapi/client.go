package gradeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"saiten/internal/config"
	"saiten/internal/model"
)

// SubmitPayload is the grading configuration forwarded to the engine.
// Saiten does not interpret it beyond validation; the wizard owns its
// meaning.
type SubmitPayload struct {
	RubricID string         `json:"rubricId,omitempty"`
	PaperIDs []string       `json:"paperIds,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// SubmitResult is the engine's acknowledgment of a new grading job.
type SubmitResult struct {
	JobID      string `json:"jobId"`
	TotalUnits int    `json:"totalUnits"`
}

// API is the capability surface the rest of saiten depends on. Poll
// loops take only the status-fetch slice of it.
type API interface {
	SubmitJob(ctx context.Context, batchID string, payload SubmitPayload) (*SubmitResult, error)
	GetJobStatus(ctx context.Context, jobID string) (*model.GradingJob, error)
	CancelJob(ctx context.Context, jobID string) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
}

// Client talks to the grading engine over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a Client from configuration. The request timeout
// falls back to 15s when unset.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	timeoutMs := cfg.Engine.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 15000
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.Engine.BaseURL, "/"),
		apiKey:     cfg.Engine.APIKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger:     logger,
	}
}

// engineError is the engine's error envelope.
type engineError struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) SubmitJob(ctx context.Context, batchID string, payload SubmitPayload) (*SubmitResult, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, &ValidationError{Message: "batch id is required"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Message: "payload is not serializable: " + err.Error()}
	}

	url := fmt.Sprintf("%s/api/batches/%s/grading-jobs", c.baseURL, batchID)
	resp, err := c.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "submit job", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &ValidationError{Message: readEngineError(resp.Body, "submission rejected")}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ForbiddenError{Resource: "batch", ID: batchID}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &NotFoundError{Resource: "batch", ID: batchID}
	case resp.StatusCode >= 300:
		return nil, &TransportError{Op: "submit job", Err: fmt.Errorf("engine returned status %d", resp.StatusCode)}
	}

	var out SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: "submit job", Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(out.JobID) == "" {
		return nil, &TransportError{Op: "submit job", Err: fmt.Errorf("engine returned no job id")}
	}
	return &out, nil
}

func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*model.GradingJob, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, &NotFoundError{Resource: "job", ID: jobID}
	}

	url := fmt.Sprintf("%s/api/grading-jobs/%s", c.baseURL, jobID)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "get job status", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ForbiddenError{Resource: "job", ID: jobID}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &NotFoundError{Resource: "job", ID: jobID}
	case resp.StatusCode >= 300:
		return nil, &TransportError{Op: "get job status", Err: fmt.Errorf("engine returned status %d", resp.StatusCode)}
	}

	var job model.GradingJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, &TransportError{Op: "get job status", Err: fmt.Errorf("decode response: %w", err)}
	}
	if job.JobID == "" {
		job.JobID = jobID
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &NotFoundError{Resource: "job", ID: jobID}
	}

	url := fmt.Sprintf("%s/api/grading-jobs/%s", c.baseURL, jobID)
	resp, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return &TransportError{Op: "cancel job", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ForbiddenError{Resource: "job", ID: jobID}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &NotFoundError{Resource: "job", ID: jobID}
	case resp.StatusCode >= 300:
		return &TransportError{Op: "cancel job", Err: fmt.Errorf("engine returned status %d", resp.StatusCode)}
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, &NotFoundError{Resource: "batch", ID: batchID}
	}

	url := fmt.Sprintf("%s/api/batches/%s", c.baseURL, batchID)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "get batch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ForbiddenError{Resource: "batch", ID: batchID}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &NotFoundError{Resource: "batch", ID: batchID}
	case resp.StatusCode >= 300:
		return nil, &TransportError{Op: "get batch", Err: fmt.Errorf("engine returned status %d", resp.StatusCode)}
	}

	var batch model.Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, &TransportError{Op: "get batch", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &batch, nil
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(req)
}

// readEngineError pulls a human-readable message out of the engine's
// error envelope, falling back when the body is not the envelope.
func readEngineError(r io.Reader, fallback string) string {
	var envelope engineError
	if err := json.NewDecoder(r).Decode(&envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return fallback
}
