package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"saiten/internal/config"
	"saiten/internal/coordinator"
	"saiten/internal/gradeapi"
	"saiten/internal/model"
	"saiten/internal/recovery"
	"saiten/internal/session"
	"saiten/internal/watch"
)

// stubEngine satisfies gradeapi.API with overridable behavior. The
// defaults accept a three-unit job that stays in processing.
type stubEngine struct {
	submit func(ctx context.Context, batchID string, payload gradeapi.SubmitPayload) (*gradeapi.SubmitResult, error)
	status func(ctx context.Context, jobID string) (*model.GradingJob, error)
	cancel func(ctx context.Context, jobID string) error
	batch  func(ctx context.Context, batchID string) (*model.Batch, error)
}

func (s *stubEngine) SubmitJob(ctx context.Context, batchID string, payload gradeapi.SubmitPayload) (*gradeapi.SubmitResult, error) {
	if s.submit != nil {
		return s.submit(ctx, batchID, payload)
	}
	return &gradeapi.SubmitResult{JobID: "J1", TotalUnits: 3}, nil
}

func (s *stubEngine) GetJobStatus(ctx context.Context, jobID string) (*model.GradingJob, error) {
	if s.status != nil {
		return s.status(ctx, jobID)
	}
	return &model.GradingJob{
		JobID:          jobID,
		Status:         model.StatusProcessing,
		TotalUnits:     3,
		ProcessedUnits: 1,
	}, nil
}

func (s *stubEngine) CancelJob(ctx context.Context, jobID string) error {
	if s.cancel != nil {
		return s.cancel(ctx, jobID)
	}
	return nil
}

func (s *stubEngine) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	if s.batch != nil {
		return s.batch(ctx, batchID)
	}
	return &model.Batch{ID: batchID, Name: "Batch"}, nil
}

// newTestApp wires the v1 routes over real subsystems backed by the
// in-memory store, without auth or rate limiting.
func newTestApp(t *testing.T, api gradeapi.API, cfg *config.Config) *fiber.App {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewMemoryStore(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	coord := coordinator.New(ctx, api, store, logger, coordinator.Options{})
	recov := recovery.New(api, store, coord, logger, nil)
	watcher := watch.New(ctx, store, api, logger, watch.Options{})

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("store", store)
		c.Locals("coordinator", coord)
		c.Locals("recovery", recov)
		c.Locals("watcher", watcher)
		return c.Next()
	})
	registerV1Routes(app.Group("/v1"))
	return app
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestSubmitGrading_Accepted(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	req := jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{"batchId":"B1"}`)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var out SubmitGradingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Success || out.JobID != "J1" || out.TotalUnits != 3 {
		t.Fatalf("unexpected response: %+v", out)
	}
	if out.Snapshot == nil || out.Snapshot.Phase != coordinator.PhasePolling {
		t.Fatalf("expected polling snapshot, got %+v", out.Snapshot)
	}
}

func TestSubmitGrading_SecondJobConflicts(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{"batchId":"B1"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp, err = app.Test(jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{"batchId":"B2"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	var out ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Code != "GRADING_ACTIVE" {
		t.Fatalf("expected GRADING_ACTIVE, got %q", out.Code)
	}
}

func TestSubmitGrading_MissingBatchID(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitGrading_ValidationFailure(t *testing.T) {
	engine := &stubEngine{
		submit: func(_ context.Context, _ string, _ gradeapi.SubmitPayload) (*gradeapi.SubmitResult, error) {
			return nil, &gradeapi.ValidationError{Message: "rubric is required"}
		},
	}
	app := newTestApp(t, engine, nil)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{"batchId":"B1"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var out ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected VALIDATION_FAILED, got %q", out.Code)
	}
}

func TestSubmitGrading_EngineDown(t *testing.T) {
	engine := &stubEngine{
		submit: func(_ context.Context, _ string, _ gradeapi.SubmitPayload) (*gradeapi.SubmitResult, error) {
			return nil, &gradeapi.TransportError{Op: "submit job", Err: fmt.Errorf("connection refused")}
		},
	}
	app := newTestApp(t, engine, nil)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{"batchId":"B1"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}

	var out ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Code != "ENGINE_UNAVAILABLE" {
		t.Fatalf("expected ENGINE_UNAVAILABLE, got %q", out.Code)
	}
}

func TestSubmitGrading_UnknownBatch(t *testing.T) {
	engine := &stubEngine{
		submit: func(_ context.Context, batchID string, _ gradeapi.SubmitPayload) (*gradeapi.SubmitResult, error) {
			return nil, &gradeapi.NotFoundError{Resource: "batch", ID: batchID}
		},
	}
	app := newTestApp(t, engine, nil)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{"batchId":"missing"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGradingStatus_CleanSession(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/grading", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out GradingStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Success || out.Snapshot == nil || out.Snapshot.Phase != coordinator.PhaseIdle {
		t.Fatalf("expected idle snapshot, got %+v", out.Snapshot)
	}
}

func TestCancelGrading_NothingActive(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1/grading", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelGrading_ActiveJob(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{"batchId":"B1"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1/grading", nil)
	resp, err = app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var out GradingStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Snapshot == nil || out.Snapshot.Phase != coordinator.PhaseCancelled {
		t.Fatalf("expected cancelled snapshot, got %+v", out.Snapshot)
	}
}

func TestResetGrading_ReturnsToIdle(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/v1/sessions/s1/grading", `{"batchId":"B1"}`), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/grading/reset", nil)
	resp, err = app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out GradingStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Snapshot == nil || out.Snapshot.Phase != coordinator.PhaseIdle {
		t.Fatalf("expected idle snapshot, got %+v", out.Snapshot)
	}
}
