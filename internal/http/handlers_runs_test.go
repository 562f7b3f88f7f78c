package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunsList_NotConfigured(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/runs", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	var out ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Code != "NOT_AVAILABLE" {
		t.Fatalf("expected NOT_AVAILABLE, got %q", out.Code)
	}
}

func TestRunDetail_InvalidID(t *testing.T) {
	app := newTestApp(t, &stubEngine{}, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/runs/not-a-uuid", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
