package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler(t *testing.T) {
	InitStartTime()

	bound := 3
	handler := HealthHandler("1.0.0", map[string]func() int{
		"bound_sessions": func() int { return bound },
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %s, want ok", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("version = %s, want 1.0.0", resp.Version)
	}
	if resp.Uptime < 0 {
		t.Errorf("uptime = %d, want >= 0", resp.Uptime)
	}
	if resp.Gauges["bound_sessions"] != 3 {
		t.Errorf("bound_sessions = %d, want 3", resp.Gauges["bound_sessions"])
	}
}

func TestHealthHandler_NoGauges(t *testing.T) {
	w := httptest.NewRecorder()
	HealthHandler("1.0.0", nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if _, ok := raw["gauges"]; ok {
		t.Error("gauges should be omitted when none are configured")
	}
}
