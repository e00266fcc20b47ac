package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/animo/animo-mediator/internal/pickup"
	"github.com/animo/animo-mediator/internal/store"
)

func TestHealthReportsConfiguredInstance(t *testing.T) {
	h := NewHandler(store.NewMemoryStore(), pickup.NewSessionRegistry(), "relay-7")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Instance != "relay-7" {
		t.Fatalf("instance = %q, want relay-7", resp.Instance)
	}
	if resp.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", resp.Status)
	}
	if check, ok := resp.Checks["store"]; !ok || check.Status != "pass" {
		t.Fatalf("store check = %+v, want pass", check)
	}
}
