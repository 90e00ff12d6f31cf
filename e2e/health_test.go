package e2e

import (
	"net/http"
	"testing"
)

func TestRoot(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["timestamp"] == nil {
		t.Error("expected 'timestamp' in response")
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", result["status"])
	}
	services, ok := result["services"].(map[string]interface{})
	if !ok {
		t.Fatal("expected 'services' object in response")
	}
	store, ok := services["store"].(map[string]interface{})
	if !ok || store["ok"] != true {
		t.Errorf("expected store to be healthy, got %v", services["store"])
	}
}

func TestHealthDegraded(t *testing.T) {
	ta := setupApp(t)
	ta.store.Close()

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusServiceUnavailable)

	if result := parseJSON(t, resp); result["status"] != "degraded" {
		t.Errorf("expected status 'degraded', got %v", result["status"])
	}
}
