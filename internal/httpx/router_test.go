package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	return payload
}

func TestHealthAllComponentsUp(t *testing.T) {
	router := New(testLogger(), nil,
		ComponentCheck{Name: "docker", Check: func(context.Context) error { return nil }},
		ComponentCheck{Name: "redis", Check: func(context.Context) error { return nil }},
		ComponentCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	payload := decodeHealth(t, rec)
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", payload["status"])
	}
	components, ok := payload["components"].(map[string]any)
	if !ok || len(components) != 3 {
		t.Fatalf("components = %v", payload["components"])
	}
	docker := components["docker"].(map[string]any)
	if docker["status"] != "up" {
		t.Fatalf("docker component = %v", docker)
	}
}

func TestHealthDegradedComponent(t *testing.T) {
	router := New(testLogger(), nil,
		ComponentCheck{Name: "docker", Check: func(context.Context) error { return nil }},
		ComponentCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	payload := decodeHealth(t, rec)
	if payload["status"] != "degraded" {
		t.Fatalf("status field = %v, want degraded", payload["status"])
	}
	components := payload["components"].(map[string]any)
	redis := components["redis"].(map[string]any)
	if redis["status"] != "down" || redis["error"] != "connection refused" {
		t.Fatalf("redis component = %v", redis)
	}
	docker := components["docker"].(map[string]any)
	if docker["status"] != "up" {
		t.Fatal("healthy components should still report up")
	}
}

func TestHealthRejectsNonGet(t *testing.T) {
	router := New(testLogger(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	dropped := uint64(3)
	metrics := NewMetrics(func() uint64 { return dropped })
	router := New(testLogger(), metrics)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("metrics body is empty")
	}
}
