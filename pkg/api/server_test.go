package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/remotefs/remotefs/internal/metrics"
	"github.com/remotefs/remotefs/pkg/health"
)

func TestNewServer(t *testing.T) {
	config := DefaultServerConfig()
	healthTracker := health.NewTracker()

	server := NewServer(config, healthTracker, nil)

	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	if server.healthTracker != healthTracker {
		t.Error("Health tracker not set correctly")
	}
	if server.httpServer == nil {
		t.Error("HTTP server not initialized")
	}
}

func TestHandleHealth(t *testing.T) {
	healthTracker := health.NewTracker()
	healthTracker.Register("mount", func(ctx context.Context) error { return nil })

	server := &Server{
		healthTracker: healthTracker,
		config:        DefaultServerConfig(),
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status=healthy, got %v", response["status"])
	}
}

func TestHandleHealthUnavailable(t *testing.T) {
	healthTracker := health.NewTracker()
	healthTracker.Register("remote", func(ctx context.Context) error { return errors.New("connection refused") })

	server := &Server{
		healthTracker: healthTracker,
		config:        DefaultServerConfig(),
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "unavailable" {
		t.Errorf("Expected status=unavailable, got %v", response["status"])
	}
}

func TestHandleHealthComponents(t *testing.T) {
	healthTracker := health.NewTracker()
	healthTracker.Register("mount", func(ctx context.Context) error { return nil })
	healthTracker.Register("changefeed", func(ctx context.Context) error { return nil })

	server := &Server{
		healthTracker: healthTracker,
		config:        DefaultServerConfig(),
	}

	req := httptest.NewRequest(http.MethodGet, "/health/components", nil)
	w := httptest.NewRecorder()
	server.handleHealthComponents(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]health.Result
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response) != 2 {
		t.Errorf("Expected 2 components, got %d", len(response))
	}
}

func TestHandleLiveness(t *testing.T) {
	server := &Server{config: DefaultServerConfig()}

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	server.handleLiveness(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if alive, ok := response["alive"].(bool); !ok || !alive {
		t.Error("Expected alive=true")
	}
}

func TestHandleReadiness(t *testing.T) {
	healthTracker := health.NewTracker()
	healthTracker.Register("mount", func(ctx context.Context) error { return nil })
	healthTracker.RunAll(context.Background())

	server := &Server{
		healthTracker: healthTracker,
		config:        DefaultServerConfig(),
	}

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	server.handleReadiness(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if ready, ok := response["ready"].(bool); !ok || !ready {
		t.Error("Expected ready=true")
	}
}

func TestHandleReadinessUnavailable(t *testing.T) {
	healthTracker := health.NewTracker()
	healthTracker.Register("remote", func(ctx context.Context) error { return errors.New("down") })
	healthTracker.RunAll(context.Background())

	server := &Server{
		healthTracker: healthTracker,
		config:        DefaultServerConfig(),
	}

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	server.handleReadiness(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if ready, ok := response["ready"].(bool); !ok || ready {
		t.Error("Expected ready=false")
	}
}

func TestHandleOperationsWithoutCollector(t *testing.T) {
	server := &Server{config: DefaultServerConfig()}

	req := httptest.NewRequest(http.MethodGet, "/status/operations", nil)
	w := httptest.NewRecorder()
	server.handleOperations(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestHandleOperationsWithCollector(t *testing.T) {
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	collector.RecordOperation("read", 10*time.Millisecond, 512, true)

	server := &Server{collector: collector, config: DefaultServerConfig()}

	req := httptest.NewRequest(http.MethodGet, "/status/operations", nil)
	w := httptest.NewRecorder()
	server.handleOperations(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestHandleInfo(t *testing.T) {
	server := &Server{config: DefaultServerConfig()}

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()
	server.handleInfo(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["service"] != "remotefs" {
		t.Errorf("Expected service='remotefs', got %v", response["service"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := &Server{config: DefaultServerConfig()}

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	config := DefaultServerConfig()
	config.EnableCORS = true

	server := NewServer(config, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for OPTIONS, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header not set correctly")
	}
}

func TestServerShutdown(t *testing.T) {
	config := DefaultServerConfig()
	config.Address = "localhost:0"

	server := NewServer(config, nil, nil)
	server.StartBackground()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Server shutdown failed: %v", err)
	}
}

func TestNilTrackersAndCollector(t *testing.T) {
	server := &Server{config: DefaultServerConfig()}

	tests := []struct {
		name    string
		handler func(http.ResponseWriter, *http.Request)
		path    string
	}{
		{"Health without tracker", server.handleHealth, "/health"},
		{"Operations without collector", server.handleOperations, "/status/operations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			tt.handler(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("Expected status 200 with nil dependencies, got %d", w.Code)
			}
		})
	}
}

func BenchmarkHandleHealth(b *testing.B) {
	healthTracker := health.NewTracker()
	healthTracker.Register("mount", func(ctx context.Context) error { return nil })

	server := &Server{
		healthTracker: healthTracker,
		config:        DefaultServerConfig(),
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		server.handleHealth(w, req)
	}
}
