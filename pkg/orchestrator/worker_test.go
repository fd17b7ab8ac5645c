package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPWorkerInvoke(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer server.Close()

	worker := NewHTTPWorker(server.URL+"/deploy", time.Second, nil)
	if err := worker.Invoke(context.Background(), "d1"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got["deployment_id"] != "d1" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestHTTPWorkerDecodesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "code transfer failed", "details": "push rejected"})
	}))
	defer server.Close()

	err := NewHTTPWorker(server.URL, time.Second, server.Client()).Invoke(context.Background(), "d1")
	var workerErr *WorkerError
	if !errors.As(err, &workerErr) {
		t.Fatalf("expected WorkerError, got %v", err)
	}
	if workerErr.StatusCode != http.StatusBadGateway || workerErr.Details != "push rejected" {
		t.Fatalf("unexpected error %+v", workerErr)
	}
}

func TestHTTPWorkerPlainTextFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewHTTPWorker(server.URL, time.Second, nil).Invoke(context.Background(), "d1")
	var workerErr *WorkerError
	if !errors.As(err, &workerErr) || workerErr.Message != "upstream down" {
		t.Fatalf("unexpected error %v", err)
	}
}
