package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/services/cdn"
	"loom/internal/services/gpu"
	"loom/internal/stage"
)

func fastGPUClient(baseURL string) *gpu.Client {
	return gpu.NewClient(
		gpu.Config{BaseURL: baseURL},
		gpu.WithPollInterval(time.Millisecond),
		gpu.WithRetryBackoff(0, 0),
		gpu.WithSleeper(func(time.Duration) {}),
	)
}

func TestSynthesisExecute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /enqueue", func(w http.ResponseWriter, r *http.Request) {
		var task gpu.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			t.Fatalf("decode task: %v", err)
		}
		if task.Operation != "voiceover" || task.Inputs["chunks"] != "media/chunks.json" {
			t.Fatalf("unexpected task: %+v", task)
		}
		if task.IdempotencyKey != "key-1" || task.Priority != "medium" {
			t.Fatalf("request metadata not forwarded: %+v", task)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "t-1", "status": "queued"})
	})
	mux.HandleFunc("GET /status/t-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":     "t-1",
			"status": "completed",
			"url":    "media/vo.wav",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	handler := NewSynthesis(fastGPUClient(server.URL))
	result, err := handler.Execute(context.Background(), stage.Request{
		JobID:          "job-1",
		Stage:          "voiceover",
		Operation:      "voiceover",
		Priority:       "medium",
		IdempotencyKey: "key-1",
		Topic:          "deep sea volcanoes",
		DependencyRefs: map[string]string{"chunks": "media/chunks.json"},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Ref != "media/vo.wav" {
		t.Fatalf("unexpected result ref %q", result.Ref)
	}
}

func TestSynthesisClassifiesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unknown operation"}`))
	}))
	defer server.Close()

	handler := NewSynthesis(fastGPUClient(server.URL))
	_, err := handler.Execute(context.Background(), stage.Request{
		JobID: "job-1", Stage: "script", Operation: "bogus",
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for rejected request, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("rejected request must not be retryable")
	}
}

func TestSynthesisClassifiesTaskFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /enqueue", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "t-2", "status": "queued"})
	})
	mux.HandleFunc("GET /status/t-2", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":     "t-2",
			"status": "failed",
			"error":  "model out of memory",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	handler := NewSynthesis(fastGPUClient(server.URL))
	_, err := handler.Execute(context.Background(), stage.Request{
		JobID: "job-1", Stage: "video", Operation: "video",
	})
	if !errors.Is(err, services.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
	if !services.Retryable(err) {
		t.Fatal("task failure should consume a retry attempt")
	}
}

func TestUploadPublishes(t *testing.T) {
	var published atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /objects/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("PUT /objects/", func(w http.ResponseWriter, r *http.Request) {
		published.Add(1)
		if r.URL.Path != "/objects/jobs/job-1/send_to_cdn" {
			t.Fatalf("unexpected publish path %s", r.URL.Path)
		}
		var req struct {
			SourceRef string `json:"source_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode publish request: %v", err)
		}
		if req.SourceRef != "media/final.mp4" {
			t.Fatalf("unexpected publish request: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(cdn.Object{
			Key: "jobs/job-1/send_to_cdn",
			URL: "https://cdn.example.com/jobs/job-1/send_to_cdn",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	handler := NewUpload(cdn.NewClient(cdn.Config{BaseURL: server.URL}))
	result, err := handler.Execute(context.Background(), stage.Request{
		JobID:          "job-1",
		Stage:          "send_to_cdn",
		Operation:      "upload",
		DependencyRefs: map[string]string{"video": "media/final.mp4"},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Ref != "https://cdn.example.com/jobs/job-1/send_to_cdn" {
		t.Fatalf("unexpected result ref %q", result.Ref)
	}
	if published.Load() != 1 {
		t.Fatalf("expected exactly one publish, got %d", published.Load())
	}
}

func TestUploadSkipsExistingObject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /objects/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT /objects/", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("existing object must not be published again")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := cdn.NewClient(cdn.Config{BaseURL: server.URL})
	handler := NewUpload(client)
	result, err := handler.Execute(context.Background(), stage.Request{
		JobID:          "job-1",
		Stage:          "send_to_cdn",
		Operation:      "upload",
		DependencyRefs: map[string]string{"video": "media/final.mp4"},
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Ref != client.PublicURL("jobs/job-1/send_to_cdn") {
		t.Fatalf("unexpected result ref %q", result.Ref)
	}
}

func TestUploadRequiresSingleDependency(t *testing.T) {
	handler := NewUpload(cdn.NewClient(cdn.Config{BaseURL: "http://localhost:0"}))
	_, err := handler.Execute(context.Background(), stage.Request{
		JobID:     "job-1",
		Stage:     "send_to_cdn",
		Operation: "upload",
		DependencyRefs: map[string]string{
			"video":  "staging/final.mp4",
			"extras": "staging/extras.mp4",
		},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegistryResolvesOperations(t *testing.T) {
	cfg := config.Default()
	pl, err := pipeline.FromConfig(&cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	registry := New(&cfg, pl,
		WithGPUClient(fastGPUClient("http://localhost:0")),
		WithCDNClient(cdn.NewClient(cdn.Config{BaseURL: "http://localhost:0"})),
	)

	script, err := registry.Handler("script")
	if err != nil {
		t.Fatalf("Handler(script) failed: %v", err)
	}
	metadata, err := registry.Handler("metadata")
	if err != nil {
		t.Fatalf("Handler(metadata) failed: %v", err)
	}
	if script != metadata {
		t.Fatal("synthesis operations should share one handler")
	}
	if _, ok := script.(*Synthesis); !ok {
		t.Fatalf("expected synthesis handler, got %T", script)
	}

	upload, err := registry.Handler("upload")
	if err != nil {
		t.Fatalf("Handler(upload) failed: %v", err)
	}
	if _, ok := upload.(*Upload); !ok {
		t.Fatalf("expected upload handler, got %T", upload)
	}

	if _, err := registry.Handler("transcode"); err == nil {
		t.Fatal("expected error for unregistered operation")
	}
}

func TestRegistryHealth(t *testing.T) {
	gpuServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer gpuServer.Close()
	cdnServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer cdnServer.Close()

	cfg := config.Default()
	pl, err := pipeline.FromConfig(&cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	registry := New(&cfg, pl,
		WithGPUClient(fastGPUClient(gpuServer.URL)),
		WithCDNClient(cdn.NewClient(cdn.Config{BaseURL: cdnServer.URL})),
	)

	checks := registry.Health(context.Background())
	if len(checks) != 2 {
		t.Fatalf("expected 2 health checks, got %d", len(checks))
	}
	if checks[0].Name != "cdn" || checks[0].Ready {
		t.Fatalf("expected unhealthy cdn first, got %+v", checks[0])
	}
	if checks[1].Name != "gpu" || !checks[1].Ready {
		t.Fatalf("expected healthy gpu second, got %+v", checks[1])
	}
}
