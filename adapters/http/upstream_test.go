package http_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apihttp "github.com/artpar/orproxy/adapters/http"
	"github.com/artpar/orproxy/domain/proxy"
	"github.com/artpar/orproxy/ports"
)

func TestNewUpstreamClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     apihttp.UpstreamConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: apihttp.UpstreamConfig{
				BaseURL:         "https://api.example.com",
				Timeout:         30 * time.Second,
				MaxIdleConns:    50,
				IdleConnTimeout: 60 * time.Second,
			},
		},
		{
			name: "minimal config with defaults",
			cfg:  apihttp.UpstreamConfig{BaseURL: "https://api.example.com"},
		},
		{
			name:    "invalid URL",
			cfg:     apihttp.UpstreamConfig{BaseURL: "://invalid-url"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := apihttp.NewUpstreamClient(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("expected non-nil client")
			}
			client.Close()
		})
	}
}

func TestUpstreamClient_Attempt_OK(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	result, err := client.Attempt(context.Background(), proxy.Request{
		Method: "POST",
		Path:   "/api/v1/chat/completions",
		Body:   []byte(`{"model":"x"}`),
	}, "sk-test-key", false)
	if err != nil {
		t.Fatalf("Attempt failed: %v", err)
	}
	if result.Outcome != ports.OutcomeOK {
		t.Errorf("Outcome = %v, want OutcomeOK", result.Outcome)
	}
	if result.Status != 200 {
		t.Errorf("Status = %d, want 200", result.Status)
	}
	if gotAuth != "Bearer sk-test-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer sk-test-key")
	}
	if !strings.Contains(string(result.Body), "ok") {
		t.Errorf("Body = %s, want to contain 'ok'", result.Body)
	}
}

func TestUpstreamClient_Attempt_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	result, err := client.Attempt(context.Background(), proxy.Request{Method: "POST", Path: "/x"}, "key1", false)
	if err != nil {
		t.Fatalf("Attempt failed: %v", err)
	}
	if result.Outcome != ports.OutcomeRateLimited {
		t.Errorf("Outcome = %v, want OutcomeRateLimited", result.Outcome)
	}
	if result.ResetHint == nil {
		t.Fatal("expected a reset hint from Retry-After")
	}
	if result.ResetHint.Before(time.Now()) {
		t.Error("reset hint should be in the future")
	}
}

func TestUpstreamClient_Attempt_UpstreamHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	result, err := client.Attempt(context.Background(), proxy.Request{Method: "POST", Path: "/x"}, "key1", false)
	if err != nil {
		t.Fatalf("Attempt failed: %v", err)
	}
	if result.Outcome != ports.OutcomeUpstreamHTTPError {
		t.Errorf("Outcome = %v, want OutcomeUpstreamHTTPError", result.Outcome)
	}
	if result.Status != 400 {
		t.Errorf("Status = %d, want 400", result.Status)
	}
}

func TestUpstreamClient_Attempt_TransportError(t *testing.T) {
	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{
		BaseURL: "http://127.0.0.1:1",
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	result, err := client.Attempt(context.Background(), proxy.Request{Method: "GET", Path: "/"}, "key1", false)
	if err != nil {
		t.Fatalf("Attempt should classify, not error: %v", err)
	}
	if result.Outcome != ports.OutcomeTransportError {
		t.Errorf("Outcome = %v, want OutcomeTransportError", result.Outcome)
	}
}

func TestUpstreamClient_Attempt_Streaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"msg\":\"hello\"}\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	result, err := client.Attempt(context.Background(), proxy.Request{Method: "POST", Path: "/events"}, "key1", true)
	if err != nil {
		t.Fatalf("Attempt failed: %v", err)
	}
	if result.Outcome != ports.OutcomeOK {
		t.Errorf("Outcome = %v, want OutcomeOK", result.Outcome)
	}
	if result.Stream == nil {
		t.Fatal("expected non-nil Stream for a streaming attempt")
	}
	defer result.Stream.Close()

	body, err := io.ReadAll(result.Stream)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	if !strings.Contains(string(body), "hello") {
		t.Errorf("body = %s, want to contain 'hello'", body)
	}
}

func TestUpstreamClient_Attempt_StreamingHTTPErrorDrainsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"unavailable"}`))
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	result, err := client.Attempt(context.Background(), proxy.Request{Method: "POST", Path: "/events"}, "key1", true)
	if err != nil {
		t.Fatalf("Attempt failed: %v", err)
	}
	if result.Outcome != ports.OutcomeUpstreamHTTPError {
		t.Errorf("Outcome = %v, want OutcomeUpstreamHTTPError", result.Outcome)
	}
	if result.Stream != nil {
		t.Error("Stream should be nil when the body was already drained and closed")
	}
}

func TestUpstreamClient_Forward_SkipsHopByHopHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.Header().Set("X-Custom", "should-be-kept")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	resp, err := client.Forward(context.Background(), proxy.Request{Method: "GET", Path: "/", RemoteIP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if _, ok := resp.Headers["Connection"]; ok {
		t.Error("Connection header should be filtered")
	}
	if _, ok := resp.Headers["Transfer-Encoding"]; ok {
		t.Error("Transfer-Encoding header should be filtered")
	}
	if resp.Headers["X-Custom"] != "should-be-kept" {
		t.Error("X-Custom header should be preserved")
	}
}

func TestUpstreamClient_Forward_ContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Forward(ctx, proxy.Request{Method: "GET", Path: "/", RemoteIP: "127.0.0.1"})
	if err == nil {
		t.Error("expected context error")
	}
}

func TestUpstreamClient_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"healthy - 200", 200},
		{"healthy - 404", 404},
		{"healthy - 500", 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != "HEAD" {
					t.Errorf("Method = %s, want HEAD", r.Method)
				}
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
			if err != nil {
				t.Fatalf("failed to create client: %v", err)
			}
			defer client.Close()

			if err := client.HealthCheck(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestUpstreamClient_HealthCheck_Unreachable(t *testing.T) {
	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{
		BaseURL: "http://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for unreachable host")
	}
}

func TestUpstreamClient_FetchModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("FetchModels must not send an Authorization header")
		}
		if r.URL.Path != "/api/v1/models" {
			t.Errorf("Path = %s, want /api/v1/models", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"a:free"}]}`))
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	body, err := client.FetchModels(context.Background())
	if err != nil {
		t.Fatalf("FetchModels failed: %v", err)
	}
	if !strings.Contains(string(body), "a:free") {
		t.Errorf("body = %s, want to contain model id", body)
	}
}

func TestUpstreamClient_FetchModels_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	if _, err := client.FetchModels(context.Background()); err == nil {
		t.Error("expected error for a 500 response")
	}
}

func TestUpstreamClient_Close(t *testing.T) {
	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: "http://localhost:9999"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	client.Close()
}

func TestUpstreamClient_InterfaceCompliance(t *testing.T) {
	client, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: "http://localhost:9999"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	var _ ports.Upstream = client
	var _ ports.ModelFetcher = client
}
