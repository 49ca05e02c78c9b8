package helpers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opta-ai/opta-lmx/pkg/infra"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

func testLogger() logging.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logging.NewLogrusAdapter(logger)
}

func newTestClient(t *testing.T, url string, cfg NodeConfig) *Client {
	t.Helper()
	cfg.Name = "node-a"
	cfg.BaseURL = url
	client := NewClient(testLogger(), cfg)
	// Keep retry sleeps out of test time.
	client.backoff = infra.BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	t.Cleanup(client.Close)
	return client
}

func TestEmbed(t *testing.T) {
	var gotBody embedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{0.1}, {0.2}}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NodeConfig{})
	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 {
		t.Errorf("vectors = %v", vectors)
	}
	if len(gotBody.Texts) != 2 || gotBody.Texts[0] != "a" {
		t.Errorf("request texts = %v", gotBody.Texts)
	}
}

func TestEmbedVectorCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{0.1}}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NodeConfig{})
	_, err := client.Embed(context.Background(), []string{"a", "b"})
	var down *ErrHelperDown
	if !errors.As(err, &down) {
		t.Fatalf("Embed = %v, want ErrHelperDown", err)
	}
	if down.Node != "node-a" || down.Fallback != FallbackSkip {
		t.Errorf("down = %+v", down)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{0.1}}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NodeConfig{MaxRetries: 2})
	if _, err := client.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such route", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NodeConfig{MaxRetries: 3})
	_, err := client.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("Embed succeeded against 404")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NodeConfig{
		Fallback:         FallbackLocal,
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})
	for i := 0; i < 2; i++ {
		if _, err := client.Embed(context.Background(), []string{"a"}); err == nil {
			t.Fatal("Embed succeeded against 500")
		}
	}

	_, err := client.Embed(context.Background(), []string{"a"})
	if !errors.Is(err, infra.ErrCircuitOpen) {
		t.Fatalf("Embed = %v, want ErrCircuitOpen", err)
	}
	var down *ErrHelperDown
	if !errors.As(err, &down) || down.Fallback != FallbackLocal {
		t.Errorf("open-circuit error lost the fallback tag: %v", err)
	}
}

func TestRerank(t *testing.T) {
	var gotBody rerankRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(rerankResponse{Results: []RankedDoc{
			{Index: 1, Document: "b", Score: 0.9},
			{Index: 0, Document: "a", Score: 0.4},
		}})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NodeConfig{})
	ranked, err := client.Rerank(context.Background(), "query", []string{"a", "b"}, 0)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if gotBody.TopN != 2 {
		t.Errorf("top_n = %d, want docs length when unset", gotBody.TopN)
	}
	if len(ranked) != 2 || ranked[0].Index != 1 {
		t.Errorf("ranked = %+v", ranked)
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := atomic.Bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if !healthy.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NodeConfig{})
	if client.HealthCheck(context.Background()) {
		t.Error("unhealthy node reported healthy")
	}
	if client.Healthy() {
		t.Error("Healthy() true after failed check")
	}

	healthy.Store(true)
	if !client.HealthCheck(context.Background()) {
		t.Error("healthy node reported unhealthy")
	}
	if !client.Healthy() {
		t.Error("Healthy() false after passing check")
	}
}

func TestRetryableHelperError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &statusError{code: 429}, true},
		{"503", &statusError{code: 503}, true},
		{"404", &statusError{code: 404}, false},
		{"400", &statusError{code: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"transport", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableHelperError(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
