package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opta-ai/opta-lmx/pkg/inference"
)

// newTestWorker serves handler on a Unix socket and wraps it in a Worker
// so runner code exercises the real socket transport.
func newTestWorker(t *testing.T, handler http.Handler) *Worker {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "runner.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &http.Server{Handler: handler}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	w := &Worker{
		log:        testLogger(),
		name:       "test",
		socket:     socket,
		healthPath: "/health",
		tail:       newTailBuffer(stderrTailSize),
		exited:     make(chan struct{}),
	}
	w.cancel = func() { close(w.exited) }
	w.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", socket)
			},
		},
	}
	return w
}

func TestGenerate(t *testing.T) {
	received := make(chan chatRequest, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- req
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{
				Message:      inference.Message{Role: "assistant", Content: "hi there"},
				FinishReason: "stop",
			}},
			Usage: &inference.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
		})
	})
	runner := NewRunner(newTestWorker(t, handler), "acme/chat-7b", inference.RunnerInfo{Kind: inference.KindGGUF})

	temperature := 0.2
	out, err := runner.Generate(context.Background(), &inference.CompletionRequest{
		Messages: []inference.Message{{Role: "user", Content: "hello"}},
		Sampling: inference.SamplingParams{Temperature: &temperature},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Content != "hi there" {
		t.Errorf("Content = %q, want %q", out.Content, "hi there")
	}
	if out.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", out.FinishReason)
	}
	if out.Usage.TotalTokens != 16 {
		t.Errorf("TotalTokens = %d, want 16", out.Usage.TotalTokens)
	}
	if out.Speculative != nil {
		t.Error("Speculative should be nil when the model was loaded without a draft")
	}

	req := <-received
	if req.Model != "acme/chat-7b" {
		t.Errorf("wire model = %q, want acme/chat-7b", req.Model)
	}
	if req.Stream {
		t.Error("non-streaming request must not set stream")
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("wire temperature = %v, want 0.2", req.Temperature)
	}

	stats := runner.Stats()
	if stats.Requests != 1 || stats.CompletionTokens != 4 {
		t.Errorf("stats = %+v, want 1 request and 4 completion tokens", stats)
	}
}

func TestGenerateSpeculativeTelemetry(t *testing.T) {
	tests := []struct {
		name          string
		counts        *draftCounts
		wantTelemetry string
		wantAccepted  int
		wantRejected  int
		wantIgnored   int
	}{
		{
			name:          "backend reports counts",
			counts:        &draftCounts{AcceptedTokens: 30, RejectedTokens: 10},
			wantTelemetry: TelemetryBackend,
			wantAccepted:  30,
			wantRejected:  10,
		},
		{
			name:          "backend is silent",
			counts:        nil,
			wantTelemetry: TelemetryUnavailable,
			wantIgnored:   4,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(chatResponse{
					Choices:     []chatChoice{{Message: inference.Message{Content: "ok"}, FinishReason: "stop"}},
					Usage:       &inference.Usage{PromptTokens: 2, CompletionTokens: 4, TotalTokens: 6},
					Speculative: test.counts,
				})
			})
			runner := NewRunner(newTestWorker(t, handler), "m", inference.RunnerInfo{SpeculativeActive: true})

			out, err := runner.Generate(context.Background(), &inference.CompletionRequest{})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if out.Speculative == nil {
				t.Fatal("Speculative stats missing for a speculative-active model")
			}
			if out.Speculative.Telemetry != test.wantTelemetry {
				t.Errorf("Telemetry = %q, want %q", out.Speculative.Telemetry, test.wantTelemetry)
			}
			if out.Speculative.Accepted != test.wantAccepted || out.Speculative.Rejected != test.wantRejected {
				t.Errorf("accepted/rejected = %d/%d, want %d/%d",
					out.Speculative.Accepted, out.Speculative.Rejected, test.wantAccepted, test.wantRejected)
			}
			if out.Speculative.Ignored != test.wantIgnored {
				t.Errorf("Ignored = %d, want %d", out.Speculative.Ignored, test.wantIgnored)
			}

			stats := runner.Stats()
			if test.counts == nil && !stats.DraftUnavailable {
				t.Error("DraftUnavailable should be set when the backend never reports draft telemetry")
			}
			if test.counts != nil && stats.DraftAccepted != int64(test.wantAccepted) {
				t.Errorf("DraftAccepted = %d, want %d", stats.DraftAccepted, test.wantAccepted)
			}
		})
	}
}

func sseHandler(lines ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	})
}

func TestStreamDeltas(t *testing.T) {
	handler := sseHandler(
		`{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"Hel"}}],"from_draft":true}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}],"from_draft":false}`,
		`{"choices":[{"index":0,"delta":{"content":"!"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`,
		`[DONE]`,
	)
	runner := NewRunner(newTestWorker(t, handler), "m", inference.RunnerInfo{SpeculativeActive: true})

	stream, err := runner.Stream(context.Background(), &inference.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var tokens []string
	var flags []*bool
	var final *inference.StreamChunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if chunk.Final {
			final = chunk
			continue
		}
		tokens = append(tokens, chunk.Token)
		flags = append(flags, chunk.FromDraft)
	}

	if got := len(tokens); got != 3 || tokens[0] != "Hel" || tokens[1] != "lo" || tokens[2] != "!" {
		t.Fatalf("tokens = %v, want [Hel lo !]", tokens)
	}
	if flags[0] == nil || !*flags[0] {
		t.Error("first token should be flagged from_draft=true")
	}
	if flags[1] == nil || *flags[1] {
		t.Error("second token should be flagged from_draft=false")
	}
	if flags[2] != nil {
		t.Error("unflagged token should carry a nil FromDraft")
	}
	if final == nil {
		t.Fatal("stream never produced a final chunk")
	}
	if final.FinishReason != "stop" {
		t.Errorf("final FinishReason = %q, want stop", final.FinishReason)
	}
	if final.Usage == nil || final.Usage.CompletionTokens != 3 {
		t.Errorf("final Usage = %+v, want 3 completion tokens", final.Usage)
	}

	stats := runner.Stats()
	if stats.DraftAccepted != 1 || stats.DraftRejected != 1 {
		t.Errorf("draft stats = %d/%d, want 1/1", stats.DraftAccepted, stats.DraftRejected)
	}
	if stats.DraftUnavailable {
		t.Error("DraftUnavailable should stay false when from_draft flags were seen")
	}
	if stats.CompletionTokens != 3 {
		t.Errorf("CompletionTokens = %d, want 3", stats.CompletionTokens)
	}
}

func TestStreamDefaultsFinishReason(t *testing.T) {
	runner := NewRunner(newTestWorker(t, sseHandler(`[DONE]`)), "m", inference.RunnerInfo{})
	stream, err := runner.Stream(context.Background(), &inference.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !chunk.Final || chunk.FinishReason != inference.FinishReasonStop {
		t.Errorf("chunk = %+v, want a final stop chunk", chunk)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv after final = %v, want io.EOF", err)
	}
}

func TestStreamSurfacesWorkerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "out of memory", "type": "server_error"},
		})
	})
	runner := NewRunner(newTestWorker(t, handler), "m", inference.RunnerInfo{})
	_, err := runner.Stream(context.Background(), &inference.CompletionRequest{})
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("err = %v, want the worker's error message", err)
	}
}

func TestStreamTruncatedWithoutDone(t *testing.T) {
	handler := sseHandler(`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`)
	runner := NewRunner(newTestWorker(t, handler), "m", inference.RunnerInfo{})
	stream, err := runner.Stream(context.Background(), &inference.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Recv()
	if err != nil || chunk.Token != "partial" {
		t.Fatalf("Recv = %v, %v; want the partial token", chunk, err)
	}
	if _, err := stream.Recv(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Recv after truncation = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestStreamCancellationStopsRecv(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"tick\"}}]}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	runner := NewRunner(newTestWorker(t, handler), "m", inference.RunnerInfo{})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := runner.Stream(ctx, &inference.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	cancel()
	if _, err := stream.Recv(); err == nil || err == io.EOF {
		t.Fatalf("Recv after cancel = %v, want a transport error", err)
	}
}

func TestEmbedOrdersByIndex(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0.5]},{"index":0,"embedding":[0.25]}]}`)
	})
	runner := NewRunner(newTestWorker(t, handler), "m", inference.RunnerInfo{})

	out, err := runner.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(out) != 2 || out[0][0] != 0.25 || out[1][0] != 0.5 {
		t.Errorf("embeddings = %v, want index order restored", out)
	}
}

func TestEmbedRejectsBadIndex(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":5,"embedding":[1]}]}`)
	})
	runner := NewRunner(newTestWorker(t, handler), "m", inference.RunnerInfo{})
	if _, err := runner.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected an error for an out-of-range embedding index")
	}
}

func TestWorkerErrorWithoutEnvelope(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	runner := NewRunner(newTestWorker(t, handler), "m", inference.RunnerInfo{})
	_, err := runner.Generate(context.Background(), &inference.CompletionRequest{})
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("err = %v, want the raw status code", err)
	}
}
