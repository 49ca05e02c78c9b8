package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/opta-ai/opta-lmx/pkg/inference"
)

// Telemetry source labels reported on SpeculativeStats.
const (
	TelemetryFromDraft   = "from_draft"
	TelemetryBackend     = "backend"
	TelemetryUnavailable = "unavailable"
)

// Wire shapes for the worker's OpenAI-compatible surface. Workers that
// run with a draft model may flag chunks with a top-level from_draft
// field and report aggregate counts on non-streaming responses; both are
// optional.
type chatRequest struct {
	Model            string                    `json:"model"`
	Messages         []inference.Message       `json:"messages"`
	Temperature      *float64                  `json:"temperature,omitempty"`
	TopP             *float64                  `json:"top_p,omitempty"`
	TopK             *int                      `json:"top_k,omitempty"`
	MaxTokens        *int                      `json:"max_tokens,omitempty"`
	Stop             []string                  `json:"stop,omitempty"`
	FrequencyPenalty *float64                  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                  `json:"presence_penalty,omitempty"`
	Seed             *int                      `json:"seed,omitempty"`
	ResponseFormat   *inference.ResponseFormat `json:"response_format,omitempty"`
	Stream           bool                      `json:"stream,omitempty"`
	StreamOptions    *streamOptions            `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      inference.Message `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type draftCounts struct {
	AcceptedTokens int `json:"accepted_tokens"`
	RejectedTokens int `json:"rejected_tokens"`
}

type chatResponse struct {
	Choices     []chatChoice     `json:"choices"`
	Usage       *inference.Usage `json:"usage"`
	Speculative *draftCounts     `json:"speculative"`
}

type chunkDelta struct {
	Content string `json:"content"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chatChunk struct {
	Choices   []chunkChoice    `json:"choices"`
	Usage     *inference.Usage `json:"usage"`
	FromDraft *bool            `json:"from_draft"`
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// workerRunner adapts a worker's HTTP surface to the Runner interface.
// Tool definitions are rendered into the prompt before the runner is
// invoked, so requests carry messages and sampling parameters only.
type workerRunner struct {
	worker *Worker
	model  string
	info   inference.RunnerInfo

	requests         atomic.Int64
	completionTokens atomic.Int64
	draftAccepted    atomic.Int64
	draftRejected    atomic.Int64
	draftUnavailable atomic.Bool
}

// NewRunner wraps a started worker as a Runner serving the given model.
func NewRunner(worker *Worker, model string, info inference.RunnerInfo) inference.Runner {
	return &workerRunner{worker: worker, model: model, info: info}
}

func (r *workerRunner) buildRequest(req *inference.CompletionRequest, stream bool) chatRequest {
	out := chatRequest{
		Model:            r.model,
		Messages:         req.Messages,
		Temperature:      req.Sampling.Temperature,
		TopP:             req.Sampling.TopP,
		TopK:             req.Sampling.TopK,
		MaxTokens:        req.Sampling.MaxTokens,
		Stop:             req.Sampling.Stop,
		FrequencyPenalty: req.Sampling.FrequencyPenalty,
		PresencePenalty:  req.Sampling.PresencePenalty,
		Seed:             req.Sampling.Seed,
		ResponseFormat:   req.Sampling.ResponseFormat,
		Stream:           stream,
	}
	if stream {
		// Usage is always requested from the worker; the daemon needs
		// completion token counts even when the client did not ask.
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

func (r *workerRunner) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding worker request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.worker.Client().Do(req)
	if err != nil {
		if !r.worker.Alive() {
			return nil, r.worker.ExitError()
		}
		return nil, fmt.Errorf("%s worker request: %w", r.worker.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, r.workerError(resp)
	}
	return resp, nil
}

func (r *workerRunner) workerError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("%s worker: %s", r.worker.name, envelope.Error.Message)
	}
	return fmt.Errorf("%s worker returned status %d", r.worker.name, resp.StatusCode)
}

func (r *workerRunner) Generate(ctx context.Context, req *inference.CompletionRequest) (*inference.Completion, error) {
	r.requests.Add(1)
	resp, err := r.post(ctx, "/v1/chat/completions", r.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		if !r.worker.Alive() {
			return nil, r.worker.ExitError()
		}
		return nil, fmt.Errorf("decoding %s worker response: %w", r.worker.name, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s worker returned no choices", r.worker.name)
	}

	choice := parsed.Choices[0]
	out := &inference.Completion{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	if parsed.Usage != nil {
		out.Usage = *parsed.Usage
		r.completionTokens.Add(int64(parsed.Usage.CompletionTokens))
	}
	if r.info.SpeculativeActive {
		out.Speculative = r.speculativeFromResponse(&parsed)
	}
	return out, nil
}

func (r *workerRunner) speculativeFromResponse(parsed *chatResponse) *inference.SpeculativeStats {
	if parsed.Speculative != nil {
		r.draftAccepted.Add(int64(parsed.Speculative.AcceptedTokens))
		r.draftRejected.Add(int64(parsed.Speculative.RejectedTokens))
		return &inference.SpeculativeStats{
			Accepted:  parsed.Speculative.AcceptedTokens,
			Rejected:  parsed.Speculative.RejectedTokens,
			Telemetry: TelemetryBackend,
		}
	}
	r.draftUnavailable.Store(true)
	stats := &inference.SpeculativeStats{Telemetry: TelemetryUnavailable}
	if parsed.Usage != nil {
		stats.Ignored = parsed.Usage.CompletionTokens
	}
	return stats
}

func (r *workerRunner) Stream(ctx context.Context, req *inference.CompletionRequest) (inference.TokenStream, error) {
	r.requests.Add(1)
	resp, err := r.post(ctx, "/v1/chat/completions", r.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{runner: r, body: resp.Body, scanner: scanner}, nil
}

func (r *workerRunner) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	r.requests.Add(1)
	resp, err := r.post(ctx, "/v1/embeddings", embeddingsRequest{Model: r.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding %s worker embeddings: %w", r.worker.name, err)
	}
	out := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("%s worker returned embedding index %d for %d inputs", r.worker.name, item.Index, len(texts))
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

func (r *workerRunner) Info() inference.RunnerInfo {
	return r.info
}

func (r *workerRunner) Stats() inference.RunnerStats {
	return inference.RunnerStats{
		Requests:         r.requests.Load(),
		CompletionTokens: r.completionTokens.Load(),
		DraftAccepted:    r.draftAccepted.Load(),
		DraftRejected:    r.draftRejected.Load(),
		DraftUnavailable: r.draftUnavailable.Load(),
	}
}

func (r *workerRunner) Close() error {
	return r.worker.Close()
}

// sseStream decodes the worker's SSE chunk stream. The finish reason and
// usage chunks that precede [DONE] are stashed and surfaced as a single
// final StreamChunk, after which Recv returns io.EOF.
type sseStream struct {
	runner  *workerRunner
	body    io.ReadCloser
	scanner *bufio.Scanner

	finishReason string
	usage        *inference.Usage
	sawDraftFlag bool
	done         bool
}

func (s *sseStream) Recv() (*inference.StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return s.finish()
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			s.fail()
			return nil, fmt.Errorf("decoding %s worker chunk: %w", s.runner.worker.name, err)
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage
			s.runner.completionTokens.Add(int64(chunk.Usage.CompletionTokens))
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			s.finishReason = *choice.FinishReason
		}
		if choice.Delta.Content == "" {
			continue
		}
		if chunk.FromDraft != nil {
			s.sawDraftFlag = true
			if *chunk.FromDraft {
				s.runner.draftAccepted.Add(1)
			} else {
				s.runner.draftRejected.Add(1)
			}
		}
		return &inference.StreamChunk{Token: choice.Delta.Content, FromDraft: chunk.FromDraft}, nil
	}

	// The worker hung up before [DONE].
	s.fail()
	if err := s.scanner.Err(); err != nil {
		if !s.runner.worker.Alive() {
			return nil, s.runner.worker.ExitError()
		}
		return nil, fmt.Errorf("reading %s worker stream: %w", s.runner.worker.name, err)
	}
	if !s.runner.worker.Alive() {
		return nil, s.runner.worker.ExitError()
	}
	return nil, io.ErrUnexpectedEOF
}

func (s *sseStream) finish() (*inference.StreamChunk, error) {
	s.done = true
	_ = s.body.Close()
	if s.runner.info.SpeculativeActive && !s.sawDraftFlag {
		s.runner.draftUnavailable.Store(true)
	}
	reason := s.finishReason
	if reason == "" {
		reason = inference.FinishReasonStop
	}
	return &inference.StreamChunk{Final: true, FinishReason: reason, Usage: s.usage}, nil
}

func (s *sseStream) fail() {
	s.done = true
	_ = s.body.Close()
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
