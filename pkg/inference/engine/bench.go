package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
)

const (
	defaultBenchPrompt    = "Write a short paragraph about the weather in the mountains."
	defaultBenchMaxTokens = 64
)

// BenchmarkRequest selects a model and workload for one measurement run.
type BenchmarkRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// BenchmarkResult reports throughput for a single streamed completion.
type BenchmarkResult struct {
	Model              string               `json:"model"`
	Backend            inference.RunnerInfo `json:"backend"`
	CompletionTokens   int                  `json:"completion_tokens"`
	DurationMs         float64              `json:"duration_ms"`
	TimeToFirstTokenMs float64              `json:"time_to_first_token_ms"`
	TokensPerSecond    float64              `json:"tokens_per_second"`
	DraftAccepted      int64                `json:"draft_accepted,omitempty"`
	DraftRejected      int64                `json:"draft_rejected,omitempty"`
}

// Benchmark streams one completion against a loaded model and measures
// time to first token and decode throughput. It goes through the normal
// admission path, so the numbers include what a client would see.
func (e *Engine) Benchmark(ctx context.Context, req BenchmarkRequest) (*BenchmarkResult, error) {
	target := e.resolveTarget(req.Model)
	status, ok := e.Status(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", inference.ErrModelNotFound, utils.SanitizeForLog(req.Model))
	}
	statsBefore := status.Stats

	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultBenchPrompt
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultBenchMaxTokens
	}

	start := time.Now()
	stream, err := e.Stream(ctx, &inference.CompletionRequest{
		Model:    target,
		Messages: []inference.Message{{Role: "user", Content: prompt}},
		Sampling: inference.SamplingParams{MaxTokens: &maxTokens},
	})
	if err != nil {
		return nil, err
	}

	var firstToken time.Time
	var usage *inference.Usage
	tokens := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stream.Close()
			return nil, err
		}
		if chunk.Final {
			usage = chunk.Usage
			continue
		}
		if chunk.Token != "" {
			if firstToken.IsZero() {
				firstToken = time.Now()
			}
			tokens++
		}
	}
	duration := time.Since(start)

	result := &BenchmarkResult{
		Model:            target,
		Backend:          status.Backend,
		CompletionTokens: tokens,
		DurationMs:       float64(duration.Microseconds()) / 1000.0,
	}
	if usage != nil && usage.CompletionTokens > 0 {
		result.CompletionTokens = usage.CompletionTokens
	}
	if !firstToken.IsZero() {
		result.TimeToFirstTokenMs = float64(firstToken.Sub(start).Microseconds()) / 1000.0
	}
	if secs := duration.Seconds(); secs > 0 {
		result.TokensPerSecond = float64(result.CompletionTokens) / secs
	}
	if after, ok := e.Status(target); ok {
		result.DraftAccepted = after.Stats.DraftAccepted - statsBefore.DraftAccepted
		result.DraftRejected = after.Stats.DraftRejected - statsBefore.DraftRejected
	}
	return result, nil
}

// AutotuneResult is a suggested performance profile and the reasoning
// behind it.
type AutotuneResult struct {
	Model     string                `json:"model"`
	Profile   inference.PerfProfile `json:"profile"`
	Rationale []string              `json:"rationale"`
	Applied   bool                  `json:"applied"`
}

// Autotune derives a performance profile from the model size and current
// memory headroom. With apply=true the model is reloaded under the
// suggested profile; otherwise the suggestion is only returned.
func (e *Engine) Autotune(ctx context.Context, ref string, apply bool) (*AutotuneResult, error) {
	model, err := e.models.Resolve(ref)
	if err != nil {
		return nil, err
	}

	snap := e.memory.Snapshot()
	estimate, estErr := e.models.EstimateMemory(model.ID)

	profile := inference.PerfProfile{}
	var rationale []string

	kvBits := 8
	prefix := true
	switch {
	case estErr == nil && estimate > 0 && snap.AvailableBytes < estimate+estimate/2:
		kvBits = 4
		prefix = false
		rationale = append(rationale,
			fmt.Sprintf("headroom %s is tight for an estimated %s working set: 4-bit kv cache, prefix cache off",
				units.BytesSize(float64(snap.AvailableBytes)), units.BytesSize(float64(estimate))))
	case estErr == nil && estimate > 0 && snap.AvailableBytes > estimate*3:
		rationale = append(rationale,
			fmt.Sprintf("ample headroom (%s available): 8-bit kv cache with prefix caching",
				units.BytesSize(float64(snap.AvailableBytes))))
	default:
		rationale = append(rationale, "moderate headroom: 8-bit kv cache with prefix caching")
	}
	profile.KVBits = &kvBits
	profile.PrefixCache = &prefix

	if draft := e.findDraftSibling(model.ID); draft != "" {
		profile.Speculative = &inference.SpeculativeConfig{DraftModel: draft, NumTokens: 4}
		rationale = append(rationale,
			fmt.Sprintf("draft sibling %s is available: speculative decoding suggested", draft))
	}

	result := &AutotuneResult{Model: model.ID, Profile: profile, Rationale: rationale}
	if !apply {
		return result, nil
	}

	if _, loaded := e.Status(model.ID); loaded {
		if err := e.Unload(ctx, model.ID); err != nil {
			return nil, err
		}
	}
	if _, err := e.Load(ctx, model.ID, LoadOptions{Profile: profile}); err != nil {
		return nil, err
	}
	result.Applied = true
	return result, nil
}

// findDraftSibling looks for a resident model in the same org whose name
// marks it as a draft variant.
func (e *Engine) findDraftSibling(id string) string {
	org, _, ok := strings.Cut(id, "/")
	if !ok {
		return ""
	}
	for _, m := range e.models.List() {
		if m.ID == id || !strings.HasPrefix(m.ID, org+"/") {
			continue
		}
		if strings.Contains(strings.ToLower(m.ID), "draft") {
			return m.ID
		}
	}
	return ""
}
