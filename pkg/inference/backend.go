package inference

import (
	"context"
)

// Kind identifies an inference backend implementation.
type Kind string

const (
	// KindMLX is the primary tensor backend on Apple Silicon hosts.
	KindMLX Kind = "mlx"
	// KindGGUF is the portable fallback backend for gguf artifacts.
	KindGGUF Kind = "gguf"
)

// ParseKind converts a string to a Kind. It returns the parsed kind and a
// boolean indicating if the kind was known.
func ParseKind(kind string) (Kind, bool) {
	switch kind {
	case "mlx":
		return KindMLX, true
	case "gguf":
		return KindGGUF, true
	default:
		return "", false
	}
}

// SpeculativeConfig requests speculative decoding for a model load.
type SpeculativeConfig struct {
	// DraftModel is the model ID used to propose draft tokens.
	DraftModel string `json:"draft_model,omitempty"`
	// NumTokens is the number of draft tokens proposed per step.
	NumTokens int `json:"num_tokens,omitempty"`
	// MinAcceptanceRate below which the backend may disable drafting.
	MinAcceptanceRate float64 `json:"min_acceptance_rate,omitempty"`
	// RequireSupported fails the load instead of degrading when the
	// backend cannot honor the speculative options.
	RequireSupported bool `json:"require_supported,omitempty"`
}

// ModelSpec describes the artifact and options for one backend load.
type ModelSpec struct {
	// ModelID is the cache-relative model identifier.
	ModelID string
	// ArtifactPath is the absolute path of the model file (gguf) or
	// tensor directory (mlx).
	ArtifactPath string
	// DraftArtifactPath is set when Speculative names a draft model that
	// resolved on disk.
	DraftArtifactPath string
	// ContextLength is the maximum context the artifact supports. Zero
	// lets the worker pick its default.
	ContextLength int
	// Profile carries the merged performance profile for the load.
	Profile PerfProfile
	// Speculative is nil when speculative decoding was not requested.
	Speculative *SpeculativeConfig
}

// Backend constructs runners for models. Implementations need not be safe
// for concurrent Load invocation; the engine serializes loads per model.
type Backend interface {
	// Name returns the backend name. It must be all lowercase and usable
	// as a path component in an HTTP request path and a Unix domain
	// socket path. It should also be suitable for presenting to users
	// (at least in logs).
	Name() string
	// Kind returns the backend kind used for compatibility records and
	// candidate ordering.
	Kind() Kind
	// Version returns the backend or worker version string recorded in
	// compatibility records.
	Version() string
	// Supported reports whether the backend can run on this host.
	Supported() bool
	// Load starts whatever process(es) the backend needs for the model
	// and returns a Runner once the worker is healthy. By the time Load
	// returns an error, any process it spawned must have terminated.
	Load(ctx context.Context, spec ModelSpec) (Runner, error)
}

// Runner is a loaded model ready to serve requests. Runners are safe for
// concurrent use; Close blocks until outstanding calls return.
type Runner interface {
	// Generate runs one completion to the end.
	Generate(ctx context.Context, req *CompletionRequest) (*Completion, error)
	// Stream runs one completion incrementally. The returned stream must
	// be drained or closed; cancelling ctx stops generation.
	Stream(ctx context.Context, req *CompletionRequest) (TokenStream, error)
	// Embed returns one vector per input text. Runners without embedding
	// support return ErrNotSupported.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Info describes the live runner.
	Info() RunnerInfo
	// Stats reports cumulative runner counters.
	Stats() RunnerStats
	// Close stops the worker and releases its resources.
	Close() error
}

// RunnerInfo describes a live runner: which backend produced it and how
// the speculative request resolved.
type RunnerInfo struct {
	Kind              Kind   `json:"kind"`
	Version           string `json:"version"`
	SpeculativeActive bool   `json:"speculative_active"`
	SpeculativeReason string `json:"speculative_reason,omitempty"`
}

// RunnerStats are cumulative counters maintained by a runner.
type RunnerStats struct {
	Requests         int64 `json:"requests"`
	CompletionTokens int64 `json:"completion_tokens"`
	DraftAccepted    int64 `json:"draft_accepted"`
	DraftRejected    int64 `json:"draft_rejected"`
	DraftUnavailable bool  `json:"draft_unavailable,omitempty"`
}

// TokenStream delivers generation output incrementally.
type TokenStream interface {
	// Recv returns the next chunk, or io.EOF after the end marker.
	Recv() (*StreamChunk, error)
	// Close releases the stream early. Safe to call after EOF.
	Close() error
}

// StreamChunk is one unit of streamed output. The end marker (Final=true)
// carries the finish reason and the completion token count so SSE
// formatters can emit usage data.
type StreamChunk struct {
	// Token is the raw text delta. Empty on the end marker.
	Token string
	// Reasoning is a thinking-text delta. Only set by streams that pass
	// through the tool-call parser; raw backend streams leave think tags
	// inline in Token.
	Reasoning string
	// ToolCall is a parsed tool invocation. Only set by streams that pass
	// through the tool-call parser.
	ToolCall *ToolCallDelta
	// FromDraft is set when the backend reports speculative provenance;
	// nil means the backend does not expose the flag.
	FromDraft *bool
	// Final marks the end-of-stream sentinel.
	Final bool
	// FinishReason is set on the end marker.
	FinishReason string
	// Usage is set on the end marker.
	Usage *Usage
}

// ToolCallDelta is one complete parsed tool call lifted out of the token
// stream. Arguments holds the JSON-encoded argument object.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
