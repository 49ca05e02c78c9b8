package inference

import "encoding/json"

// RequestOriginHeader is the HTTP header used to track the origin of
// inference requests. Protocol shims (Anthropic messages, the WebSocket
// chat, agent steps) set it so request logs can attribute usage by source.
const RequestOriginHeader = "X-LMX-Origin"

// Valid origin values for the RequestOriginHeader.
const (
	// OriginAnthropicMessages indicates the request came from the
	// Anthropic /v1/messages endpoint.
	OriginAnthropicMessages = "anthropic/messages"
	// OriginResponses indicates the request came from /v1/responses.
	OriginResponses = "openai/responses"
	// OriginWebSocket indicates the request came over /v1/chat/stream.
	OriginWebSocket = "ws/chat"
	// OriginAgentStep indicates the request was issued by an agent run.
	OriginAgentStep = "agents/step"
	// OriginSkill indicates the request was issued by a prompt skill.
	OriginSkill = "skills/prompt"
)

// Priority selects the admission lane for a request.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Finish reasons reported on completions and stream end markers.
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonCancelled = "cancelled"
)

// Message is one chat turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function half of a Tool declaration. Parameters is
// a JSON schema fragment kept raw; the stream parser types arguments
// against it.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is an invocation the model emitted.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the called name and JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseFormat constrains model output.
type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// SamplingParams pass through to the backend verbatim. Pointer fields
// distinguish "unset" from zero values.
type SamplingParams struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	TopK             *int            `json:"top_k,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
}

// CompletionRequest is the engine-level request shape shared by every
// protocol surface.
type CompletionRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Sampling SamplingParams `json:"sampling"`
	Tools    []Tool         `json:"tools,omitempty"`
	Priority Priority       `json:"priority,omitempty"`
	// NumCtx is the per-request context budget in tokens. Zero means the
	// model's full context. Values above the model context clamp.
	NumCtx   int    `json:"num_ctx,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Usage is the OpenAI-shaped token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SpeculativeStats reports per-request speculative decoding telemetry.
// Telemetry is "unavailable" when the backend does not flag draft tokens;
// Ignored then carries the completion token count.
type SpeculativeStats struct {
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
	Ignored   int    `json:"ignored,omitempty"`
	Telemetry string `json:"telemetry,omitempty"`
}

// Completion is one finished generation.
type Completion struct {
	Content      string            `json:"content"`
	Reasoning    string            `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason"`
	Usage        Usage             `json:"usage"`
	Speculative  *SpeculativeStats `json:"speculative,omitempty"`
}
