package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/streaming"
)

// anthropicRequest is the Anthropic Messages API wire shape.
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Metadata      *anthropicMetadata `json:"metadata,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// anthropicBlock is one content block in a request message. The fields
// are a union over the block types we accept (text, thinking, tool_use,
// tool_result).
type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

func parseAnthropicBlocks(raw json.RawMessage) (string, []anthropicBlock, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", nil, err
		}
		return text, nil, nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, err
	}
	return "", blocks, nil
}

// translateAnthropicMessages maps Anthropic messages onto the engine
// shape. tool_result blocks become tool-role messages, tool_use blocks
// become assistant tool calls.
func translateAnthropicMessages(wire *anthropicRequest) ([]inference.Message, error) {
	out := make([]inference.Message, 0, len(wire.Messages)+1)

	if len(wire.System) > 0 {
		text, blocks, err := parseAnthropicBlocks(wire.System)
		if err != nil {
			return nil, fmt.Errorf("system: %w", err)
		}
		for _, b := range blocks {
			if b.Type == "text" {
				text += b.Text
			}
		}
		if text != "" {
			out = append(out, inference.Message{Role: "system", Content: text})
		}
	}

	for i, m := range wire.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, fmt.Errorf("messages[%d]: role must be user or assistant", i)
		}
		text, blocks, err := parseAnthropicBlocks(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		if blocks == nil {
			out = append(out, inference.Message{Role: m.Role, Content: text})
			continue
		}

		var content string
		var toolCalls []inference.ToolCall
		for _, b := range blocks {
			switch b.Type {
			case "text":
				content += b.Text
			case "thinking", "redacted_thinking":
				// Prior-turn reasoning is not replayed to the model.
			case "tool_use":
				toolCalls = append(toolCalls, inference.ToolCall{
					ID:   b.ID,
					Type: "function",
					Function: inference.ToolCallFunction{
						Name:      b.Name,
						Arguments: string(b.Input),
					},
				})
			case "tool_result":
				resultText, resultBlocks, err := parseAnthropicBlocks(b.Content)
				if err != nil {
					return nil, fmt.Errorf("messages[%d]: tool_result: %w", i, err)
				}
				for _, rb := range resultBlocks {
					if rb.Type == "text" {
						resultText += rb.Text
					}
				}
				out = append(out, inference.Message{
					Role:       "tool",
					Content:    resultText,
					ToolCallID: b.ToolUseID,
				})
			default:
				return nil, fmt.Errorf("messages[%d]: unsupported content block type %q", i, b.Type)
			}
		}
		if content != "" || len(toolCalls) > 0 {
			out = append(out, inference.Message{Role: m.Role, Content: content, ToolCalls: toolCalls})
		}
	}
	return out, nil
}

func translateAnthropicTools(tools []anthropicTool) []inference.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]inference.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, inference.Tool{
			Type: "function",
			Function: inference.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func anthropicStopReason(finish string) string {
	switch finish {
	case inference.FinishReasonLength:
		return "max_tokens"
	case inference.FinishReasonToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// toolInputJSON coerces parsed tool-call arguments into a JSON object
// for the tool_use block.
func toolInputJSON(args string) json.RawMessage {
	if json.Valid([]byte(args)) && args != "" {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(map[string]string{"raw": args})
	return quoted
}

type anthropicRespBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []anthropicRespBlock `json:"content"`
	StopReason   string               `json:"stop_reason"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        anthropicUsage       `json:"usage"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxInferenceBodyBytes))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			s.writeAnthropicError(w, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
		} else {
			s.writeAnthropicError(w, http.StatusInternalServerError, "api_error", "Failed to read request body")
		}
		return
	}
	var wire anthropicRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON in request body")
		return
	}
	if wire.Model == "" {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "Missing required field: model")
		return
	}
	if wire.MaxTokens <= 0 {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "max_tokens must be a positive integer")
		return
	}
	messages, err := translateAnthropicMessages(&wire)
	if err != nil {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if len(messages) == 0 {
		s.writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "Missing required field: messages")
		return
	}

	clientID := ""
	if wire.Metadata != nil {
		clientID = wire.Metadata.UserID
	}
	if clientID == "" {
		clientID = r.Header.Get("X-Client-ID")
	}
	if clientID == "" {
		clientID = inference.OriginAnthropicMessages
	}

	maxTokens := wire.MaxTokens
	req := &inference.CompletionRequest{
		Model:    wire.Model,
		Messages: messages,
		Sampling: inference.SamplingParams{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			TopK:        wire.TopK,
			MaxTokens:   &maxTokens,
			Stop:        wire.StopSequences,
		},
		Tools:    translateAnthropicTools(wire.Tools),
		Priority: inference.PriorityNormal,
		ClientID: clientID,
	}
	req, err = s.applyPreset(req)
	if err != nil {
		s.writeAnthropicErrorFrom(w, err)
		return
	}

	if wire.Stream {
		s.streamMessages(w, r, req)
		return
	}

	comp, err := s.engine.Generate(r.Context(), req)
	if err != nil {
		s.writeAnthropicErrorFrom(w, err)
		return
	}

	content := make([]anthropicRespBlock, 0, 2+len(comp.ToolCalls))
	if comp.Reasoning != "" {
		content = append(content, anthropicRespBlock{Type: "thinking", Thinking: comp.Reasoning})
	}
	if comp.Content != "" || len(comp.ToolCalls) == 0 {
		content = append(content, anthropicRespBlock{Type: "text", Text: comp.Content})
	}
	for _, tc := range comp.ToolCalls {
		content = append(content, anthropicRespBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: toolInputJSON(tc.Function.Arguments),
		})
	}

	s.sendJSON(w, http.StatusOK, anthropicResponse{
		ID:         "msg_" + wireID(),
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    content,
		StopReason: anthropicStopReason(comp.FinishReason),
		Usage: anthropicUsage{
			InputTokens:  comp.Usage.PromptTokens,
			OutputTokens: comp.Usage.CompletionTokens,
		},
	})
}

type anthropicBlockKind int

const (
	anthropicBlockNone anthropicBlockKind = iota
	anthropicBlockThinking
	anthropicBlockText
	anthropicBlockTool
)

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, req *inference.CompletionRequest) {
	stream, err := s.engine.Stream(r.Context(), req)
	if err != nil {
		s.writeAnthropicErrorFrom(w, err)
		return
	}
	defer stream.Close()

	sw, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.writeAnthropicError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	id := "msg_" + wireID()
	if err := sw.WriteEvent("message_start", map[string]interface{}{
		"type": "message_start",
		"message": anthropicResponse{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   req.Model,
			Content: make([]anthropicRespBlock, 0),
		},
	}); err != nil {
		return
	}

	cur := anthropicBlockNone
	index := -1
	finish := inference.FinishReasonStop
	var usage *inference.Usage

	closeBlock := func() error {
		if cur == anthropicBlockNone {
			return nil
		}
		cur = anthropicBlockNone
		return sw.WriteEvent("content_block_stop", map[string]interface{}{
			"type":  "content_block_stop",
			"index": index,
		})
	}
	openBlock := func(kind anthropicBlockKind, block anthropicRespBlock) error {
		if err := closeBlock(); err != nil {
			return err
		}
		cur = kind
		index++
		return sw.WriteEvent("content_block_start", map[string]interface{}{
			"type":          "content_block_start",
			"index":         index,
			"content_block": block,
		})
	}
	delta := func(payload map[string]interface{}) error {
		return sw.WriteEvent("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": index,
			"delta": payload,
		})
	}

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			apiErr := classify(err)
			sw.WriteEvent("error", map[string]interface{}{
				"type": "error",
				"error": map[string]string{
					"type":    anthropicErrorType(apiErr),
					"message": apiErr.Message,
				},
			})
			return
		}
		if chunk.Final {
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			usage = chunk.Usage
			continue
		}
		switch {
		case chunk.ToolCall != nil:
			if err := openBlock(anthropicBlockTool, anthropicRespBlock{
				Type:  "tool_use",
				ID:    chunk.ToolCall.ID,
				Name:  chunk.ToolCall.Name,
				Input: json.RawMessage(`{}`),
			}); err != nil {
				return
			}
			if err := delta(map[string]interface{}{
				"type":         "input_json_delta",
				"partial_json": chunk.ToolCall.Arguments,
			}); err != nil {
				return
			}
		case chunk.Reasoning != "":
			if cur != anthropicBlockThinking {
				if err := openBlock(anthropicBlockThinking, anthropicRespBlock{Type: "thinking"}); err != nil {
					return
				}
			}
			if err := delta(map[string]interface{}{
				"type":     "thinking_delta",
				"thinking": chunk.Reasoning,
			}); err != nil {
				return
			}
		case chunk.Token != "":
			if cur != anthropicBlockText {
				if err := openBlock(anthropicBlockText, anthropicRespBlock{Type: "text"}); err != nil {
					return
				}
			}
			if err := delta(map[string]interface{}{
				"type": "text_delta",
				"text": chunk.Token,
			}); err != nil {
				return
			}
		}
	}

	if err := closeBlock(); err != nil {
		return
	}
	outputTokens := 0
	if usage != nil {
		outputTokens = usage.CompletionTokens
	}
	if err := sw.WriteEvent("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason":   anthropicStopReason(finish),
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": outputTokens},
	}); err != nil {
		return
	}
	sw.WriteEvent("message_stop", map[string]interface{}{"type": "message_stop"})
}

// anthropicErrorType maps the API error taxonomy onto Anthropic error
// type names.
func anthropicErrorType(e apiError) string {
	switch e.Type {
	case typeInvalidRequest:
		return "invalid_request_error"
	case typeAuthentication:
		return "authentication_error"
	case typePermission:
		return "permission_error"
	case typeNotFound:
		return "not_found_error"
	case typeRateLimit:
		if e.Code == "overloaded" {
			return "overloaded_error"
		}
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func (s *Server) writeAnthropicErrorFrom(w http.ResponseWriter, err error) {
	apiErr := classify(err)
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", apiErr.RetryAfter))
	}
	s.writeAnthropicError(w, apiErr.Status, anthropicErrorType(apiErr), apiErr.Message)
}

// writeAnthropicError writes an error in the Anthropic envelope shape.
func (s *Server) writeAnthropicError(w http.ResponseWriter, statusCode int, errorType, message string) {
	s.sendJSON(w, statusCode, map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
}
