package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/streaming"
)

// responsesRequest is the OpenAI Responses API wire shape, single-turn.
type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Tools           []responsesTool `json:"tools,omitempty"`
	User            string          `json:"user,omitempty"`
}

// responsesTool is the flat tool shape the Responses API uses.
type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responsesInputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// responsesMessages translates the polymorphic input field: a plain
// string becomes a single user message, an array is a message list.
func responsesMessages(wire *responsesRequest) ([]inference.Message, error) {
	var out []inference.Message
	if wire.Instructions != "" {
		out = append(out, inference.Message{Role: "system", Content: wire.Instructions})
	}
	if len(wire.Input) == 0 || string(wire.Input) == "null" {
		return nil, fmt.Errorf("input is required")
	}
	if wire.Input[0] == '"' {
		var text string
		if err := json.Unmarshal(wire.Input, &text); err != nil {
			return nil, err
		}
		return append(out, inference.Message{Role: "user", Content: text}), nil
	}
	var items []responsesInputMessage
	if err := json.Unmarshal(wire.Input, &items); err != nil {
		return nil, fmt.Errorf("input must be a string or a list of messages")
	}
	for i, item := range items {
		role := item.Role
		if role == "" {
			role = "user"
		}
		content, err := contentText(item.Content)
		if err != nil {
			return nil, fmt.Errorf("input[%d]: %v", i, err)
		}
		out = append(out, inference.Message{Role: role, Content: content})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("input is required")
	}
	return out, nil
}

func translateResponsesTools(tools []responsesTool) []inference.Tool {
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
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

type responsesTextContent struct {
	Type        string   `json:"type"`
	Text        string   `json:"text"`
	Annotations []string `json:"annotations"`
}

type responsesOutputItem struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Status    string                 `json:"status,omitempty"`
	Role      string                 `json:"role,omitempty"`
	Content   []responsesTextContent `json:"content,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments string                 `json:"arguments,omitempty"`
	Summary   []map[string]string    `json:"summary,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responsesResponse struct {
	ID        string                `json:"id"`
	Object    string                `json:"object"`
	CreatedAt int64                 `json:"created_at"`
	Status    string                `json:"status"`
	Model     string                `json:"model"`
	Output    []responsesOutputItem `json:"output"`
	Usage     responsesUsage        `json:"usage"`
}

// responsesOutput assembles the output item list from a completion.
func responsesOutput(comp *inference.Completion, messageID string) []responsesOutputItem {
	out := make([]responsesOutputItem, 0, 2+len(comp.ToolCalls))
	if comp.Reasoning != "" {
		out = append(out, responsesOutputItem{
			Type:    "reasoning",
			ID:      "rs_" + wireID(),
			Summary: []map[string]string{{"type": "summary_text", "text": comp.Reasoning}},
		})
	}
	out = append(out, responsesOutputItem{
		Type:   "message",
		ID:     messageID,
		Status: "completed",
		Role:   "assistant",
		Content: []responsesTextContent{{
			Type:        "output_text",
			Text:        comp.Content,
			Annotations: make([]string, 0),
		}},
	})
	for _, tc := range comp.ToolCalls {
		out = append(out, responsesOutputItem{
			Type:      "function_call",
			ID:        "fc_" + wireID(),
			Status:    "completed",
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var wire responsesRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &wire) {
		return
	}
	if wire.Model == "" {
		s.writeAPIError(w, badRequest("model is required"))
		return
	}
	messages, err := responsesMessages(&wire)
	if err != nil {
		s.writeAPIError(w, badRequest(err.Error()))
		return
	}

	clientID := wire.User
	if clientID == "" {
		clientID = r.Header.Get("X-Client-ID")
	}
	if clientID == "" {
		clientID = inference.OriginResponses
	}

	req := &inference.CompletionRequest{
		Model:    wire.Model,
		Messages: messages,
		Sampling: inference.SamplingParams{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			MaxTokens:   wire.MaxOutputTokens,
		},
		Tools:    translateResponsesTools(wire.Tools),
		Priority: inference.PriorityNormal,
		ClientID: clientID,
	}
	req, err = s.applyPreset(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if wire.Stream {
		s.streamResponses(w, r, req)
		return
	}

	comp, err := s.engine.Generate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, responsesResponse{
		ID:        "resp_" + wireID(),
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Status:    "completed",
		Model:     req.Model,
		Output:    responsesOutput(comp, "msg_"+wireID()),
		Usage: responsesUsage{
			InputTokens:  comp.Usage.PromptTokens,
			OutputTokens: comp.Usage.CompletionTokens,
			TotalTokens:  comp.Usage.TotalTokens,
		},
	})
}

func (s *Server) streamResponses(w http.ResponseWriter, r *http.Request, req *inference.CompletionRequest) {
	stream, err := s.engine.Stream(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer stream.Close()

	sw, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, typeInternal, "internal_error", err.Error())
		return
	}

	respID := "resp_" + wireID()
	msgID := "msg_" + wireID()
	createdAt := time.Now().Unix()

	if err := sw.WriteEvent("response.created", map[string]interface{}{
		"type": "response.created",
		"response": responsesResponse{
			ID:        respID,
			Object:    "response",
			CreatedAt: createdAt,
			Status:    "in_progress",
			Model:     req.Model,
			Output:    make([]responsesOutputItem, 0),
		},
	}); err != nil {
		return
	}
	if err := sw.WriteEvent("response.output_item.added", map[string]interface{}{
		"type":         "response.output_item.added",
		"output_index": 0,
		"item": responsesOutputItem{
			Type:    "message",
			ID:      msgID,
			Status:  "in_progress",
			Role:    "assistant",
			Content: make([]responsesTextContent, 0),
		},
	}); err != nil {
		return
	}

	// The final response object is assembled as chunks arrive.
	var comp inference.Completion
	comp.FinishReason = inference.FinishReasonStop
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
				"type":    "error",
				"code":    apiErr.Code,
				"message": apiErr.Message,
			})
			return
		}
		if chunk.Final {
			if chunk.FinishReason != "" {
				comp.FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				comp.Usage = *chunk.Usage
			}
			continue
		}
		switch {
		case chunk.ToolCall != nil:
			comp.ToolCalls = append(comp.ToolCalls, inference.ToolCall{
				ID:   chunk.ToolCall.ID,
				Type: "function",
				Function: inference.ToolCallFunction{
					Name:      chunk.ToolCall.Name,
					Arguments: chunk.ToolCall.Arguments,
				},
			})
		case chunk.Reasoning != "":
			comp.Reasoning += chunk.Reasoning
		case chunk.Token != "":
			comp.Content += chunk.Token
			if err := sw.WriteEvent("response.output_text.delta", map[string]interface{}{
				"type":          "response.output_text.delta",
				"item_id":       msgID,
				"output_index":  0,
				"content_index": 0,
				"delta":         chunk.Token,
			}); err != nil {
				return
			}
		}
	}

	sw.WriteEvent("response.completed", map[string]interface{}{
		"type": "response.completed",
		"response": responsesResponse{
			ID:        respID,
			Object:    "response",
			CreatedAt: createdAt,
			Status:    "completed",
			Model:     req.Model,
			Output:    responsesOutput(&comp, msgID),
			Usage: responsesUsage{
				InputTokens:  comp.Usage.PromptTokens,
				OutputTokens: comp.Usage.CompletionTokens,
				TotalTokens:  comp.Usage.TotalTokens,
			},
		},
	})
}
