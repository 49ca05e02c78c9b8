package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
	"github.com/opta-ai/opta-lmx/pkg/models"
	"github.com/opta-ai/opta-lmx/pkg/presets"
	"github.com/opta-ai/opta-lmx/pkg/streaming"
)

// chatRequest is the OpenAI chat completions wire shape plus the local
// extensions (top_k, num_ctx, priority, client_id).
type chatRequest struct {
	Model            string                    `json:"model"`
	Messages         []chatMessage             `json:"messages"`
	Stream           bool                      `json:"stream,omitempty"`
	StreamOptions    *streamOptions            `json:"stream_options,omitempty"`
	Temperature      *float64                  `json:"temperature,omitempty"`
	TopP             *float64                  `json:"top_p,omitempty"`
	TopK             *int                      `json:"top_k,omitempty"`
	MaxTokens        *int                      `json:"max_tokens,omitempty"`
	Stop             stopList                  `json:"stop,omitempty"`
	FrequencyPenalty *float64                  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                  `json:"presence_penalty,omitempty"`
	Seed             *int                      `json:"seed,omitempty"`
	ResponseFormat   *inference.ResponseFormat `json:"response_format,omitempty"`
	Tools            []inference.Tool          `json:"tools,omitempty"`
	NumCtx           int                       `json:"num_ctx,omitempty"`
	Priority         string                    `json:"priority,omitempty"`
	ClientID         string                    `json:"client_id,omitempty"`
	User             string                    `json:"user,omitempty"`
}

type chatMessage struct {
	Role       string               `json:"role"`
	Content    json.RawMessage      `json:"content"`
	Name       string               `json:"name,omitempty"`
	ToolCalls  []inference.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// stopList accepts the OpenAI stop field as either a string or a list.
type stopList []string

func (s *stopList) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = stopList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = stopList(list)
	return nil
}

// contentText flattens a message content field: a JSON string passes
// through, an array of text parts is concatenated.
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", err
		}
		return text, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	var out string
	for _, part := range parts {
		switch part.Type {
		case "text", "input_text":
			out += part.Text
		default:
			return "", fmt.Errorf("unsupported content part type %q", part.Type)
		}
	}
	return out, nil
}

// wireID returns 16 hex characters for response object IDs.
func wireID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// completionFromWire validates the wire request and maps it onto the
// engine shape. A non-nil apiError is ready to send.
func (s *Server) completionFromWire(wire *chatRequest, r *http.Request) (*inference.CompletionRequest, *apiError) {
	if wire.Model == "" {
		e := badRequest("model is required")
		return nil, &e
	}
	if len(wire.Messages) == 0 {
		e := badRequest("messages is required")
		return nil, &e
	}
	messages := make([]inference.Message, 0, len(wire.Messages))
	for i, m := range wire.Messages {
		if m.Role == "" {
			e := badRequest(fmt.Sprintf("messages[%d]: role is required", i))
			return nil, &e
		}
		content, err := contentText(m.Content)
		if err != nil {
			e := badRequest(fmt.Sprintf("messages[%d]: %v", i, err))
			return nil, &e
		}
		messages = append(messages, inference.Message{
			Role:       m.Role,
			Content:    content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	if wire.Temperature != nil && (*wire.Temperature < 0 || *wire.Temperature > 2) {
		e := badRequest("temperature must be in [0, 2]")
		return nil, &e
	}
	if wire.TopP != nil && (*wire.TopP < 0 || *wire.TopP > 1) {
		e := badRequest("top_p must be in [0, 1]")
		return nil, &e
	}
	if wire.NumCtx < 0 {
		e := badRequest("num_ctx must be non-negative")
		return nil, &e
	}
	priority, ok := parsePriority(wire.Priority)
	if !ok {
		e := badRequest(fmt.Sprintf("unknown priority %q", wire.Priority))
		return nil, &e
	}

	clientID := wire.ClientID
	if clientID == "" {
		clientID = wire.User
	}
	if clientID == "" {
		clientID = r.Header.Get("X-Client-ID")
	}

	return &inference.CompletionRequest{
		Model:    wire.Model,
		Messages: messages,
		Sampling: inference.SamplingParams{
			Temperature:      wire.Temperature,
			TopP:             wire.TopP,
			TopK:             wire.TopK,
			MaxTokens:        wire.MaxTokens,
			Stop:             wire.Stop,
			FrequencyPenalty: wire.FrequencyPenalty,
			PresencePenalty:  wire.PresencePenalty,
			Seed:             wire.Seed,
			ResponseFormat:   wire.ResponseFormat,
		},
		Tools:    wire.Tools,
		Priority: priority,
		NumCtx:   wire.NumCtx,
		ClientID: clientID,
	}, nil
}

func parsePriority(p string) (inference.Priority, bool) {
	switch p {
	case "", string(inference.PriorityNormal):
		return inference.PriorityNormal, true
	case string(inference.PriorityHigh):
		return inference.PriorityHigh, true
	default:
		return "", false
	}
}

// applyPreset resolves a preset: model reference into the concrete
// request. Non-preset references pass through untouched.
func (s *Server) applyPreset(req *inference.CompletionRequest) (*inference.CompletionRequest, error) {
	if !presets.IsRef(req.Model) {
		return req, nil
	}
	return s.presets.Apply(req)
}

// Response wire shapes.

type chatResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []chatChoice    `json:"choices"`
	Usage   inference.Usage `json:"usage"`
}

type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Role             string               `json:"role"`
	Content          string               `json:"content"`
	ReasoningContent string               `json:"reasoning_content,omitempty"`
	ToolCalls        []inference.ToolCall `json:"tool_calls,omitempty"`
}

type chatChunk struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []chunkChoice    `json:"choices"`
	Usage   *inference.Usage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []chunkToolCall `json:"tool_calls,omitempty"`
}

type chunkToolCall struct {
	Index    int                        `json:"index"`
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Function inference.ToolCallFunction `json:"function"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wire chatRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &wire) {
		return
	}
	req, apiErr := s.completionFromWire(&wire, r)
	if apiErr != nil {
		s.writeAPIError(w, *apiErr)
		return
	}
	req, err := s.applyPreset(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if wire.Stream {
		s.streamChatCompletion(w, r, req, wire.StreamOptions)
		return
	}

	comp, err := s.engine.Generate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + wireID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message: chatResponseMessage{
				Role:             "assistant",
				Content:          comp.Content,
				ReasoningContent: comp.Reasoning,
				ToolCalls:        comp.ToolCalls,
			},
			FinishReason: comp.FinishReason,
		}},
		Usage: comp.Usage,
	})
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, req *inference.CompletionRequest, opts *streamOptions) {
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

	id := "chatcmpl-" + wireID()
	created := time.Now().Unix()
	sentRole := false
	finish := inference.FinishReasonStop
	var usage *inference.Usage

	emit := func(delta chunkDelta, finishReason *string) error {
		return sw.WriteJSON(chatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []chunkChoice{{Delta: delta, FinishReason: finishReason}},
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
			s.streamError(sw, err)
			return
		}
		if chunk.Final {
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			usage = chunk.Usage
			continue
		}

		var delta chunkDelta
		switch {
		case chunk.ToolCall != nil:
			delta.ToolCalls = []chunkToolCall{{
				Index: chunk.ToolCall.Index,
				ID:    chunk.ToolCall.ID,
				Type:  "function",
				Function: inference.ToolCallFunction{
					Name:      chunk.ToolCall.Name,
					Arguments: chunk.ToolCall.Arguments,
				},
			}}
		case chunk.Reasoning != "":
			delta.ReasoningContent = chunk.Reasoning
		case chunk.Token != "":
			delta.Content = chunk.Token
		default:
			continue
		}
		if !sentRole {
			delta.Role = "assistant"
			sentRole = true
		}
		if err := emit(delta, nil); err != nil {
			return
		}
	}

	if err := emit(chunkDelta{}, &finish); err != nil {
		return
	}
	if opts != nil && opts.IncludeUsage && usage != nil {
		if err := sw.WriteJSON(chatChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: make([]chunkChoice, 0),
			Usage:   usage,
		}); err != nil {
			return
		}
	}
	sw.WriteDone()
}

// streamError emits an in-band error frame on an already-started SSE
// stream and leaves the stream unterminated so clients treat it as
// failed rather than complete.
func (s *Server) streamError(sw *streaming.SSEWriter, err error) {
	apiErr := classify(err)
	sw.WriteJSON(map[string]interface{}{
		"error": map[string]interface{}{
			"message": apiErr.Message,
			"type":    apiErr.Type,
			"code":    apiErr.Code,
		},
	})
}

func (s *Server) handleCompletions(w http.ResponseWriter, _ *http.Request) {
	s.sendError(w, http.StatusNotImplemented, typeInvalidRequest, "not_supported",
		"the legacy completions API is not supported; use /v1/chat/completions")
}

type embeddingsRequest struct {
	Model    string          `json:"model"`
	Input    json.RawMessage `json:"input"`
	ClientID string          `json:"client_id,omitempty"`
	User     string          `json:"user,omitempty"`
}

// embeddingInputs accepts a string or a list of strings.
func embeddingInputs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("input is required")
	}
	if raw[0] == '"' {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("input must be a string or a list of strings")
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("input is required")
	}
	return list, nil
}

type embeddingObject struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var wire embeddingsRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &wire) {
		return
	}
	if wire.Model == "" {
		s.writeAPIError(w, badRequest("model is required"))
		return
	}
	texts, err := embeddingInputs(wire.Input)
	if err != nil {
		s.writeAPIError(w, badRequest(err.Error()))
		return
	}
	clientID := wire.ClientID
	if clientID == "" {
		clientID = wire.User
	}
	if clientID == "" {
		clientID = r.Header.Get("X-Client-ID")
	}

	vectors, err := s.engine.Embed(r.Context(), wire.Model, clientID, texts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data := make([]embeddingObject, len(vectors))
	for i, vec := range vectors {
		data[i] = embeddingObject{Object: "embedding", Index: i, Embedding: vec}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
		"model":  wire.Model,
		"usage":  inference.Usage{},
	})
}

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func newModelObject(m *models.Model) modelObject {
	var created int64
	if !m.DownloadedAt.IsZero() {
		created = m.DownloadedAt.Unix()
	}
	return modelObject{ID: m.ID, Object: "model", Created: created, OwnedBy: "local"}
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	list := s.models.List()
	data := make([]modelObject, 0, len(list))
	for _, m := range list {
		data = append(data, newModelObject(m))
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": data})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	model, ok := s.models.Get(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", inference.ErrModelNotFound, utils.SanitizeForLog(id)))
		return
	}
	s.sendJSON(w, http.StatusOK, newModelObject(model))
}
