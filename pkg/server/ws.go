package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const (
	wsPingInterval = 15 * time.Second
	wsPongWait     = 45 * time.Second
	wsWriteWait    = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is an inbound frame. type selects the action: chat.request
// starts a completion, chat.cancel aborts an in-flight one.
type wsRequest struct {
	Type        string           `json:"type"`
	ID          string           `json:"id"`
	Model       string           `json:"model"`
	Messages    []chatMessage    `json:"messages"`
	Stream      *bool            `json:"stream,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	TopK        *int             `json:"top_k,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stop        stopList         `json:"stop,omitempty"`
	Seed        *int             `json:"seed,omitempty"`
	Tools       []inference.Tool `json:"tools,omitempty"`
	Priority    string           `json:"priority,omitempty"`
	NumCtx      int              `json:"num_ctx,omitempty"`
	ClientID    string           `json:"client_id,omitempty"`
}

type wsErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type wsTokenFrame struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Token     string         `json:"token,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolCall  *chunkToolCall `json:"tool_call,omitempty"`
}

type wsDoneFrame struct {
	Type         string               `json:"type"`
	ID           string               `json:"id"`
	FinishReason string               `json:"finish_reason"`
	Content      string               `json:"content,omitempty"`
	Reasoning    string               `json:"reasoning,omitempty"`
	ToolCalls    []inference.ToolCall `json:"tool_calls,omitempty"`
	Usage        *inference.Usage     `json:"usage,omitempty"`
}

type wsErrorFrame struct {
	Type  string      `json:"type"`
	ID    string      `json:"id,omitempty"`
	Error wsErrorBody `json:"error"`
}

// wsSession owns one chat socket. A single writer goroutine serializes
// all outbound frames; request goroutines hand frames to it over send.
type wsSession struct {
	server *Server
	log    logging.Logger
	conn   *websocket.Conn
	req    *http.Request

	ctx    context.Context
	cancel context.CancelFunc

	send chan interface{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsSession{
		server:  s,
		log:     s.log.WithField("conn", wireID()),
		conn:    conn,
		req:     r,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan interface{}, 16),
		done:    make(chan struct{}),
		cancels: make(map[string]context.CancelFunc),
	}
	go sess.writeLoop()
	sess.readLoop()
}

// teardown cancels all in-flight requests and stops the writer. Safe to
// call from any goroutine, any number of times.
func (sess *wsSession) teardown() {
	sess.once.Do(func() {
		sess.cancel()
		sess.mu.Lock()
		for _, cancel := range sess.cancels {
			cancel()
		}
		sess.mu.Unlock()
		close(sess.done)
	})
}

// sendFrame queues a frame for the writer. Returns false when the
// session is shutting down.
func (sess *wsSession) sendFrame(v interface{}) bool {
	select {
	case sess.send <- v:
		return true
	case <-sess.done:
		return false
	}
}

func (sess *wsSession) sendError(id string, err error) {
	apiErr := classify(err)
	sess.sendFrame(wsErrorFrame{
		Type: "chat.error",
		ID:   id,
		Error: wsErrorBody{
			Message: apiErr.Message,
			Type:    apiErr.Type,
			Code:    apiErr.Code,
		},
	})
}

func (sess *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer sess.conn.Close()
	for {
		select {
		case v := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteJSON(v); err != nil {
				sess.teardown()
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.teardown()
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (sess *wsSession) readLoop() {
	defer sess.teardown()
	sess.conn.SetReadLimit(sess.server.cfg.Server.MaxInferenceBodyBytes)
	sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.log.Debugf("websocket closed: %v", err)
			}
			return
		}
		var frame wsRequest
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.sendFrame(wsErrorFrame{
				Type:  "chat.error",
				Error: wsErrorBody{Message: "invalid JSON frame", Type: typeInvalidRequest, Code: "validation_error"},
			})
			continue
		}
		switch frame.Type {
		case "chat.request":
			sess.startRequest(&frame)
		case "chat.cancel":
			sess.cancelRequest(frame.ID)
		default:
			sess.sendFrame(wsErrorFrame{
				Type:  "chat.error",
				ID:    frame.ID,
				Error: wsErrorBody{Message: "unknown frame type", Type: typeInvalidRequest, Code: "validation_error"},
			})
		}
	}
}

func (sess *wsSession) startRequest(frame *wsRequest) {
	if frame.ID == "" {
		sess.sendFrame(wsErrorFrame{
			Type:  "chat.error",
			Error: wsErrorBody{Message: "chat.request requires an id", Type: typeInvalidRequest, Code: "validation_error"},
		})
		return
	}

	wire := chatRequest{
		Model:       frame.Model,
		Messages:    frame.Messages,
		Temperature: frame.Temperature,
		TopP:        frame.TopP,
		TopK:        frame.TopK,
		MaxTokens:   frame.MaxTokens,
		Stop:        frame.Stop,
		Seed:        frame.Seed,
		Tools:       frame.Tools,
		Priority:    frame.Priority,
		NumCtx:      frame.NumCtx,
		ClientID:    frame.ClientID,
	}
	req, apiErr := sess.server.completionFromWire(&wire, sess.req)
	if apiErr != nil {
		sess.sendFrame(wsErrorFrame{
			Type:  "chat.error",
			ID:    frame.ID,
			Error: wsErrorBody{Message: apiErr.Message, Type: apiErr.Type, Code: apiErr.Code},
		})
		return
	}
	if req.ClientID == "" {
		req.ClientID = inference.OriginWebSocket
	}
	var err error
	req, err = sess.server.applyPreset(req)
	if err != nil {
		sess.sendError(frame.ID, err)
		return
	}

	ctx, cancel := context.WithCancel(sess.ctx)
	sess.mu.Lock()
	if _, exists := sess.cancels[frame.ID]; exists {
		sess.mu.Unlock()
		cancel()
		sess.sendFrame(wsErrorFrame{
			Type:  "chat.error",
			ID:    frame.ID,
			Error: wsErrorBody{Message: "request id already in flight", Type: typeInvalidRequest, Code: "validation_error"},
		})
		return
	}
	sess.cancels[frame.ID] = cancel
	sess.mu.Unlock()

	streamMode := frame.Stream == nil || *frame.Stream
	sess.wg.Add(1)
	go sess.run(ctx, cancel, frame.ID, req, streamMode)
}

func (sess *wsSession) cancelRequest(id string) {
	sess.mu.Lock()
	cancel, ok := sess.cancels[id]
	sess.mu.Unlock()
	if ok {
		cancel()
	}
}

func (sess *wsSession) removeCancel(id string) {
	sess.mu.Lock()
	delete(sess.cancels, id)
	sess.mu.Unlock()
}

func (sess *wsSession) run(ctx context.Context, cancel context.CancelFunc, id string, req *inference.CompletionRequest, streamMode bool) {
	defer sess.wg.Done()
	defer sess.removeCancel(id)
	defer cancel()

	if !streamMode {
		comp, err := sess.server.engine.Generate(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				sess.sendFrame(wsDoneFrame{Type: "chat.done", ID: id, FinishReason: inference.FinishReasonCancelled})
				return
			}
			sess.sendError(id, err)
			return
		}
		sess.sendFrame(wsDoneFrame{
			Type:         "chat.done",
			ID:           id,
			FinishReason: comp.FinishReason,
			Content:      comp.Content,
			Reasoning:    comp.Reasoning,
			ToolCalls:    comp.ToolCalls,
			Usage:        &comp.Usage,
		})
		return
	}

	stream, err := sess.server.engine.Stream(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			sess.sendFrame(wsDoneFrame{Type: "chat.done", ID: id, FinishReason: inference.FinishReasonCancelled})
			return
		}
		sess.sendError(id, err)
		return
	}
	defer stream.Close()

	finish := inference.FinishReasonStop
	var toolCalls []inference.ToolCall
	var usage *inference.Usage
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				sess.sendFrame(wsDoneFrame{Type: "chat.done", ID: id, FinishReason: inference.FinishReasonCancelled})
				return
			}
			sess.sendError(id, err)
			return
		}
		if chunk.Final {
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			usage = chunk.Usage
			continue
		}
		frame := wsTokenFrame{Type: "chat.token", ID: id, Token: chunk.Token, Reasoning: chunk.Reasoning}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, inference.ToolCall{
				ID:   chunk.ToolCall.ID,
				Type: "function",
				Function: inference.ToolCallFunction{
					Name:      chunk.ToolCall.Name,
					Arguments: chunk.ToolCall.Arguments,
				},
			})
			frame.ToolCall = &chunkToolCall{
				Index: chunk.ToolCall.Index,
				ID:    chunk.ToolCall.ID,
				Type:  "function",
				Function: inference.ToolCallFunction{
					Name:      chunk.ToolCall.Name,
					Arguments: chunk.ToolCall.Arguments,
				},
			}
		}
		if !sess.sendFrame(frame) {
			return
		}
	}
	sess.sendFrame(wsDoneFrame{
		Type:         "chat.done",
		ID:           id,
		FinishReason: finish,
		ToolCalls:    toolCalls,
		Usage:        usage,
	})
}
