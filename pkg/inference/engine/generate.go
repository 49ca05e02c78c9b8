package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/inference/routing"
	"github.com/opta-ai/opta-lmx/pkg/inference/scheduling"
	"github.com/opta-ai/opta-lmx/pkg/streaming"
)

// charsPerToken is the context-trim heuristic: roughly four characters
// per token for English text.
const charsPerToken = 4

// resolveTarget maps a requested model name through the task router
// against live load state.
func (e *Engine) resolveTarget(requested string) string {
	e.mu.Lock()
	loaded := make([]string, 0, len(e.registry))
	loads := make(map[string]routing.Load, len(e.registry))
	for id, entry := range e.registry {
		if entry.state != StateReady {
			continue
		}
		loaded = append(loaded, id)
		loads[id] = routing.Load{
			Active:  entry.active,
			Waiting: e.waitingByModel[id],
			Cap:     e.opts.PerModelCaps[id],
		}
	}
	ropts := e.routing
	e.mu.Unlock()

	sched := e.controller.Snapshot()
	var pressure float64
	if sched.Limit > 0 {
		pressure = float64(sched.InFlight) / float64(sched.Limit)
	}
	snap := routing.Snapshot{Models: loads, GlobalPressure: pressure}
	return routing.Resolve(requested, loaded, snap, ropts)
}

// Generate runs one blocking completion. Admission (lanes, per-model and
// per-client caps) precedes the backend call; the inference timeout
// bounds the backend call itself, not the queue wait.
func (e *Engine) Generate(ctx context.Context, req *inference.CompletionRequest) (*inference.Completion, error) {
	target := e.resolveTarget(req.Model)
	entry, err := e.acquireRunner(target)
	if err != nil {
		return nil, err
	}

	e.noteModelWaiting(target, 1)
	ticket, err := e.controller.Acquire(ctx, target, req.ClientID, req.Priority)
	e.noteModelWaiting(target, -1)
	if err != nil {
		e.releaseRunner(entry)
		e.meters.RecordRequest("generate", target, outcomeFor(err), 0)
		return nil, err
	}

	start := time.Now()
	infCtx, cancel := context.WithTimeout(ctx, e.opts.InferenceTimeout)
	defer cancel()

	completion, err := entry.runner.Generate(infCtx, e.prepareRequest(req, entry))

	ticket.Release()
	e.releaseRunner(entry)
	e.adaptAdmission()

	seconds := time.Since(start).Seconds()
	if err != nil {
		err = e.mapRequestError(ctx, entry, err)
		e.meters.RecordRequest("generate", target, outcomeFor(err), seconds)
		return nil, err
	}
	e.meters.RecordRequest("generate", target, "ok", seconds)
	e.meters.RecordTokens(target, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	return completion, nil
}

// Stream starts a streaming completion. The returned stream owns the
// admission ticket and runner pin until EOF, error, or Close.
func (e *Engine) Stream(ctx context.Context, req *inference.CompletionRequest) (inference.TokenStream, error) {
	target := e.resolveTarget(req.Model)
	entry, err := e.acquireRunner(target)
	if err != nil {
		return nil, err
	}

	e.noteModelWaiting(target, 1)
	ticket, err := e.controller.Acquire(ctx, target, req.ClientID, req.Priority)
	e.noteModelWaiting(target, -1)
	if err != nil {
		e.releaseRunner(entry)
		e.meters.RecordRequest("stream", target, outcomeFor(err), 0)
		return nil, err
	}

	infCtx, cancel := context.WithTimeout(ctx, e.opts.InferenceTimeout)
	raw, err := entry.runner.Stream(infCtx, e.prepareRequest(req, entry))
	if err != nil {
		cancel()
		ticket.Release()
		e.releaseRunner(entry)
		e.adaptAdmission()
		err = e.mapRequestError(ctx, entry, err)
		e.meters.RecordRequest("stream", target, outcomeFor(err), 0)
		return nil, err
	}

	inner := raw
	if len(req.Tools) > 0 {
		inner = streaming.NewToolCallParser(raw, req.Tools, streaming.ParserOptions{
			ThinkingOpenOptional: strings.EqualFold(entry.family, "minimax"),
		})
	}
	return &requestStream{
		engine: e,
		entry:  entry,
		ticket: ticket,
		cancel: cancel,
		outer:  ctx,
		inner:  inner,
		start:  time.Now(),
	}, nil
}

// Embed runs the embedding pipeline of a loaded model. Embedding calls
// share the admission lanes with completions.
func (e *Engine) Embed(ctx context.Context, modelRef, clientID string, texts []string) ([][]float32, error) {
	target := e.resolveTarget(modelRef)
	entry, err := e.acquireRunner(target)
	if err != nil {
		return nil, err
	}

	e.noteModelWaiting(target, 1)
	ticket, err := e.controller.Acquire(ctx, target, clientID, inference.PriorityNormal)
	e.noteModelWaiting(target, -1)
	if err != nil {
		e.releaseRunner(entry)
		e.meters.RecordRequest("embed", target, outcomeFor(err), 0)
		return nil, err
	}

	start := time.Now()
	infCtx, cancel := context.WithTimeout(ctx, e.opts.InferenceTimeout)
	defer cancel()

	vectors, err := entry.runner.Embed(infCtx, texts)

	ticket.Release()
	e.releaseRunner(entry)
	e.adaptAdmission()

	seconds := time.Since(start).Seconds()
	if err != nil {
		err = e.mapRequestError(ctx, entry, err)
		e.meters.RecordRequest("embed", target, outcomeFor(err), seconds)
		return nil, err
	}
	e.meters.RecordRequest("embed", target, "ok", seconds)
	return vectors, nil
}

// prepareRequest rewrites the request for the resolved model: the routed
// model ID, num_ctx clamped to the model context length, and messages
// trimmed to the resulting character budget.
func (e *Engine) prepareRequest(req *inference.CompletionRequest, entry *loadedModel) *inference.CompletionRequest {
	prepared := *req
	prepared.Model = entry.id
	numCtx := req.NumCtx
	if numCtx > 0 && entry.contextLength > 0 && numCtx > entry.contextLength {
		e.log.WithFields(map[string]interface{}{
			"model":   entry.id,
			"num_ctx": numCtx,
			"limit":   entry.contextLength,
		}).Debug("clamping num_ctx to model context length")
		numCtx = entry.contextLength
	}
	prepared.NumCtx = numCtx
	if numCtx > 0 {
		prepared.Messages = trimMessages(req.Messages, numCtx*charsPerToken)
	}
	return &prepared
}

// trimMessages enforces a rough character budget: the leading system
// message is kept, then the oldest non-system messages drop until the
// conversation fits. As a last resort the final message is truncated
// from the front.
func trimMessages(messages []inference.Message, budget int) []inference.Message {
	if budget <= 0 || len(messages) == 0 || messagesChars(messages) <= budget {
		return messages
	}

	keep := 0
	if messages[0].Role == "system" {
		keep = 1
	}
	head := messages[:keep]
	tail := messages[keep:]
	for len(tail) > 1 && messagesChars(head)+messagesChars(tail) > budget {
		tail = tail[1:]
	}

	out := make([]inference.Message, 0, len(head)+len(tail))
	out = append(out, head...)
	out = append(out, tail...)
	if over := messagesChars(out) - budget; over > 0 && len(tail) == 1 {
		last := &out[len(out)-1]
		content := []rune(last.Content)
		if over < len(content) {
			last.Content = string(content[over:])
		} else {
			last.Content = ""
		}
	}
	return out
}

func messagesChars(messages []inference.Message) int {
	total := 0
	for i := range messages {
		total += utf8.RuneCountInString(messages[i].Content)
	}
	return total
}

// mapRequestError classifies a backend failure. A dead worker
// quarantines the model; a deadline hit that the caller did not cause
// becomes the request-timeout sentinel.
func (e *Engine) mapRequestError(outer context.Context, entry *loadedModel, err error) error {
	var workerErr *inference.ErrWorkerExited
	if errors.As(err, &workerErr) {
		e.quarantineRuntime(entry, workerErr)
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && outer.Err() == nil {
		return fmt.Errorf("%w after %s", inference.ErrRequestTimeout, e.opts.InferenceTimeout)
	}
	return err
}

func (e *Engine) adaptAdmission() {
	e.controller.Adapt(e.memory.Snapshot().UsedPct)
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, inference.ErrOverloaded):
		return "overloaded"
	case errors.Is(err, inference.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// requestStream carries the bookkeeping an in-flight stream holds: the
// admission ticket, the runner pin, and the inference deadline. finish
// runs exactly once over EOF, error, and Close.
type requestStream struct {
	engine *Engine
	entry  *loadedModel
	ticket *scheduling.Ticket
	cancel context.CancelFunc
	outer  context.Context
	inner  inference.TokenStream
	start  time.Time
	usage  *inference.Usage
	once   sync.Once
}

func (s *requestStream) Recv() (*inference.StreamChunk, error) {
	chunk, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.finish("ok")
			return nil, io.EOF
		}
		err = s.engine.mapRequestError(s.outer, s.entry, err)
		s.finish(outcomeFor(err))
		return nil, err
	}
	if chunk.Final && chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	return chunk, nil
}

func (s *requestStream) Close() error {
	s.finish("cancelled")
	return s.inner.Close()
}

func (s *requestStream) finish(outcome string) {
	s.once.Do(func() {
		s.cancel()
		s.ticket.Release()
		s.engine.releaseRunner(s.entry)
		s.engine.adaptAdmission()
		seconds := time.Since(s.start).Seconds()
		s.engine.meters.RecordRequest("stream", s.entry.id, outcome, seconds)
		if s.usage != nil {
			s.engine.meters.RecordTokens(s.entry.id, s.usage.PromptTokens, s.usage.CompletionTokens)
		}
	})
}
