// Package streaming turns raw backend token streams into structured
// output: reasoning blocks lifted out of think tags, tool invocations
// parsed from their XML framing and typed against the declaring tool's
// JSON schema, and an SSE writer for the OpenAI chunk shape.
package streaming

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
	toolOpen   = "<minimax:tool_call>"
	toolClose  = "</minimax:tool_call>"
	invokeEnd  = "</invoke>"

	// thinkProbeLimit bounds how much of the stream head is buffered
	// while deciding whether an untagged prefix is reasoning. Past the
	// limit the prefix is treated as content.
	thinkProbeLimit = 4096
)

var (
	invokeOpenPat = regexp.MustCompile(`<invoke\s+name="([^"]*)"\s*>`)
	paramPat      = regexp.MustCompile(`(?s)<parameter\s+name="([^"]*)"\s*>(.*?)</parameter>`)
)

type parserState int

const (
	stateLead parserState = iota
	stateThinkProbe
	stateThinking
	stateContent
	stateToolCall
	stateDone
)

// ParserOptions tune the tool-call parser per model.
type ParserOptions struct {
	// ThinkingOpenOptional handles models that emit a closing think tag
	// without the opening one: the stream head is buffered (up to
	// thinkProbeLimit) and classified as reasoning when a bare close tag
	// shows up.
	ThinkingOpenOptional bool
}

// ToolCallParser wraps a token stream and re-emits it as content deltas,
// reasoning deltas, and parsed tool calls. The tag regions themselves are
// never emitted as text.
type ToolCallParser struct {
	inner   inference.TokenStream
	schemas map[string]map[string]propertySchema
	opts    ParserOptions

	state   parserState
	pending string
	toolBuf string
	queue   []*inference.StreamChunk
	callIdx int
	sawEOF  bool
}

// NewToolCallParser builds a parser for one stream. The tools slice is
// used to type tool-call arguments; an empty or malformed schema leaves
// arguments as strings.
func NewToolCallParser(inner inference.TokenStream, tools []inference.Tool, opts ParserOptions) *ToolCallParser {
	return &ToolCallParser{
		inner:   inner,
		schemas: buildSchemas(tools),
		opts:    opts,
		state:   stateLead,
	}
}

func (p *ToolCallParser) Recv() (*inference.StreamChunk, error) {
	for {
		if len(p.queue) > 0 {
			chunk := p.queue[0]
			p.queue = p.queue[1:]
			return chunk, nil
		}
		if p.sawEOF {
			return nil, io.EOF
		}

		chunk, err := p.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.sawEOF = true
				p.flush()
				continue
			}
			return nil, err
		}
		if chunk.Final {
			// Drain buffered text before the end marker so usage data
			// arrives last.
			p.flush()
			p.queue = append(p.queue, chunk)
			continue
		}
		p.feed(chunk.Token)
	}
}

func (p *ToolCallParser) Close() error {
	return p.inner.Close()
}

func (p *ToolCallParser) feed(text string) {
	if text == "" {
		return
	}
	p.pending += text
	p.process()
}

// process advances the state machine as far as the buffered text allows.
func (p *ToolCallParser) process() {
	for {
		switch p.state {
		case stateLead:
			trimmed := strings.TrimLeft(p.pending, " \t\r\n")
			if trimmed == "" {
				return
			}
			if strings.HasPrefix(trimmed, thinkOpen) {
				p.pending = trimmed[len(thinkOpen):]
				p.state = stateThinking
				continue
			}
			if strings.HasPrefix(thinkOpen, trimmed) {
				return
			}
			if p.opts.ThinkingOpenOptional {
				p.state = stateThinkProbe
			} else {
				p.state = stateContent
			}
			continue

		case stateThinkProbe:
			if i := strings.Index(p.pending, thinkClose); i >= 0 {
				p.emitReasoning(p.pending[:i])
				p.pending = p.pending[i+len(thinkClose):]
				p.state = stateContent
				continue
			}
			if i := strings.Index(p.pending, toolOpen); i >= 0 {
				p.emitContent(p.pending[:i])
				p.pending = p.pending[i+len(toolOpen):]
				p.state = stateToolCall
				continue
			}
			if len(p.pending) > thinkProbeLimit {
				p.state = stateContent
				continue
			}
			return

		case stateThinking:
			if i := strings.Index(p.pending, thinkClose); i >= 0 {
				p.emitReasoning(p.pending[:i])
				p.pending = p.pending[i+len(thinkClose):]
				p.state = stateContent
				continue
			}
			hold := overlap(p.pending, thinkClose)
			p.emitReasoning(p.pending[:len(p.pending)-hold])
			p.pending = p.pending[len(p.pending)-hold:]
			return

		case stateContent:
			toolIdx := strings.Index(p.pending, toolOpen)
			thinkIdx := strings.Index(p.pending, thinkClose)
			switch {
			case toolIdx >= 0 && (thinkIdx < 0 || toolIdx <= thinkIdx):
				p.emitContent(p.pending[:toolIdx])
				p.pending = p.pending[toolIdx+len(toolOpen):]
				p.state = stateToolCall
				continue
			case thinkIdx >= 0:
				// A stray close tag is framing, not text.
				p.emitContent(p.pending[:thinkIdx])
				p.pending = p.pending[thinkIdx+len(thinkClose):]
				continue
			}
			hold := overlap(p.pending, toolOpen)
			if h := overlap(p.pending, thinkClose); h > hold {
				hold = h
			}
			p.emitContent(p.pending[:len(p.pending)-hold])
			p.pending = p.pending[len(p.pending)-hold:]
			return

		case stateToolCall:
			if i := strings.Index(p.pending, toolClose); i >= 0 {
				p.toolBuf += p.pending[:i]
				p.pending = p.pending[i+len(toolClose):]
				p.emitInvokes()
				p.toolBuf = ""
				p.state = stateDone
				continue
			}
			hold := overlap(p.pending, toolClose)
			p.toolBuf += p.pending[:len(p.pending)-hold]
			p.pending = p.pending[len(p.pending)-hold:]
			p.emitInvokes()
			return

		case stateDone:
			p.pending = ""
			return
		}
	}
}

// flush runs at end of stream: whatever is still buffered is emitted
// according to the state it was buffered in. An unterminated tool-call
// region yields its complete invokes; a partial invoke is dropped.
func (p *ToolCallParser) flush() {
	switch p.state {
	case stateLead, stateThinkProbe, stateContent:
		p.emitContent(p.pending)
	case stateThinking:
		p.emitReasoning(p.pending)
	case stateToolCall:
		p.toolBuf += p.pending
		p.emitInvokes()
		p.toolBuf = ""
	}
	p.pending = ""
	p.state = stateDone
}

func (p *ToolCallParser) emitContent(text string) {
	if text == "" {
		return
	}
	p.queue = append(p.queue, &inference.StreamChunk{Token: text})
}

func (p *ToolCallParser) emitReasoning(text string) {
	if text == "" {
		return
	}
	p.queue = append(p.queue, &inference.StreamChunk{Reasoning: text})
}

// emitInvokes parses every complete invoke block in toolBuf and trims the
// consumed prefix, leaving a partial block for the next feed.
func (p *ToolCallParser) emitInvokes() {
	for {
		open := invokeOpenPat.FindStringSubmatchIndex(p.toolBuf)
		if open == nil {
			return
		}
		name := p.toolBuf[open[2]:open[3]]
		rest := p.toolBuf[open[1]:]
		end := strings.Index(rest, invokeEnd)
		if end < 0 {
			return
		}
		body := rest[:end]
		p.toolBuf = rest[end+len(invokeEnd):]

		args := p.typedArguments(name, body)
		encoded, err := json.Marshal(args)
		if err != nil {
			encoded = []byte("{}")
		}
		p.queue = append(p.queue, &inference.StreamChunk{ToolCall: &inference.ToolCallDelta{
			Index:     p.callIdx,
			ID:        newCallID(),
			Name:      name,
			Arguments: string(encoded),
		}})
		p.callIdx++
	}
}

func (p *ToolCallParser) typedArguments(fn, body string) map[string]interface{} {
	properties := p.schemas[fn]
	args := make(map[string]interface{})
	for _, m := range paramPat.FindAllStringSubmatch(body, -1) {
		key, raw := m[1], m[2]
		args[key] = convertParam(raw, properties[key])
	}
	return args
}

// overlap returns the length of the longest proper prefix of pat that is
// a suffix of s. It bounds how much text must be held back before a tag
// might complete.
func overlap(s, pat string) int {
	max := len(pat) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if s[len(s)-k:] == pat[:k] {
			return k
		}
	}
	return 0
}

// propertySchema is the slice of JSON schema the converter needs: the
// declared type plus anyOf/oneOf alternatives tried in order.
type propertySchema struct {
	Type  string           `json:"type"`
	AnyOf []propertySchema `json:"anyOf"`
	OneOf []propertySchema `json:"oneOf"`
}

func buildSchemas(tools []inference.Tool) map[string]map[string]propertySchema {
	out := make(map[string]map[string]propertySchema, len(tools))
	for _, tool := range tools {
		if tool.Function.Name == "" {
			continue
		}
		var params struct {
			Properties map[string]propertySchema `json:"properties"`
		}
		if len(tool.Function.Parameters) > 0 {
			// Malformed schemas leave arguments untyped.
			_ = json.Unmarshal(tool.Function.Parameters, &params)
		}
		out[tool.Function.Name] = params.Properties
	}
	return out
}

func convertParam(raw string, schema propertySchema) interface{} {
	alternatives := schema.AnyOf
	if len(alternatives) == 0 {
		alternatives = schema.OneOf
	}
	if len(alternatives) > 0 {
		for _, sub := range alternatives {
			if v, ok := tryConvert(raw, sub.Type); ok {
				return v
			}
		}
		return strings.TrimSpace(raw)
	}
	if v, ok := tryConvert(raw, schema.Type); ok {
		return v
	}
	return strings.TrimSpace(raw)
}

func tryConvert(raw, typ string) (interface{}, bool) {
	trimmed := strings.TrimSpace(raw)
	switch typ {
	case "integer":
		i, err := strconv.ParseInt(trimmed, 10, 64)
		return i, err == nil
	case "number":
		f, err := strconv.ParseFloat(trimmed, 64)
		return f, err == nil
	case "boolean":
		switch strings.ToLower(trimmed) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return nil, false
	case "null":
		return nil, trimmed == "" || trimmed == "null"
	case "object":
		var m map[string]interface{}
		if json.Unmarshal([]byte(trimmed), &m) == nil {
			return m, true
		}
		return nil, false
	case "array":
		var a []interface{}
		if json.Unmarshal([]byte(trimmed), &a) == nil {
			return a, true
		}
		return nil, false
	case "string", "":
		return trimmed, true
	}
	return nil, false
}

// newCallID generates an OpenAI-style tool call ID.
func newCallID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("call_%016x", time.Now().UnixNano())
	}
	return "call_" + hex.EncodeToString(buf[:])
}
