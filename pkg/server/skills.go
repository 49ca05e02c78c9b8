package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/skills"
)

type skillListEntry struct {
	Ref string `json:"ref"`
	skills.Manifest
}

func (s *Server) handleSkillList(w http.ResponseWriter, _ *http.Request) {
	list := s.skills.Registry().List()
	entries := make([]skillListEntry, 0, len(list))
	for _, skill := range list {
		entries = append(entries, skillListEntry{Ref: skill.Manifest.Ref(), Manifest: skill.Manifest})
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"skills": entries})
}

type skillInvokeRequest struct {
	Skill     string                 `json:"skill"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Approved  bool                   `json:"approved,omitempty"`
	TimeoutMS int                    `json:"timeout_ms,omitempty"`
}

func (s *Server) handleSkillInvoke(w http.ResponseWriter, r *http.Request) {
	var wire skillInvokeRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &wire) {
		return
	}
	if wire.Skill == "" {
		s.writeAPIError(w, badRequest("skill is required"))
		return
	}
	if wire.TimeoutMS < 0 {
		s.writeAPIError(w, badRequest("timeout_ms must be non-negative"))
		return
	}
	timeout := time.Duration(wire.TimeoutMS) * time.Millisecond

	if s.skillQ != nil {
		inv, _, err := s.skillQ.Submit(r.Context(), wire.Skill, wire.Arguments, wire.Approved, timeout)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.sendJSON(w, http.StatusAccepted, inv)
		return
	}

	res, err := s.skills.Dispatch(r.Context(), wire.Skill, wire.Arguments, wire.Approved, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleSkillInvocation(w http.ResponseWriter, r *http.Request) {
	if s.skillQ == nil {
		s.sendError(w, http.StatusNotFound, typeNotFound, "invocation_not_found",
			"skill queue is not enabled")
		return
	}
	inv, ok := s.skillQ.Invocation(r.PathValue("id"))
	if !ok {
		s.sendError(w, http.StatusNotFound, typeNotFound, "invocation_not_found",
			"unknown invocation id")
		return
	}
	s.sendJSON(w, http.StatusOK, inv)
}

// MCP adapter. Skills are exposed as MCP tools over a single JSON-RPC
// endpoint; the slash in a skill ref becomes a double underscore in
// the tool name.

const mcpProtocolVersion = "2025-06-18"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
)

func mcpToolName(ref string) string {
	return strings.Replace(ref, "/", "__", 1)
}

func (s *Server) writeRPCResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	s.sendJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.sendJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &req) {
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeRPCError(w, req.ID, rpcParseError, "expected jsonrpc 2.0")
		return
	}
	// Notifications carry no id and get no response body.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.writeRPCResult(w, req.ID, map[string]interface{}{
			"protocolVersion": mcpProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]interface{}{
				"name":    "opta-lmx",
				"version": Version,
			},
		})
	case "ping":
		s.writeRPCResult(w, req.ID, map[string]interface{}{})
	case "tools/list":
		s.handleMCPToolsList(w, req.ID)
	case "tools/call":
		s.handleMCPToolsCall(w, r, req.ID, req.Params)
	default:
		s.writeRPCError(w, req.ID, rpcMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *Server) handleMCPToolsList(w http.ResponseWriter, id json.RawMessage) {
	list := s.skills.Registry().List()
	tools := make([]map[string]interface{}, 0, len(list))
	for _, skill := range list {
		schema := skill.Manifest.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		tools = append(tools, map[string]interface{}{
			"name":        mcpToolName(skill.Manifest.Ref()),
			"description": skill.Manifest.Description,
			"inputSchema": schema,
		})
	}
	s.writeRPCResult(w, id, map[string]interface{}{"tools": tools})
}

func (s *Server) handleMCPToolsCall(w http.ResponseWriter, r *http.Request, id, params json.RawMessage) {
	var call struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		s.writeRPCError(w, id, rpcInvalidParams, "invalid params")
		return
	}
	if call.Name == "" {
		s.writeRPCError(w, id, rpcInvalidParams, "tool name is required")
		return
	}
	ref := call.Name
	if _, err := s.skills.Registry().Resolve(ref); err != nil {
		ref = strings.Replace(call.Name, "__", "/", 1)
		if _, err := s.skills.Registry().Resolve(ref); err != nil {
			s.writeRPCError(w, id, rpcInvalidParams, fmt.Sprintf("unknown tool %q", call.Name))
			return
		}
	}

	// MCP callers have no approval channel, so gated skills surface
	// their approval requirement as a tool error.
	res, err := s.skills.Dispatch(r.Context(), ref, call.Arguments, false, 0)
	if err != nil {
		apiErr := classify(err)
		s.writeRPCError(w, id, rpcInvalidParams, apiErr.Message)
		return
	}
	text, isError := mcpResultText(res)
	s.writeRPCResult(w, id, map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": text}},
		"isError": isError,
	})
}

func mcpResultText(res *skills.Result) (string, bool) {
	switch {
	case res.Denied:
		return "skill invocation denied: " + res.DeniedReason, true
	case res.RequiresApproval:
		return "skill requires approval before it can run", true
	case res.TimedOut:
		return "skill invocation timed out", true
	case res.Cancelled:
		return "skill invocation cancelled", true
	case res.Error != "":
		return res.Error, true
	}
	switch out := res.Output.(type) {
	case string:
		return out, false
	case nil:
		return "", false
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out), false
		}
		return string(data), false
	}
}
