package server

import (
	"net/http"

	"github.com/opta-ai/opta-lmx/pkg/agents"
)

func (s *Server) handleAgentSubmit(w http.ResponseWriter, r *http.Request) {
	var req agents.RunRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.writeAPIError(w, badRequest(err.Error()))
		return
	}
	if req.Traceparent == "" {
		req.Traceparent = r.Header.Get("traceparent")
		req.Tracestate = r.Header.Get("tracestate")
	}

	run, err := s.agents.Submit(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if run.Status == agents.RunQueued {
		status = http.StatusAccepted
	}
	s.sendJSON(w, status, run)
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, run)
}

func (s *Server) handleAgentCancel(w http.ResponseWriter, r *http.Request) {
	run, err := s.agents.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, run)
}
