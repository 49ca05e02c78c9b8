package server

import (
	"fmt"
	"net/http"

	"github.com/opta-ai/opta-lmx/pkg/rag"
)

type ragIngestRequest struct {
	Collection string         `json:"collection"`
	Documents  []rag.Document `json:"documents"`
}

func (s *Server) handleRAGIngest(w http.ResponseWriter, r *http.Request) {
	var wire ragIngestRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &wire) {
		return
	}
	if wire.Collection == "" {
		s.writeAPIError(w, badRequest("collection is required"))
		return
	}
	if len(wire.Documents) == 0 {
		s.writeAPIError(w, badRequest("documents is required"))
		return
	}
	for i, doc := range wire.Documents {
		if doc.Text == "" {
			s.writeAPIError(w, badRequest(fmt.Sprintf("documents[%d]: text is required", i)))
			return
		}
	}
	count, err := s.rag.Ingest(r.Context(), wire.Collection, wire.Documents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"collection": wire.Collection,
		"ingested":   count,
	})
}

type ragQueryRequest struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k,omitempty"`
}

func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	var wire ragQueryRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &wire) {
		return
	}
	if wire.Collection == "" {
		s.writeAPIError(w, badRequest("collection is required"))
		return
	}
	if wire.Query == "" {
		s.writeAPIError(w, badRequest("query is required"))
		return
	}
	hits, err := s.rag.Query(r.Context(), wire.Collection, wire.Query, wire.TopK)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hits == nil {
		hits = make([]rag.Hit, 0)
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"collection": wire.Collection,
		"hits":       hits,
	})
}

type ragContextRequest struct {
	Collection  string `json:"collection"`
	Query       string `json:"query"`
	TokenBudget int    `json:"token_budget,omitempty"`
}

func (s *Server) handleRAGContext(w http.ResponseWriter, r *http.Request) {
	var wire ragContextRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxInferenceBodyBytes, &wire) {
		return
	}
	if wire.Collection == "" {
		s.writeAPIError(w, badRequest("collection is required"))
		return
	}
	if wire.Query == "" {
		s.writeAPIError(w, badRequest("query is required"))
		return
	}
	text, err := s.rag.Context(r.Context(), wire.Collection, wire.Query, wire.TokenBudget)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"collection": wire.Collection,
		"context":    text,
	})
}

func (s *Server) handleRAGCollections(w http.ResponseWriter, r *http.Request) {
	collections, err := s.rag.Collections(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if collections == nil {
		collections = make([]string, 0)
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"collections": collections})
}

func (s *Server) handleRAGDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.rag.DeleteCollection(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
