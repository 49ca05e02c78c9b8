// Package rag fronts an external vector store over HTTP. The store owns
// all vector math; this facade only shapes requests, optionally
// enriching them with helper-node embeddings and reranking, and
// assembles query hits into prompt-ready context blocks.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opta-ai/opta-lmx/pkg/helpers"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const contextTopK = 8

var (
	// ErrDisabled is returned when no vector store is configured.
	ErrDisabled = errors.New("rag is not configured: set rag.base_url")
	// ErrCollectionNotFound maps the store's 404 for unknown collections.
	ErrCollectionNotFound = errors.New("collection not found")

	collectionPat = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// EmbedVia selects where query/ingest embeddings are computed.
const (
	EmbedViaStore  = "store"
	EmbedViaHelper = "helper"
)

// Config wires the facade to its store.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	EmbedVia string
}

// Document is one ingestable text unit.
type Document struct {
	ID       string            `json:"id,omitempty"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Hit is one retrieval result.
type Hit struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ingestDocument struct {
	Document
	Vector []float32 `json:"vector,omitempty"`
}

type ingestRequest struct {
	Documents []ingestDocument `json:"documents"`
}

type ingestResponse struct {
	Ingested int `json:"ingested"`
}

type queryRequest struct {
	Text   string    `json:"text,omitempty"`
	Vector []float32 `json:"vector,omitempty"`
	TopK   int       `json:"top_k"`
}

type queryResponse struct {
	Hits []Hit `json:"hits"`
}

type collectionsResponse struct {
	Collections []string `json:"collections"`
}

type storeError struct {
	code int
	body string
}

func (e *storeError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("vector store returned status %d", e.code)
	}
	return fmt.Sprintf("vector store returned status %d: %s", e.code, e.body)
}

// Service is the RAG facade. A nil helper pool (or an empty one)
// disables helper enrichment; everything then rides on the store.
type Service struct {
	log     logging.Logger
	cfg     Config
	http    *http.Client
	helpers *helpers.Pool
}

// NewService builds the facade. With an empty BaseURL every operation
// returns ErrDisabled.
func NewService(log logging.Logger, cfg Config, pool *helpers.Pool) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Service{
		log:     log,
		cfg:     cfg,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		helpers: pool,
	}
}

// Enabled reports whether a store is configured.
func (s *Service) Enabled() bool { return s.cfg.BaseURL != "" }

// Ingest pushes documents into a collection and returns how many the
// store accepted.
func (s *Service) Ingest(ctx context.Context, collection string, docs []Document) (int, error) {
	if err := s.ready(collection); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, errors.New("no documents to ingest")
	}
	for i, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			return 0, fmt.Errorf("document %d has no text", i)
		}
	}

	payload := ingestRequest{Documents: make([]ingestDocument, len(docs))}
	for i, doc := range docs {
		payload.Documents[i] = ingestDocument{Document: doc}
	}

	if vectors, err := s.embedTexts(ctx, documentTexts(docs)); err != nil {
		return 0, err
	} else if vectors != nil {
		for i := range payload.Documents {
			payload.Documents[i].Vector = vectors[i]
		}
	}

	var out ingestResponse
	if err := s.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/documents", payload, &out); err != nil {
		return 0, err
	}
	if out.Ingested == 0 {
		out.Ingested = len(docs)
	}
	return out.Ingested, nil
}

// Query retrieves the topK closest documents in store order.
func (s *Service) Query(ctx context.Context, collection, text string, topK int) ([]Hit, error) {
	if err := s.ready(collection); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("query text is required")
	}
	if topK <= 0 {
		topK = contextTopK
	}

	req := queryRequest{Text: text, TopK: topK}
	if vectors, err := s.embedTexts(ctx, []string{text}); err != nil {
		return nil, err
	} else if vectors != nil {
		req.Vector = vectors[0]
	}

	var out queryResponse
	if err := s.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/query", req, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// Context queries the collection and assembles the hits into one
// prompt-ready block, reranked through helper nodes when available and
// trimmed to the character budget.
func (s *Service) Context(ctx context.Context, collection, text string, budget int) (string, error) {
	hits, err := s.Query(ctx, collection, text, contextTopK)
	if err != nil {
		return "", err
	}
	hits, err = s.rerankHits(ctx, text, hits)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, hit := range hits {
		snippet := strings.TrimSpace(hit.Text)
		if snippet == "" {
			continue
		}
		need := len(snippet)
		if b.Len() > 0 {
			need += 2
		}
		if budget > 0 && b.Len()+need > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(snippet)
	}
	return b.String(), nil
}

// Collections lists the store's collections.
func (s *Service) Collections(ctx context.Context) ([]string, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	var out collectionsResponse
	if err := s.do(ctx, http.MethodGet, "/collections", nil, &out); err != nil {
		return nil, err
	}
	return out.Collections, nil
}

// DeleteCollection removes a collection from the store.
func (s *Service) DeleteCollection(ctx context.Context, collection string) error {
	if err := s.ready(collection); err != nil {
		return err
	}
	err := s.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(collection), nil, nil)
	var status *storeError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return err
}

func (s *Service) ready(collection string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if !collectionPat.MatchString(collection) {
		return fmt.Errorf("invalid collection name %q", utils.SanitizeForLog(collection))
	}
	return nil
}

// embedTexts computes embeddings through helper nodes when configured.
// A nil result means the store should embed server-side: either helpers
// are not in play, or the failed node's fallback directive allows the
// degrade.
func (s *Service) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if s.cfg.EmbedVia != EmbedViaHelper || s.helpers == nil || s.helpers.Empty() {
		return nil, nil
	}
	vectors, err := s.helpers.Embed(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	var down *helpers.ErrHelperDown
	if errors.As(err, &down) && down.Fallback == helpers.FallbackLocal {
		s.log.WithError(err).Warn("helper embedding unavailable, deferring to store")
		return nil, nil
	}
	return nil, err
}

// rerankHits reorders hits through helper nodes. Store order stands
// when no helper is configured or the failed node allows local
// fallback.
func (s *Service) rerankHits(ctx context.Context, query string, hits []Hit) ([]Hit, error) {
	if s.helpers == nil || s.helpers.Empty() || len(hits) < 2 {
		return hits, nil
	}
	docs := make([]string, len(hits))
	for i, hit := range hits {
		docs[i] = hit.Text
	}
	ranked, err := s.helpers.Rerank(ctx, query, docs, len(docs))
	if err != nil {
		var down *helpers.ErrHelperDown
		if errors.As(err, &down) && down.Fallback == helpers.FallbackLocal {
			s.log.WithError(err).Warn("helper rerank unavailable, keeping store order")
			return hits, nil
		}
		return nil, err
	}

	out := make([]Hit, 0, len(hits))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(hits) {
			continue
		}
		hit := hits[r.Index]
		hit.Score = r.Score
		out = append(out, hit)
	}
	if len(out) == 0 {
		return hits, nil
	}
	return out, nil
}

func (s *Service) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("error while calling vector store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &storeError{code: resp.StatusCode, body: utils.SanitizeForLog(string(tail))}
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func documentTexts(docs []Document) []string {
	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	return texts
}
