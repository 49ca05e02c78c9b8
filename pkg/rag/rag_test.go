package rag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/opta-ai/opta-lmx/pkg/helpers"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

func testLogger() logging.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logging.NewLogrusAdapter(logger)
}

// fakeStore is a minimal in-memory vector store endpoint.
type fakeStore struct {
	t           *testing.T
	hits        []Hit
	lastIngest  ingestRequest
	lastQuery   queryRequest
	collections []string
	deleted     []string
}

func (f *fakeStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections":
			json.NewEncoder(w).Encode(collectionsResponse{Collections: f.collections})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/documents"):
			json.NewDecoder(r.Body).Decode(&f.lastIngest)
			json.NewEncoder(w).Encode(ingestResponse{Ingested: len(f.lastIngest.Documents)})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/query"):
			json.NewDecoder(r.Body).Decode(&f.lastQuery)
			json.NewEncoder(w).Encode(queryResponse{Hits: f.hits})
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/collections/"):
			name := strings.TrimPrefix(r.URL.Path, "/collections/")
			if name == "ghost" {
				http.NotFound(w, r)
				return
			}
			f.deleted = append(f.deleted, name)
		default:
			f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

func newTestService(t *testing.T, store *fakeStore, pool *helpers.Pool, embedVia string) *Service {
	t.Helper()
	server := httptest.NewServer(store.handler())
	t.Cleanup(server.Close)
	return NewService(testLogger(), Config{BaseURL: server.URL, EmbedVia: embedVia}, pool)
}

func TestDisabledWithoutBaseURL(t *testing.T) {
	s := NewService(testLogger(), Config{}, nil)
	if s.Enabled() {
		t.Error("Enabled() without base_url")
	}
	if _, err := s.Query(context.Background(), "docs", "q", 3); !errors.Is(err, ErrDisabled) {
		t.Errorf("Query = %v, want ErrDisabled", err)
	}
	if _, err := s.Collections(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("Collections = %v, want ErrDisabled", err)
	}
	if _, err := s.Ingest(context.Background(), "docs", []Document{{Text: "x"}}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Ingest = %v, want ErrDisabled", err)
	}
}

func TestIngestStoreSide(t *testing.T) {
	store := &fakeStore{t: t}
	s := newTestService(t, store, nil, EmbedViaStore)

	n, err := s.Ingest(context.Background(), "docs", []Document{
		{ID: "1", Text: "alpha"},
		{Text: "beta", Metadata: map[string]string{"source": "test"}},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 2 {
		t.Errorf("ingested = %d", n)
	}
	if len(store.lastIngest.Documents) != 2 {
		t.Fatalf("store saw %d documents", len(store.lastIngest.Documents))
	}
	if store.lastIngest.Documents[0].Vector != nil {
		t.Error("vector attached without helper embedding")
	}
	if store.lastIngest.Documents[1].Metadata["source"] != "test" {
		t.Error("metadata dropped")
	}
}

func TestIngestValidation(t *testing.T) {
	store := &fakeStore{t: t}
	s := newTestService(t, store, nil, EmbedViaStore)

	if _, err := s.Ingest(context.Background(), "docs", nil); err == nil {
		t.Error("empty ingest accepted")
	}
	if _, err := s.Ingest(context.Background(), "docs", []Document{{Text: "  "}}); err == nil {
		t.Error("blank document accepted")
	}
	if _, err := s.Ingest(context.Background(), "../etc", []Document{{Text: "x"}}); err == nil {
		t.Error("path-like collection accepted")
	}
}

func TestQueryPassesTopK(t *testing.T) {
	store := &fakeStore{t: t, hits: []Hit{{ID: "1", Text: "alpha", Score: 0.9}}}
	s := newTestService(t, store, nil, EmbedViaStore)

	hits, err := s.Query(context.Background(), "docs", "question", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "1" {
		t.Errorf("hits = %+v", hits)
	}
	if store.lastQuery.TopK != 5 || store.lastQuery.Text != "question" {
		t.Errorf("store query = %+v", store.lastQuery)
	}
	if store.lastQuery.Vector != nil {
		t.Error("vector sent without helper embedding")
	}

	if _, err := s.Query(context.Background(), "docs", "  ", 5); err == nil {
		t.Error("blank query accepted")
	}
}

func TestQueryWithHelperEmbedding(t *testing.T) {
	helperSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
		case "/embed":
			json.NewEncoder(w).Encode(struct {
				Vectors [][]float32 `json:"vectors"`
			}{Vectors: [][]float32{{0.5, 0.5}}})
		}
	}))
	defer helperSrv.Close()

	node := helpers.NewClient(testLogger(), helpers.NodeConfig{Name: "embedder", BaseURL: helperSrv.URL})
	pool := helpers.NewPool(testLogger(), []*helpers.Client{node}, 0)
	node.HealthCheck(context.Background())

	store := &fakeStore{t: t, hits: []Hit{{ID: "1", Text: "alpha"}}}
	s := newTestService(t, store, pool, EmbedViaHelper)

	if _, err := s.Query(context.Background(), "docs", "question", 3); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(store.lastQuery.Vector) != 2 {
		t.Errorf("store did not receive helper vector: %+v", store.lastQuery)
	}
}

func TestContextAssemblesWithinBudget(t *testing.T) {
	store := &fakeStore{t: t, hits: []Hit{
		{ID: "1", Text: "first snippet"},
		{ID: "2", Text: "second snippet"},
		{ID: "3", Text: "third snippet that will not fit"},
	}}
	s := newTestService(t, store, nil, EmbedViaStore)

	block, err := s.Context(context.Background(), "docs", "question", 30)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if block != "first snippet\n\nsecond snippet" {
		t.Errorf("block = %q", block)
	}

	// Zero budget means no trimming.
	full, err := s.Context(context.Background(), "docs", "question", 0)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if !strings.Contains(full, "third snippet") {
		t.Errorf("untrimmed block = %q", full)
	}
}

func TestCollectionsAndDelete(t *testing.T) {
	store := &fakeStore{t: t, collections: []string{"docs", "notes"}}
	s := newTestService(t, store, nil, EmbedViaStore)

	names, err := s.Collections(context.Background())
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("collections = %v", names)
	}

	if err := s.DeleteCollection(context.Background(), "docs"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "docs" {
		t.Errorf("deleted = %v", store.deleted)
	}

	if err := s.DeleteCollection(context.Background(), "ghost"); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("DeleteCollection ghost = %v, want ErrCollectionNotFound", err)
	}
}
