package models

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
)

// fakeHub serves the tree listing and file resolve endpoints for a single
// repo, with optional per-file failure injection.
type fakeHub struct {
	repo  string
	token string

	mu        sync.Mutex
	files     map[string]string
	missing   map[string]bool
	truncated map[string]int
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/models/"+h.repo+"/tree/"):
		h.serveTree(w)
	case strings.HasPrefix(r.URL.Path, "/"+h.repo+"/resolve/"):
		h.serveFile(w, strings.TrimPrefix(r.URL.Path, "/"+h.repo+"/resolve/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *fakeHub) serveTree(w http.ResponseWriter) {
	h.mu.Lock()
	entries := []map[string]any{{"type": "directory", "path": "weights", "size": 0}}
	for path, content := range h.files {
		entries = append(entries, map[string]any{"type": "file", "path": path, "size": len(content)})
	}
	h.mu.Unlock()
	_ = json.NewEncoder(w).Encode(entries)
}

func (h *fakeHub) serveFile(w http.ResponseWriter, rest string) {
	_, filePath, ok := strings.Cut(rest, "/")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	content, exists := h.files[filePath]
	gone := h.missing[filePath]
	truncate := h.truncated[filePath] > 0
	if truncate {
		h.truncated[filePath]--
	}
	h.mu.Unlock()

	switch {
	case !exists || gone:
		w.WriteHeader(http.StatusNotFound)
	case truncate:
		// Advertise the full length but send one byte so the client
		// sees an unexpected EOF mid-body.
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write([]byte(content[:1]))
	default:
		_, _ = w.Write([]byte(content))
	}
}

func waitForDownload(t *testing.T, m *Manager, id string) DownloadProgress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		progress, err := m.GetDownload(id)
		if err != nil {
			t.Fatalf("GetDownload: %v", err)
		}
		if progress.Status != DownloadStatusDownloading {
			return progress
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("download did not finish in time")
	return DownloadProgress{}
}

func TestDownloadEndToEnd(t *testing.T) {
	hub := &fakeHub{
		repo: "minimax/MiniMax-M2.5",
		files: map[string]string{
			"config.json":               `{"model_type":"minimax"}`,
			"model.safetensors":         strings.Repeat("w", 256),
			"tokenizer.json":            "{}",
			"weights/extra.safetensors": strings.Repeat("x", 128),
		},
	}
	server := httptest.NewServer(hub)
	defer server.Close()

	root := t.TempDir()
	m, err := NewManager(testLogger(), Config{Root: root, HubURL: server.URL})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	loaded := make(chan string, 1)
	m.SetAutoLoadFunc(func(id string) { loaded <- id })

	task, err := m.StartDownload(DownloadRequest{ModelID: "minimax/MiniMax-M2.5", AutoLoad: true})
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	progress := waitForDownload(t, m, task.ID)
	if progress.Status != DownloadStatusCompleted {
		t.Fatalf("status = %q, error = %q", progress.Status, progress.Error)
	}
	if progress.FilesCompleted != 4 || progress.FilesTotal != 4 {
		t.Errorf("files = %d/%d, want 4/4", progress.FilesCompleted, progress.FilesTotal)
	}
	var wantBytes int64
	for _, content := range hub.files {
		wantBytes += int64(len(content))
	}
	if progress.BytesDownloaded != wantBytes || progress.BytesTotal != wantBytes {
		t.Errorf("bytes = %d/%d, want %d/%d", progress.BytesDownloaded, progress.BytesTotal, wantBytes, wantBytes)
	}
	if progress.CompletedAt == nil {
		t.Error("completed_at unset on finished task")
	}

	select {
	case id := <-loaded:
		if id != "minimax/MiniMax-M2.5" {
			t.Errorf("auto-load got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("auto-load callback never fired")
	}

	model, err := m.Resolve("MiniMax-M2.5")
	if err != nil {
		t.Fatalf("Resolve after download: %v", err)
	}
	if model.Format != FormatSafetensors {
		t.Errorf("format = %q, want %q", model.Format, FormatSafetensors)
	}
	if model.Revision != "main" {
		t.Errorf("revision = %q, want main", model.Revision)
	}
	if _, err := os.Stat(filepath.Join(root, "minimax", "MiniMax-M2.5", "weights", "extra.safetensors")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
}

func TestDownloadFiltersAndAuth(t *testing.T) {
	hub := &fakeHub{
		repo:  "bartowski/Qwen3-GGUF",
		token: "hub-token",
		files: map[string]string{
			"model-q4.gguf": strings.Repeat("4", 64),
			"model-q8.gguf": strings.Repeat("8", 96),
			"README.md":     "docs",
		},
	}
	server := httptest.NewServer(hub)
	defer server.Close()

	root := t.TempDir()
	m, err := NewManager(testLogger(), Config{Root: root, HubURL: server.URL, Token: "hub-token"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	size, err := m.EstimateRepoSize(context.Background(), "bartowski/Qwen3-GGUF", "", []string{"*-q4.gguf"}, nil)
	if err != nil {
		t.Fatalf("EstimateRepoSize: %v", err)
	}
	if size != 64 {
		t.Errorf("estimated size = %d, want 64", size)
	}

	task, err := m.StartDownload(DownloadRequest{
		ModelID: "bartowski/Qwen3-GGUF",
		Include: []string{"*.gguf"},
		Exclude: []string{"*-q8.gguf"},
	})
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	progress := waitForDownload(t, m, task.ID)
	if progress.Status != DownloadStatusCompleted {
		t.Fatalf("status = %q, error = %q", progress.Status, progress.Error)
	}
	if progress.FilesTotal != 1 {
		t.Errorf("files total = %d, want 1", progress.FilesTotal)
	}

	modelDir := filepath.Join(root, "bartowski", "Qwen3-GGUF")
	if _, err := os.Stat(filepath.Join(modelDir, "model-q4.gguf")); err != nil {
		t.Errorf("included file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(modelDir, "model-q8.gguf")); !os.IsNotExist(err) {
		t.Errorf("excluded file present, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(modelDir, "README.md")); !os.IsNotExist(err) {
		t.Errorf("non-included file present, stat err = %v", err)
	}
}

func TestDownloadRetriesTransientErrors(t *testing.T) {
	hub := &fakeHub{
		repo: "minimax/MiniMax-M2.5",
		files: map[string]string{
			"config.json":       `{"model_type":"minimax"}`,
			"model.safetensors": strings.Repeat("w", 200),
		},
		truncated: map[string]int{"model.safetensors": 2},
	}
	server := httptest.NewServer(hub)
	defer server.Close()

	m, err := NewManager(testLogger(), Config{Root: t.TempDir(), HubURL: server.URL})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	task, err := m.StartDownload(DownloadRequest{ModelID: "minimax/MiniMax-M2.5"})
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	progress := waitForDownload(t, m, task.ID)
	if progress.Status != DownloadStatusCompleted {
		t.Fatalf("status = %q, error = %q", progress.Status, progress.Error)
	}

	// Rolled-back partial attempts must not inflate the byte counter.
	var wantBytes int64
	for _, content := range hub.files {
		wantBytes += int64(len(content))
	}
	if progress.BytesDownloaded != wantBytes {
		t.Errorf("bytes downloaded = %d, want %d", progress.BytesDownloaded, wantBytes)
	}
}

func TestDownloadFailure(t *testing.T) {
	hub := &fakeHub{
		repo: "minimax/MiniMax-M2.5",
		files: map[string]string{
			"config.json":    `{"model_type":"minimax"}`,
			"tokenizer.json": "{}",
		},
		missing: map[string]bool{"tokenizer.json": true},
	}
	server := httptest.NewServer(hub)
	defer server.Close()

	m, err := NewManager(testLogger(), Config{Root: t.TempDir(), HubURL: server.URL})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	task, err := m.StartDownload(DownloadRequest{ModelID: "minimax/MiniMax-M2.5"})
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	progress := waitForDownload(t, m, task.ID)
	if progress.Status != DownloadStatusFailed {
		t.Fatalf("status = %q, want failed", progress.Status)
	}
	if !strings.Contains(progress.Error, "status 404") {
		t.Errorf("error = %q, want hub status mention", progress.Error)
	}

	if _, err := m.GetDownload("not-a-task"); !errors.Is(err, inference.ErrDownloadNotFound) {
		t.Errorf("unknown task err = %v, want ErrDownloadNotFound", err)
	}
	if _, err := m.StartDownload(DownloadRequest{ModelID: "../evil"}); err == nil {
		t.Error("path-escaping model ID accepted")
	}
}
