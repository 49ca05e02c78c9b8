package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opta-ai/opta-lmx/pkg/agents"
	"github.com/opta-ai/opta-lmx/pkg/compat"
	"github.com/opta-ai/opta-lmx/pkg/config"
	"github.com/opta-ai/opta-lmx/pkg/events"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/inference/engine"
	"github.com/opta-ai/opta-lmx/pkg/inference/scheduling"
	"github.com/opta-ai/opta-lmx/pkg/logging"
	"github.com/opta-ai/opta-lmx/pkg/memory"
	"github.com/opta-ai/opta-lmx/pkg/metrics"
	"github.com/opta-ai/opta-lmx/pkg/models"
	"github.com/opta-ai/opta-lmx/pkg/presets"
	"github.com/opta-ai/opta-lmx/pkg/rag"
	"github.com/opta-ai/opta-lmx/pkg/skills"
)

const testModelID = "minimax/MiniMax-M2.5"

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logging.NewLogrusAdapter(l)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func seedTensorModel(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(id))
	writeFile(t, filepath.Join(dir, "config.json"), []byte(`{"model_type":"minimax"}`))
	writeFile(t, filepath.Join(dir, "model.safetensors"), make([]byte, 2048))
	writeFile(t, filepath.Join(dir, "tokenizer.json"), []byte(`{}`))
}

type fakeRunner struct {
	mu         sync.Mutex
	generateFn func(ctx context.Context, req *inference.CompletionRequest) (*inference.Completion, error)
	streamFn   func(ctx context.Context, req *inference.CompletionRequest) (inference.TokenStream, error)
	requests   []*inference.CompletionRequest
	info       inference.RunnerInfo
}

func (r *fakeRunner) Generate(ctx context.Context, req *inference.CompletionRequest) (*inference.Completion, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	fn := r.generateFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &inference.Completion{
		Content:      "ok",
		FinishReason: inference.FinishReasonStop,
		Usage:        inference.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3},
	}, nil
}

func (r *fakeRunner) Stream(ctx context.Context, req *inference.CompletionRequest) (inference.TokenStream, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	fn := r.streamFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return newScriptedStream("to", "kens"), nil
}

func (r *fakeRunner) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (r *fakeRunner) Info() inference.RunnerInfo   { return r.info }
func (r *fakeRunner) Stats() inference.RunnerStats { return inference.RunnerStats{} }
func (r *fakeRunner) Close() error                 { return nil }

func (r *fakeRunner) setGenerate(fn func(ctx context.Context, req *inference.CompletionRequest) (*inference.Completion, error)) {
	r.mu.Lock()
	r.generateFn = fn
	r.mu.Unlock()
}

func (r *fakeRunner) setStream(fn func(ctx context.Context, req *inference.CompletionRequest) (inference.TokenStream, error)) {
	r.mu.Lock()
	r.streamFn = fn
	r.mu.Unlock()
}

func (r *fakeRunner) lastRequest() *inference.CompletionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil
	}
	return r.requests[len(r.requests)-1]
}

type scriptedStream struct {
	chunks []inference.StreamChunk
	pos    int
}

func newScriptedStream(tokens ...string) *scriptedStream {
	chunks := make([]inference.StreamChunk, 0, len(tokens)+1)
	for _, tok := range tokens {
		chunks = append(chunks, inference.StreamChunk{Token: tok})
	}
	chunks = append(chunks, inference.StreamChunk{
		Final:        true,
		FinishReason: inference.FinishReasonStop,
		Usage:        &inference.Usage{PromptTokens: 2, CompletionTokens: len(tokens), TotalTokens: 2 + len(tokens)},
	})
	return &scriptedStream{chunks: chunks}
}

func (s *scriptedStream) Recv() (*inference.StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return &chunk, nil
}

func (s *scriptedStream) Close() error { return nil }

type fakeBackend struct {
	mu     sync.Mutex
	kind   inference.Kind
	runner *fakeRunner
}

func (b *fakeBackend) Name() string         { return string(b.kind) }
func (b *fakeBackend) Kind() inference.Kind { return b.kind }
func (b *fakeBackend) Version() string      { return "0.21.0" }
func (b *fakeBackend) Supported() bool      { return true }

func (b *fakeBackend) Load(_ context.Context, _ inference.ModelSpec) (inference.Runner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runner == nil {
		b.runner = &fakeRunner{info: inference.RunnerInfo{Kind: b.kind, Version: "0.21.0"}}
	}
	return b.runner, nil
}

func (b *fakeBackend) loadedRunner(t *testing.T) *fakeRunner {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runner == nil {
		t.Fatal("backend has no runner; load a model first")
	}
	return b.runner
}

// fakeGen backs skills and agents without touching the engine.
type fakeGen struct {
	mu    sync.Mutex
	calls []*inference.CompletionRequest
}

func (g *fakeGen) Generate(_ context.Context, req *inference.CompletionRequest) (*inference.Completion, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	last := req.Messages[len(req.Messages)-1]
	return &inference.Completion{
		Content:      "echo: " + last.Content,
		FinishReason: inference.FinishReasonStop,
		Usage:        inference.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

const echoSkill = `
schema_version: 1
namespace: text
name: echo
version: 1.0.0
kind: prompt
description: Echoes its input back.
prompt_template: "Echo: {text}"
`

const gatedSkill = `
schema_version: 1
namespace: ops
name: wipe
version: 1.0.0
kind: prompt
risk_tags: [approval-required]
prompt_template: "Wipe: {target}"
`

type serverRig struct {
	server  *Server
	ts      *httptest.Server
	cfg     *config.Config
	engine  *engine.Engine
	models  *models.Manager
	presets *presets.Manager
	backend *fakeBackend
	bus     *events.Bus
	gen     *fakeGen
	root    string
}

// newServerRig assembles a server over fake backends and real domain
// components. mutateCfg runs after defaults, before components are
// built; mutateDeps runs last, right before New.
func newServerRig(t *testing.T, sched scheduling.Options, mutateCfg func(*config.Config), mutateDeps func(*Deps)) *serverRig {
	t.Helper()
	log := testLogger()
	root := t.TempDir()
	seedTensorModel(t, root, testModelID)

	skillsDir := t.TempDir()
	writeFile(t, filepath.Join(skillsDir, "echo.yaml"), []byte(echoSkill))
	writeFile(t, filepath.Join(skillsDir, "wipe.yaml"), []byte(gatedSkill))

	cfg := &config.Config{}
	cfg.Models.Root = root
	cfg.Presets.Dir = filepath.Join(t.TempDir(), "presets")
	cfg.Agents.DBPath = filepath.Join(t.TempDir(), "agents.db")
	cfg.Skills.Dirs = []string{skillsDir}
	cfg.SetDefaults()
	if mutateCfg != nil {
		mutateCfg(cfg)
	}

	mgr, err := models.NewManager(log, models.Config{
		Root:   cfg.Models.Root,
		HubURL: cfg.Models.DownloadBaseURL,
		Token:  cfg.Models.HFToken,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg, err := compat.Open(filepath.Join(t.TempDir(), "compat.jsonl"), log)
	if err != nil {
		t.Fatalf("compat.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	bus := events.NewBus(log)
	t.Cleanup(bus.Close)
	monitor := memory.NewMonitor(log, memory.Config{ThresholdPct: 85, CriticalPct: 95}, bus)

	if sched.MaxConcurrent == 0 {
		sched.MaxConcurrent = 4
	}
	if sched.AcquireTimeout == 0 {
		sched.AcquireTimeout = 200 * time.Millisecond
	}
	controller := scheduling.NewController(log, sched)

	backend := &fakeBackend{kind: inference.KindMLX}
	backends := map[inference.Kind]inference.Backend{inference.KindMLX: backend}
	meters := metrics.New()
	eng := engine.New(log, mgr, reg, monitor, controller, meters, bus, backends, engine.Options{})
	t.Cleanup(eng.Close)
	mgr.SetInUseCheck(eng.InUse)

	presetMgr, err := presets.NewManager(log, cfg.Presets.Dir)
	if err != nil {
		t.Fatalf("presets.NewManager: %v", err)
	}
	t.Cleanup(func() { presetMgr.Close() })

	gen := &fakeGen{}
	skillReg, err := skills.NewRegistry(log, cfg.Skills.Dirs)
	if err != nil {
		t.Fatalf("skills.NewRegistry: %v", err)
	}
	dispatcher := skills.NewDispatcher(log, skillReg, skills.NewPolicy(cfg.Sandbox), gen, meters, bus, cfg.Skills)

	agentRT, err := agents.NewRuntime(log, cfg.Agents, gen, meters, bus)
	if err != nil {
		t.Fatalf("agents.NewRuntime: %v", err)
	}
	agentCtx, agentCancel := context.WithCancel(context.Background())
	if err := agentRT.Start(agentCtx); err != nil {
		t.Fatalf("agents.Start: %v", err)
	}
	t.Cleanup(func() {
		agentCancel()
		agentRT.Close()
	})

	ragSvc := rag.NewService(log, rag.Config{
		BaseURL:  cfg.RAG.BaseURL,
		Timeout:  cfg.RAG.Timeout(),
		EmbedVia: cfg.RAG.EmbedVia,
	}, nil)

	deps := Deps{
		Engine:   eng,
		Models:   mgr,
		Memory:   monitor,
		Compat:   reg,
		Presets:  presetMgr,
		RAG:      ragSvc,
		Agents:   agentRT,
		Skills:   dispatcher,
		Backends: backends,
		Meters:   meters,
		Bus:      bus,
	}
	if mutateDeps != nil {
		mutateDeps(&deps)
	}

	srv := New(log, cfg, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverRig{
		server:  srv,
		ts:      ts,
		cfg:     cfg,
		engine:  eng,
		models:  mgr,
		presets: presetMgr,
		backend: backend,
		bus:     bus,
		gen:     gen,
		root:    root,
	}
}

func (rig *serverRig) load(t *testing.T) *fakeRunner {
	t.Helper()
	if _, err := rig.engine.Load(context.Background(), testModelID, engine.LoadOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return rig.backend.loadedRunner(t)
}

func (rig *serverRig) url(path string) string { return rig.ts.URL + path }

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func doRequest(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// wantError asserts the status and error code, returning the message for
// further checks.
func wantError(t *testing.T, resp *http.Response, status int, code string) string {
	t.Helper()
	if resp.StatusCode != status {
		t.Errorf("status = %d, want %d", resp.StatusCode, status)
	}
	var env errorEnvelope
	decodeBody(t, resp, &env)
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q", env.Error.Code, code)
	}
	if env.Error.Message == "" {
		t.Error("error message is empty")
	}
	return env.Error.Message
}

// readSSEData collects the data payloads of an SSE response body.
func readSSEData(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	var out []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read SSE body: %v", err)
	}
	return out
}

func TestRootAndHealth(t *testing.T) {
	rig := newServerRig(t, scheduling.Options{}, nil, nil)

	resp := getURL(t, rig.url("/"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte("Opta-LMX is running")) {
		t.Errorf("GET / body = %q", body)
	}

	resp = getURL(t, rig.url("/healthz"))
	var health map[string]string
	decodeBody(t, resp, &health)
	if health["status"] != "ok" {
		t.Errorf("healthz = %v", health)
	}

	resp = getURL(t, rig.url("/no/such/route"))
	wantError(t, resp, http.StatusNotFound, "not_found")
}

func TestRequestIDEchoAndMint(t *testing.T) {
	rig := newServerRig(t, scheduling.Options{}, nil, nil)

	resp := doRequest(t, http.MethodGet, rig.url("/healthz"), "", map[string]string{
		"X-Request-ID": "req-abc-123",
	})
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-abc-123" {
		t.Errorf("request id = %q, want echo", got)
	}

	// Malformed IDs are replaced rather than echoed.
	resp = doRequest(t, http.MethodGet, rig.url("/healthz"), "", map[string]string{
		"X-Request-ID": "bad id with spaces!",
	})
	resp.Body.Close()
	got := resp.Header.Get("X-Request-ID")
	if got == "" || got == "bad id with spaces!" {
		t.Errorf("request id = %q, want minted", got)
	}
}

func TestAdminKeyGate(t *testing.T) {
	rig := newServerRig(t, scheduling.Options{}, func(cfg *config.Config) {
		cfg.Security.AdminKey = "sekret"
	}, nil)

	resp := getURL(t, rig.url("/admin/status"))
	wantError(t, resp, http.StatusUnauthorized, "auth_denied")

	resp = doRequest(t, http.MethodGet, rig.url("/admin/status"), "", map[string]string{
		"X-Admin-Key": "wrong",
	})
	wantError(t, resp, http.StatusUnauthorized, "auth_denied")

	resp = doRequest(t, http.MethodGet, rig.url("/admin/status"), "", map[string]string{
		"X-Admin-Key": "sekret",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authorized status = %d", resp.StatusCode)
	}

	// The admin key does not gate the inference surface.
	resp = postJSON(t, rig.url("/v1/chat/completions"), `{}`)
	wantError(t, resp, http.StatusBadRequest, "validation_error")
}

func TestInferenceKeyGate(t *testing.T) {
	rig := newServerRig(t, scheduling.Options{}, func(cfg *config.Config) {
		cfg.Security.InferenceKey = "open-sesame"
	}, nil)

	resp := postJSON(t, rig.url("/v1/chat/completions"), `{}`)
	wantError(t, resp, http.StatusUnauthorized, "auth_denied")

	resp = doRequest(t, http.MethodPost, rig.url("/v1/chat/completions"), `{}`, map[string]string{
		"Authorization": "Bearer open-sesame",
	})
	wantError(t, resp, http.StatusBadRequest, "validation_error")

	// Health stays open.
	resp = getURL(t, rig.url("/healthz"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestRateLimitChatCompletions(t *testing.T) {
	rig := newServerRig(t, scheduling.Options{}, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 0.01, Burst: 1}
	}, nil)

	resp := postJSON(t, rig.url("/v1/chat/completions"), `{}`)
	wantError(t, resp, http.StatusBadRequest, "validation_error")

	resp = postJSON(t, rig.url("/v1/chat/completions"), `{}`)
	msg := wantError(t, resp, http.StatusTooManyRequests, "rate_limited")
	if !strings.Contains(msg, "rate limit") {
		t.Errorf("message = %q", msg)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}

	// Other clients have their own bucket.
	resp = doRequest(t, http.MethodPost, rig.url("/v1/chat/completions"), `{}`, map[string]string{
		"X-Client-ID": "someone-else",
	})
	wantError(t, resp, http.StatusBadRequest, "validation_error")

	// Other routes are not limited.
	resp = getURL(t, rig.url("/v1/models"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("models status = %d", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	rig := newServerRig(t, scheduling.Options{}, nil, nil)

	h := rig.server.buildMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))

	resp := rec.Result()
	msg := wantError(t, resp, http.StatusInternalServerError, "internal_error")
	if strings.Contains(msg, "boom") {
		t.Errorf("panic value leaked into response: %q", msg)
	}
}

func TestBodyLimits(t *testing.T) {
	rig := newServerRig(t, scheduling.Options{}, func(cfg *config.Config) {
		cfg.Server.MaxInferenceBodyBytes = 256
		cfg.Server.MaxAdminBodyBytes = 128
	}, nil)

	big := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":%q}]}`,
		testModelID, strings.Repeat("x", 512))
	resp := postJSON(t, rig.url("/v1/chat/completions"), big)
	msg := wantError(t, resp, http.StatusBadRequest, "validation_error")
	if !strings.Contains(msg, "exceeds") {
		t.Errorf("message = %q", msg)
	}

	bigAdmin := fmt.Sprintf(`{"model":%q,"target":%q}`, testModelID, strings.Repeat("y", 256))
	resp = postJSON(t, rig.url("/admin/quantize"), bigAdmin)
	wantError(t, resp, http.StatusBadRequest, "validation_error")
}

func TestMetricsEndpoint(t *testing.T) {
	rig := newServerRig(t, scheduling.Options{}, nil, nil)
	rig.load(t)

	resp := postJSON(t, rig.url("/v1/chat/completions"),
		fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}]}`, testModelID))
	resp.Body.Close()

	resp = getURL(t, rig.url("/metrics"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("lmx_requests_total")) {
		t.Error("metrics exposition missing lmx_requests_total")
	}
}
