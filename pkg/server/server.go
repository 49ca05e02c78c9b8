// Package server exposes the daemon's HTTP surface: the OpenAI-compatible
// inference endpoints, the Anthropic messages shim, the Responses API,
// WebSocket chat, RAG, agents, skills with an MCP adapter, and the admin
// plane, all behind one middleware chain.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/agents"
	"github.com/opta-ai/opta-lmx/pkg/compat"
	"github.com/opta-ai/opta-lmx/pkg/config"
	"github.com/opta-ai/opta-lmx/pkg/events"
	"github.com/opta-ai/opta-lmx/pkg/helpers"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/inference/engine"
	"github.com/opta-ai/opta-lmx/pkg/logging"
	"github.com/opta-ai/opta-lmx/pkg/memory"
	"github.com/opta-ai/opta-lmx/pkg/metrics"
	"github.com/opta-ai/opta-lmx/pkg/models"
	"github.com/opta-ai/opta-lmx/pkg/presets"
	"github.com/opta-ai/opta-lmx/pkg/rag"
	"github.com/opta-ai/opta-lmx/pkg/skills"
	tlsutil "github.com/opta-ai/opta-lmx/pkg/tls"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// ErrDrainTimeout reports that graceful shutdown gave up with requests
// still in flight.
var ErrDrainTimeout = errors.New("shutdown drain timed out")

/// ReloadResult reports a configuration reload: which mutable groups were
// applied and which changed keys need a restart to take effect.
type ReloadResult struct {
	Applied         []string `json:"applied"`
	RestartRequired []string `json:"restart_required,omitempty"`
}

// ReloadFunc re-reads the configuration file and applies the hot-reload
// subset. Wired by main; the handler surfaces its result verbatim.
type ReloadFunc func(ctx context.Context) (*ReloadResult, error)

// Deps collects the long-lived components the handlers call into.
type Deps struct {
	Engine     *engine.Engine
	Models     *models.Manager
	Memory     *memory.Monitor
	Compat     *compat.Registry
	Presets    *presets.Manager
	Helpers    *helpers.Pool
	RAG        *rag.Service
	Agents     *agents.Runtime
	Skills     *skills.Dispatcher
	SkillQueue *skills.QueuedDispatcher
	Backends   map[inference.Kind]inference.Backend
	Meters     *metrics.Metrics
	Bus        *events.Bus
	Reload     ReloadFunc
}

// Server is the HTTP front of the daemon. It owns no domain state; every
// handler delegates to the component that does.
type Server struct {
	log      logging.Logger
	cfg      *config.Config
	engine   *engine.Engine
	models   *models.Manager
	memory   *memory.Monitor
	compat   *compat.Registry
	presets  *presets.Manager
	helpers  *helpers.Pool
	rag      *rag.Service
	agents   *agents.Runtime
	skills   *skills.Dispatcher
	skillQ   *skills.QueuedDispatcher
	backends map[inference.Kind]inference.Backend
	meters   *metrics.Metrics
	bus      *events.Bus
	reload   ReloadFunc

	started  time.Time
	limiters *clientLimiters
	handler  http.Handler
}

// New assembles the route table and middleware chain.
func New(log logging.Logger, cfg *config.Config, deps Deps) *Server {
	s := &Server{
		log:      log.WithField("component", "server"),
		cfg:      cfg,
		engine:   deps.Engine,
		models:   deps.Models,
		memory:   deps.Memory,
		compat:   deps.Compat,
		presets:  deps.Presets,
		helpers:  deps.Helpers,
		rag:      deps.RAG,
		agents:   deps.Agents,
		skills:   deps.Skills,
		skillQ:   deps.SkillQueue,
		backends: deps.Backends,
		meters:   deps.Meters,
		bus:      deps.Bus,
		reload:   deps.Reload,
		started:  time.Now(),
		limiters: newClientLimiters(cfg.Server.RateLimit),
	}

	router := http.NewServeMux()
	for route, handler := range s.routeHandlers() {
		router.HandleFunc(route, handler)
	}
	router.HandleFunc("/", s.handleRoot)

	s.handler = s.buildMiddleware(router)
	return s
}

// routeHandlers returns the method-qualified route table.
func (s *Server) routeHandlers() map[string]http.HandlerFunc {
	m := make(map[string]http.HandlerFunc)

	// OpenAI-compatible surface.
	m["POST /v1/chat/completions"] = s.handleChatCompletions
	m["POST /v1/completions"] = s.handleCompletions
	m["POST /v1/embeddings"] = s.handleEmbeddings
	m["GET /v1/models"] = s.handleListModels
	m["GET /v1/models/{id...}"] = s.handleGetModel
	m["POST /v1/responses"] = s.handleResponses

	// Anthropic messages shim and WebSocket chat.
	m["POST /v1/messages"] = s.handleMessages
	m["GET /v1/chat/stream"] = s.handleChatStream

	// RAG facade.
	m["POST /v1/rag/ingest"] = s.handleRAGIngest
	m["POST /v1/rag/query"] = s.handleRAGQuery
	m["POST /v1/rag/context"] = s.handleRAGContext
	m["GET /v1/rag/collections"] = s.handleRAGCollections
	m["DELETE /v1/rag/collections/{name}"] = s.handleRAGDeleteCollection

	// Agents.
	m["POST /v1/agents"] = s.handleAgentSubmit
	m["GET /v1/agents/{id}"] = s.handleAgentGet
	m["POST /v1/agents/{id}/cancel"] = s.handleAgentCancel

	// Skills and the MCP adapter.
	m["GET /v1/skills"] = s.handleSkillList
	m["POST /v1/skills/invoke"] = s.handleSkillInvoke
	m["GET /v1/skills/invocations/{id}"] = s.handleSkillInvocation
	m["POST /mcp"] = s.handleMCP

	// Health and metrics.
	m["GET /healthz"] = s.handleHealthz
	m["GET /metrics"] = s.meters.Handler().ServeHTTP

	// Admin plane.
	m["GET /admin/status"] = s.handleAdminStatus
	m["GET /admin/models"] = s.handleAdminModels
	m["POST /admin/models/load"] = s.handleAdminModelLoad
	m["POST /admin/models/load/confirm"] = s.handleAdminModelLoadConfirm
	m["POST /admin/models/unload"] = s.handleAdminModelUnload
	m["DELETE /admin/models/{id...}"] = s.handleAdminModelDelete
	m["GET /admin/models/download/{id}/progress"] = s.handleAdminDownloadProgress
	m["POST /admin/models/probe"] = s.handleAdminModelProbe
	m["GET /admin/models/performance"] = s.handleAdminModelPerformance
	m["GET /admin/memory"] = s.handleAdminMemory
	m["POST /admin/benchmark"] = s.handleAdminBenchmark
	m["POST /admin/autotune"] = s.handleAdminAutotune
	m["POST /admin/quantize"] = s.handleAdminQuantizeSubmit
	m["GET /admin/quantize/{id}"] = s.handleAdminQuantizeGet
	m["GET /admin/metrics"] = s.handleAdminMetrics
	m["GET /admin/presets"] = s.handleAdminPresets
	m["PUT /admin/presets/{name}"] = s.handleAdminPresetSave
	m["DELETE /admin/presets/{name}"] = s.handleAdminPresetDelete
	m["GET /admin/stack"] = s.handleAdminStack
	m["GET /admin/diagnostics"] = s.handleAdminDiagnostics
	m["GET /admin/helpers"] = s.handleAdminHelpers
	m["GET /admin/compatibility"] = s.handleAdminCompatibility
	m["GET /admin/events"] = s.handleAdminEvents
	m["POST /admin/config/reload"] = s.handleAdminConfigReload

	return m
}

// Handler returns the assembled middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.sendError(w, http.StatusNotFound, typeNotFound, "not_found", "unknown route")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Opta-LMX is running")
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sendJSON writes v with the given status. Encoding failures are logged,
// not surfaced: the status line is already gone.
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("failed to encode response: %v", err)
	}
}

// decodeJSON reads the size-limited body into v, answering the request
// itself on failure. Returns false when the caller should stop.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.writeError(w, err)
		} else {
			s.sendError(w, http.StatusBadRequest, typeInvalidRequest, "validation_error", "failed to read request body")
		}
		return false
	}
	if len(body) == 0 {
		s.sendError(w, http.StatusBadRequest, typeInvalidRequest, "validation_error", "empty request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.sendError(w, http.StatusBadRequest, typeInvalidRequest, "validation_error", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// Run serves until ctx is cancelled or a listener fails. On cancellation
// it stops intake and waits up to the drain timeout for in-flight
// requests; expiry returns ErrDrainTimeout.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 2)

	listening := false
	if s.cfg.Server.Listen != "" {
		ln, err := net.Listen("tcp", s.cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Server.Listen, err)
		}
		if s.cfg.Security.TLS.Enabled {
			tlsConfig, err := s.serverTLSConfig()
			if err != nil {
				ln.Close()
				return err
			}
			ln = tls.NewListener(ln, tlsConfig)
			s.log.Infof("listening on %s (TLS)", s.cfg.Server.Listen)
		} else {
			s.log.Infof("listening on %s", s.cfg.Server.Listen)
		}
		go func() { serverErrors <- httpServer.Serve(ln) }()
		listening = true
	}
	if s.cfg.Server.Socket != "" {
		if err := os.Remove(s.cfg.Server.Socket); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket %s: %w", s.cfg.Server.Socket, err)
		}
		ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.Server.Socket, Net: "unix"})
		if err != nil {
			return fmt.Errorf("listen on socket %s: %w", s.cfg.Server.Socket, err)
		}
		s.log.Infof("listening on unix socket %s", s.cfg.Server.Socket)
		go func() { serverErrors <- httpServer.Serve(ln) }()
		listening = true
	}
	if !listening {
		return errors.New("no listen address or socket configured")
	}

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Infoln("shutdown signal received, draining")
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.DrainTimeout())
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		httpServer.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrDrainTimeout
		}
		return err
	}
	return nil
}

// serverTLSConfig loads the configured certificates, generating a local
// pair when none are named, and applies the mTLS client policy.
func (s *Server) serverTLSConfig() (*tls.Config, error) {
	tcfg := s.cfg.Security.TLS
	certPath, keyPath, err := tlsutil.EnsureCertificates(tcfg.CertFile, tcfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls certificates: %w", err)
	}
	return tlsutil.ServerConfig(certPath, keyPath, tcfg.MTLSMode, tcfg.ClientCAFile)
}
