package server

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/jaypipes/ghw"

	"github.com/opta-ai/opta-lmx/pkg/events"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/inference/engine"
	"github.com/opta-ai/opta-lmx/pkg/models"
	"github.com/opta-ai/opta-lmx/pkg/presets"
	"github.com/opta-ai/opta-lmx/pkg/streaming"
)

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	loaded := s.engine.List()
	loadedIDs := make([]string, 0, len(loaded))
	for _, m := range loaded {
		loadedIDs = append(loadedIDs, m.ID)
	}

	activeDownloads := 0
	for _, d := range s.models.Downloads() {
		if d.CompletedAt == nil && d.Error == "" {
			activeDownloads++
		}
	}
	activeQuantize := 0
	for _, j := range s.engine.QuantizeJobs() {
		if j.CompletedAt == nil {
			activeQuantize++
		}
	}

	totalBytes := s.models.TotalBytes()
	status := map[string]interface{}{
		"version":    Version,
		"started_at": s.started,
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"models": map[string]interface{}{
			"loaded":           loadedIDs,
			"on_disk":          len(s.models.List()),
			"active_downloads": activeDownloads,
			"active_quantize":  activeQuantize,
		},
		"scheduler": s.engine.SchedulerSnapshot(),
		"memory":    s.memory.Snapshot(),
		"disk": map[string]interface{}{
			"models_root":  s.models.Root(),
			"models_bytes": totalBytes,
			"models_size":  units.BytesSize(float64(totalBytes)),
		},
		"backends": s.backendInfo(),
	}
	if s.agents != nil {
		if depth, err := s.agents.QueueDepth(r.Context()); err == nil {
			status["agents"] = map[string]interface{}{"queue_depth": depth}
		}
	}
	s.sendJSON(w, http.StatusOK, status)
}

func (s *Server) backendInfo() []map[string]interface{} {
	kinds := make([]string, 0, len(s.backends))
	for kind := range s.backends {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	out := make([]map[string]interface{}, 0, len(kinds))
	for _, kind := range kinds {
		b := s.backends[inference.Kind(kind)]
		out = append(out, map[string]interface{}{
			"kind":      kind,
			"version":   b.Version(),
			"supported": b.Supported(),
		})
	}
	return out
}

type adminModel struct {
	models.Model
	Status *engine.ModelStatus `json:"status,omitempty"`
}

func (s *Server) handleAdminModels(w http.ResponseWriter, _ *http.Request) {
	list := s.models.List()
	out := make([]adminModel, 0, len(list))
	for _, m := range list {
		entry := adminModel{Model: *m}
		if st, ok := s.engine.Status(m.ID); ok {
			entry.Status = &st
		}
		out = append(out, entry)
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"models": out})
}

// loadRequest covers both halves of the load contract: loading a model
// already on disk, and kicking off (or confirming) a download.
type loadRequest struct {
	Model                   string                 `json:"model"`
	AutoDownload            bool                   `json:"auto_download,omitempty"`
	Revision                string                 `json:"revision,omitempty"`
	Include                 []string               `json:"include,omitempty"`
	Exclude                 []string               `json:"exclude,omitempty"`
	KeepAlive               string                 `json:"keep_alive,omitempty"`
	Profile                 *inference.PerfProfile `json:"profile,omitempty"`
	AllowUnsupportedRuntime bool                   `json:"allow_unsupported_runtime,omitempty"`
}

func (s *Server) handleAdminModelLoad(w http.ResponseWriter, r *http.Request) {
	var wire loadRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxAdminBodyBytes, &wire) {
		return
	}
	if wire.Model == "" {
		s.writeAPIError(w, badRequest("model is required"))
		return
	}
	opts := engine.LoadOptions{AllowUnsupportedRuntime: wire.AllowUnsupportedRuntime}
	if wire.Profile != nil {
		if err := inference.ValidateRuntimeFlags(wire.Profile.RuntimeFlags); err != nil {
			s.writeAPIError(w, badRequest(err.Error()))
			return
		}
		opts.Profile = *wire.Profile
	}
	if wire.KeepAlive != "" {
		d, err := time.ParseDuration(wire.KeepAlive)
		if err != nil {
			s.writeAPIError(w, badRequest("invalid keep_alive: "+err.Error()))
			return
		}
		opts.KeepAlive = &d
	}

	if _, err := s.models.Resolve(wire.Model); err != nil {
		if !errors.Is(err, inference.ErrModelNotFound) || models.ValidateModelID(wire.Model) != nil {
			s.writeError(w, err)
			return
		}
		s.startModelDownload(w, r, &wire)
		return
	}

	status, err := s.engine.Load(r.Context(), wire.Model, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

// startModelDownload handles the absent-model half of the load
// contract: estimate and ask for confirmation, or start downloading
// right away when auto_download is set.
func (s *Server) startModelDownload(w http.ResponseWriter, r *http.Request, wire *loadRequest) {
	if !wire.AutoDownload {
		size, err := s.models.EstimateRepoSize(r.Context(), wire.Model, wire.Revision, wire.Include, wire.Exclude)
		if err != nil {
			s.writeError(w, err)
			return
		}
		pending, err := s.models.RequestConfirmation(wire.Model, size)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.sendJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":               "download_required",
			"model_id":             pending.ModelID,
			"estimated_size_bytes": pending.EstimatedBytes,
			"estimated_size":       units.BytesSize(float64(pending.EstimatedBytes)),
			"confirmation_token":   pending.Token,
			"confirm_url":          "/admin/models/load/confirm",
		})
		return
	}

	task, err := s.models.StartDownload(models.DownloadRequest{
		ModelID:  wire.Model,
		Revision: wire.Revision,
		Include:  wire.Include,
		Exclude:  wire.Exclude,
		AutoLoad: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":       "downloading",
		"model_id":     task.ModelID,
		"download_id":  task.ID,
		"progress_url": "/admin/models/download/" + task.ID + "/progress",
	})
}

func (s *Server) handleAdminModelLoadConfirm(w http.ResponseWriter, r *http.Request) {
	var wire struct {
		ConfirmationToken string `json:"confirmation_token"`
	}
	if !s.decodeJSON(w, r, s.cfg.Server.MaxAdminBodyBytes, &wire) {
		return
	}
	if wire.ConfirmationToken == "" {
		s.writeAPIError(w, badRequest("confirmation_token is required"))
		return
	}
	pending, ok := s.models.ConsumeConfirmation(wire.ConfirmationToken)
	if !ok {
		s.writeAPIError(w, badRequest("unknown or expired confirmation token"))
		return
	}
	task, err := s.models.StartDownload(models.DownloadRequest{
		ModelID:  pending.ModelID,
		AutoLoad: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":       "downloading",
		"model_id":     task.ModelID,
		"download_id":  task.ID,
		"progress_url": "/admin/models/download/" + task.ID + "/progress",
	})
}

func (s *Server) handleAdminModelUnload(w http.ResponseWriter, r *http.Request) {
	var wire struct {
		Model string `json:"model"`
	}
	if !s.decodeJSON(w, r, s.cfg.Server.MaxAdminBodyBytes, &wire) {
		return
	}
	if wire.Model == "" {
		s.writeAPIError(w, badRequest("model is required"))
		return
	}
	if err := s.engine.Unload(r.Context(), wire.Model); err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"model": wire.Model, "status": "unloaded"})
}

func (s *Server) handleAdminModelDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.models.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminDownloadProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.models.GetDownload(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, progress)
}

// handleAdminModelProbe clears the quarantine record for a model/backend
// pair and re-runs the canary load.
func (s *Server) handleAdminModelProbe(w http.ResponseWriter, r *http.Request) {
	var wire struct {
		Model   string `json:"model"`
		Backend string `json:"backend,omitempty"`
	}
	if !s.decodeJSON(w, r, s.cfg.Server.MaxAdminBodyBytes, &wire) {
		return
	}
	if wire.Model == "" {
		s.writeAPIError(w, badRequest("model is required"))
		return
	}
	model, err := s.models.Resolve(wire.Model)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if wire.Backend != "" {
		if _, ok := s.backends[inference.Kind(wire.Backend)]; !ok {
			s.writeAPIError(w, badRequest(fmt.Sprintf("unknown backend %q", wire.Backend)))
			return
		}
		s.compat.ClearQuarantine(model.ID, wire.Backend)
	} else {
		for kind := range s.backends {
			s.compat.ClearQuarantine(model.ID, string(kind))
		}
	}

	status, err := s.engine.Load(r.Context(), wire.Model, engine.LoadOptions{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"model": model.ID, "status": status})
}

func (s *Server) handleAdminModelPerformance(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"models": s.engine.List()})
}

func (s *Server) handleAdminMemory(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot":       s.memory.Snapshot(),
		"threshold_pct":  s.memory.ThresholdPct(),
		"under_pressure": s.memory.UnderPressure(),
	})
}

func (s *Server) handleAdminBenchmark(w http.ResponseWriter, r *http.Request) {
	var req engine.BenchmarkRequest
	if !s.decodeJSON(w, r, s.cfg.Server.MaxAdminBodyBytes, &req) {
		return
	}
	if req.Model == "" {
		s.writeAPIError(w, badRequest("model is required"))
		return
	}
	result, err := s.engine.Benchmark(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminAutotune(w http.ResponseWriter, r *http.Request) {
	var wire struct {
		Model string `json:"model"`
		Apply bool   `json:"apply,omitempty"`
	}
	if !s.decodeJSON(w, r, s.cfg.Server.MaxAdminBodyBytes, &wire) {
		return
	}
	if wire.Model == "" {
		s.writeAPIError(w, badRequest("model is required"))
		return
	}
	result, err := s.engine.Autotune(r.Context(), wire.Model, wire.Apply)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminQuantizeSubmit(w http.ResponseWriter, r *http.Request) {
	var wire struct {
		Model  string `json:"model"`
		Target string `json:"target"`
	}
	if !s.decodeJSON(w, r, s.cfg.Server.MaxAdminBodyBytes, &wire) {
		return
	}
	if wire.Model == "" || wire.Target == "" {
		s.writeAPIError(w, badRequest("model and target are required"))
		return
	}
	job, err := s.engine.SubmitQuantize(wire.Model, wire.Target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleAdminQuantizeGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.GetQuantize(r.PathValue("id"))
	if !ok {
		s.sendError(w, http.StatusNotFound, typeNotFound, "quantize_not_found", "unknown quantize job id")
		return
	}
	s.sendJSON(w, http.StatusOK, job)
}

func (s *Server) handleAdminMetrics(w http.ResponseWriter, _ *http.Request) {
	families, err := s.meters.JSONSnapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"families": families})
}

func (s *Server) handleAdminPresets(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"presets": s.presets.List()})
}

func (s *Server) handleAdminPresetSave(w http.ResponseWriter, r *http.Request) {
	var preset presets.Preset
	if !s.decodeJSON(w, r, s.cfg.Server.MaxAdminBodyBytes, &preset) {
		return
	}
	// The path segment names the preset; a differing body name is
	// overridden.
	preset.Name = r.PathValue("name")
	if err := s.presets.Save(&preset); err != nil {
		s.writeAPIError(w, badRequest(err.Error()))
		return
	}
	s.sendJSON(w, http.StatusOK, preset)
}

func (s *Server) handleAdminPresetDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.presets.Delete(r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminStack(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"version":    Version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"backends":   s.backendInfo(),
		"features": map[string]bool{
			"rag":         s.rag != nil && s.rag.Enabled(),
			"agents":      s.agents != nil,
			"skills":      s.skills != nil,
			"skill_queue": s.skillQ != nil,
			"helpers":     s.helpers != nil && !s.helpers.Empty(),
		},
	})
}

// handleAdminDiagnostics assembles a support-bundle hardware snapshot. Each
// probe failure is reported in place of its section rather than failing
// the whole route.
func (s *Server) handleAdminDiagnostics(w http.ResponseWriter, _ *http.Request) {
	diag := map[string]interface{}{
		"runtime": map[string]interface{}{
			"version":    Version,
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"num_cpu":    runtime.NumCPU(),
		},
		"memory_monitor": s.memory.Snapshot(),
	}
	if cpu, err := ghw.CPU(); err != nil {
		diag["cpu_error"] = err.Error()
	} else {
		diag["cpu"] = cpu
	}
	if mem, err := ghw.Memory(); err != nil {
		diag["memory_error"] = err.Error()
	} else {
		diag["memory"] = mem
	}
	if gpu, err := ghw.GPU(); err != nil {
		diag["gpu_error"] = err.Error()
	} else {
		diag["gpu"] = gpu
	}
	if block, err := ghw.Block(); err != nil {
		diag["block_error"] = err.Error()
	} else {
		diag["block"] = block
	}
	s.sendJSON(w, http.StatusOK, diag)
}

func (s *Server) handleAdminHelpers(w http.ResponseWriter, _ *http.Request) {
	if s.helpers == nil || s.helpers.Empty() {
		s.sendJSON(w, http.StatusOK, map[string]interface{}{"nodes": []struct{}{}})
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"nodes": s.helpers.Statuses()})
}

func (s *Server) handleAdminCompatibility(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"pairs": s.compat.Snapshot()})
}

// handleAdminEvents streams the event bus as SSE until the client goes
// away. Heartbeat comments keep intermediaries from timing the
// connection out.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	sw, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, typeInternal, "internal_error", err.Error())
		return
	}
	ch, cancel := s.bus.Subscribe(events.DefaultSubscriberBuffer)
	defer cancel()

	interval := time.Duration(s.cfg.Server.SSEHeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sw.WriteEvent(string(ev.Type), ev); err != nil {
				return
			}
		case <-heartbeat.C:
			hb := map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)}
			if err := sw.WriteEvent("heartbeat", hb); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleAdminConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		s.sendError(w, http.StatusInternalServerError, typeInternal, "internal_error",
			"config reload unavailable")
		return
	}
	result, err := s.reload(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}
