// Package engine owns the model lifecycle: loading models onto a backend,
// serving inference against loaded runners, and evicting idle models. It
// is the only writer of the loaded-model registry; everything above it
// (HTTP handlers, agents, skills) goes through the engine to reach a
// runner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/opta-ai/opta-lmx/pkg/compat"
	"github.com/opta-ai/opta-lmx/pkg/events"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/inference/routing"
	"github.com/opta-ai/opta-lmx/pkg/inference/scheduling"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
	"github.com/opta-ai/opta-lmx/pkg/logging"
	"github.com/opta-ai/opta-lmx/pkg/memory"
	"github.com/opta-ai/opta-lmx/pkg/metrics"
	"github.com/opta-ai/opta-lmx/pkg/models"
)

const (
	defaultLoaderTimeout    = 120 * time.Second
	defaultInferenceTimeout = 300 * time.Second
	defaultEvictionInterval = 30 * time.Second
	evictionUnloadTimeout   = time.Minute

	canaryTimeout   = 60 * time.Second
	canaryMaxTokens = 4
	warmupMaxTokens = 16
)

// State is the lifecycle position of a registry entry. A model that fails
// its canary or is quarantined at serve time leaves the registry; absence
// means not loaded.
type State string

const (
	StateLoading State = "loading"
	StateWarming State = "warming"
	StateReady   State = "ready"
)

// SpeculativeStatus describes how a speculative-decoding request resolved
// for a loaded model.
type SpeculativeStatus struct {
	Requested  bool   `json:"requested"`
	Active     bool   `json:"active"`
	Reason     string `json:"reason,omitempty"`
	DraftModel string `json:"draft_model,omitempty"`
	NumTokens  int    `json:"num_tokens,omitempty"`
}

// ModelStatus is the externally visible view of one loaded model.
type ModelStatus struct {
	ID            string                `json:"id"`
	State         State                 `json:"state"`
	Backend       inference.RunnerInfo  `json:"backend"`
	Profile       inference.PerfProfile `json:"profile"`
	ContextLength int                   `json:"context_length,omitempty"`
	KeepAlive     string                `json:"keep_alive,omitempty"`
	LoadedAt      time.Time             `json:"loaded_at"`
	LastUsed      time.Time             `json:"last_used"`
	Active        int                   `json:"active"`
	Speculative   *SpeculativeStatus    `json:"speculative,omitempty"`
	Stats         inference.RunnerStats `json:"stats"`
}

// LoadOptions adjust a single load call. The zero value loads with engine
// defaults.
type LoadOptions struct {
	// Profile is the request override layer. It merges over the preset
	// layer which merges over the engine's global profile.
	Profile inference.PerfProfile
	// PresetProfile is the preset layer of the merge.
	PresetProfile inference.PerfProfile
	// KeepAlive overrides the idle-eviction window for this model.
	KeepAlive *time.Duration
	// AllowUnsupportedRuntime permits backends with a failed
	// compatibility history for this model.
	AllowUnsupportedRuntime bool
}

// Options configures an Engine.
type Options struct {
	LoaderTimeout           time.Duration
	InferenceTimeout        time.Duration
	EvictionInterval        time.Duration
	WarmupOnLoad            bool
	AllowUnsupportedRuntime bool
	KeepAliveDefault        time.Duration
	KeepAliveOverrides      map[string]time.Duration
	GlobalProfile           inference.PerfProfile
	PerModelCaps            map[string]int
	Routing                 routing.Options
	// QuantizeCommand is the external quantization command template;
	// empty disables quantization jobs.
	QuantizeCommand []string
}

// loadedModel is one registry entry. The runner handle is exclusively
// owned by the entry and closed only on unload.
type loadedModel struct {
	id            string
	family        string
	state         State
	runner        inference.Runner
	info          inference.RunnerInfo
	profile       inference.PerfProfile
	contextLength int
	keepAlive     time.Duration
	speculative   *SpeculativeStatus
	loadedAt      time.Time
	lastUsed      time.Time

	// active counts in-flight requests holding the runner. idle is
	// closed whenever active drops to zero so unload can wait for
	// stragglers.
	active int
	idle   chan struct{}

	// quarOnce guards the serve-time quarantine path when several
	// concurrent requests observe the same dead worker.
	quarOnce sync.Once
}

// Engine loads models and serves inference against them.
type Engine struct {
	log        logging.Logger
	opts       Options
	models     *models.Manager
	compat     *compat.Registry
	memory     *memory.Monitor
	controller *scheduling.Controller
	meters     *metrics.Metrics
	bus        *events.Bus
	backends   map[inference.Kind]inference.Backend

	mu             sync.Mutex
	registry       map[string]*loadedModel
	loadLocks      map[string]*sync.Mutex
	waitingByModel map[string]int
	routing        routing.Options
	keepAlive      time.Duration
	keepAliveOver  map[string]time.Duration
	globalProfile  inference.PerfProfile

	quantizeMu   sync.Mutex
	quantizeJobs map[string]*quantizeJob
}

// New assembles an engine. The backends map holds one backend per kind;
// missing kinds simply never appear in the candidate list.
func New(
	log logging.Logger,
	modelManager *models.Manager,
	compatRegistry *compat.Registry,
	memoryMonitor *memory.Monitor,
	controller *scheduling.Controller,
	meters *metrics.Metrics,
	bus *events.Bus,
	backends map[inference.Kind]inference.Backend,
	opts Options,
) *Engine {
	if opts.LoaderTimeout <= 0 {
		opts.LoaderTimeout = defaultLoaderTimeout
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = defaultInferenceTimeout
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = defaultEvictionInterval
	}
	return &Engine{
		log:            log,
		opts:           opts,
		models:         modelManager,
		compat:         compatRegistry,
		memory:         memoryMonitor,
		controller:     controller,
		meters:         meters,
		bus:            bus,
		backends:       backends,
		registry:       make(map[string]*loadedModel),
		loadLocks:      make(map[string]*sync.Mutex),
		waitingByModel: make(map[string]int),
		routing:        opts.Routing,
		keepAlive:      opts.KeepAliveDefault,
		keepAliveOver:  opts.KeepAliveOverrides,
		globalProfile:  opts.GlobalProfile,
		quantizeJobs:   make(map[string]*quantizeJob),
	}
}

// Run drives idle eviction until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.evictIdle(ctx)
		}
	}
}

func (e *Engine) evictIdle(ctx context.Context) {
	now := time.Now()
	e.mu.Lock()
	var victims []string
	for id, entry := range e.registry {
		if entry.state != StateReady || entry.keepAlive <= 0 || entry.active > 0 {
			continue
		}
		if now.Sub(entry.lastUsed) > entry.keepAlive {
			victims = append(victims, id)
		}
	}
	e.mu.Unlock()

	for _, id := range victims {
		e.log.WithField("model", id).Info("evicting idle model")
		unloadCtx, cancel := context.WithTimeout(ctx, evictionUnloadTimeout)
		if err := e.Unload(unloadCtx, id); err != nil && !errors.Is(err, inference.ErrModelNotFound) {
			e.log.WithError(err).WithField("model", id).Warn("idle eviction failed")
		}
		cancel()
	}
}

// EvictLRUIdle unloads the least-recently-used ready model with no
// in-flight requests. Returns the evicted model ID, or "" when every
// loaded model is busy. Called on memory-critical breaches, one
// eviction per breach.
func (e *Engine) EvictLRUIdle(ctx context.Context) string {
	e.mu.Lock()
	victim := ""
	var oldest time.Time
	for id, entry := range e.registry {
		if entry.state != StateReady || entry.active > 0 {
			continue
		}
		if victim == "" || entry.lastUsed.Before(oldest) {
			victim = id
			oldest = entry.lastUsed
		}
	}
	e.mu.Unlock()
	if victim == "" {
		return ""
	}

	e.log.WithField("model", victim).Warn("memory critical, evicting least recently used idle model")
	unloadCtx, cancel := context.WithTimeout(ctx, evictionUnloadTimeout)
	defer cancel()
	if err := e.Unload(unloadCtx, victim); err != nil && !errors.Is(err, inference.ErrModelNotFound) {
		e.log.WithError(err).WithField("model", victim).Warn("critical eviction failed")
		return ""
	}
	return victim
}

// InUse reports whether a model occupies the registry. Wired into the
// model manager so delete refuses loaded models.
func (e *Engine) InUse(modelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.registry[modelID]
	return ok
}

func (e *Engine) loadLockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.loadLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.loadLocks[id] = lock
	}
	return lock
}

// candidateKinds maps an artifact format to the backend kinds that can
// serve it.
func candidateKinds(format models.Format) []string {
	switch format {
	case models.FormatSafetensors:
		return []string{string(inference.KindMLX)}
	case models.FormatGGUF:
		return []string{string(inference.KindGGUF)}
	default:
		return nil
	}
}

// Load brings a model into the registry and returns its status. Loading
// is idempotent for ready models and serialized per model ID.
func (e *Engine) Load(ctx context.Context, ref string, opts LoadOptions) (ModelStatus, error) {
	model, err := e.models.Resolve(ref)
	if err != nil {
		return ModelStatus{}, err
	}

	lock := e.loadLockFor(model.ID)
	lock.Lock()
	defer lock.Unlock()

	if status, ok := e.Status(model.ID); ok && status.State == StateReady {
		return status, nil
	}

	// Memory gate. The estimate is best effort; the load is refused only
	// when the model does not fit and the host is already past the
	// configured threshold.
	if estimate, err := e.models.EstimateMemory(model.ID); err == nil && estimate > 0 {
		if !e.memory.CanFit(estimate) && e.memory.UnderPressure() {
			return ModelStatus{}, fmt.Errorf("%w: %s requires ~%s",
				inference.ErrInsufficientMemory, model.ID, units.BytesSize(float64(estimate)))
		}
	}

	allowIncompatible := e.opts.AllowUnsupportedRuntime || opts.AllowUnsupportedRuntime
	candidates := e.candidateBackends(model, allowIncompatible)
	if len(candidates) == 0 {
		return ModelStatus{}, fmt.Errorf("%w: %s", inference.ErrRuntimeIncompatible, model.ID)
	}

	e.mu.Lock()
	merged := inference.MergeProfiles(e.globalProfile, opts.PresetProfile, opts.Profile)
	keepAlive := e.keepAlive
	if override, ok := e.keepAliveOver[model.ID]; ok {
		keepAlive = override
	}
	e.mu.Unlock()
	if opts.KeepAlive != nil {
		keepAlive = *opts.KeepAlive
	}

	spec := inference.ModelSpec{
		ModelID:      model.ID,
		ArtifactPath: model.ArtifactPath,
		Profile:      merged,
		Speculative:  merged.Speculative,
	}
	if merged.ContextSize != nil {
		spec.ContextLength = *merged.ContextSize
	}
	speculative := &SpeculativeStatus{}
	if merged.Speculative != nil {
		speculative.Requested = true
		speculative.DraftModel = merged.Speculative.DraftModel
		speculative.NumTokens = merged.Speculative.NumTokens
		if merged.Speculative.DraftModel != "" {
			draft, err := e.models.Resolve(merged.Speculative.DraftModel)
			if err != nil {
				if merged.Speculative.RequireSupported {
					return ModelStatus{}, fmt.Errorf("draft model %s: %w",
						utils.SanitizeForLog(merged.Speculative.DraftModel), err)
				}
				e.log.WithField("model", model.ID).
					WithField("draft", merged.Speculative.DraftModel).
					Warn("draft model not resident, speculative decoding degraded")
				speculative.Reason = "draft model not resident"
			} else {
				spec.DraftArtifactPath = draft.ArtifactPath
			}
		}
	}

	entry := &loadedModel{
		id:          model.ID,
		family:      model.Family,
		state:       StateLoading,
		keepAlive:   keepAlive,
		speculative: speculative,
		loadedAt:    time.Now(),
		lastUsed:    time.Now(),
		idle:        closedChan(),
	}
	e.mu.Lock()
	e.registry[model.ID] = entry
	e.mu.Unlock()

	status, err := e.loadCandidates(ctx, entry, model, spec, merged, candidates)
	if err != nil {
		e.mu.Lock()
		delete(e.registry, model.ID)
		e.mu.Unlock()
		return ModelStatus{}, err
	}
	return status, nil
}

// candidateBackends orders the backend kinds that may serve the model:
// compatibility history first, then filters for quarantine, known
// incompatibility, and host support.
func (e *Engine) candidateBackends(model *models.Model, allowIncompatible bool) []inference.Backend {
	kinds := candidateKinds(model.Format)
	var out []inference.Backend
	for _, kindName := range e.compat.Candidates(model.ID, kinds) {
		kind, ok := inference.ParseKind(kindName)
		if !ok {
			continue
		}
		if e.compat.KnownIncompatible(model.ID, kindName) && !allowIncompatible {
			e.log.WithField("model", model.ID).WithField("backend", kindName).
				Debug("skipping backend with failed compatibility history")
			continue
		}
		backend, ok := e.backends[kind]
		if !ok || !backend.Supported() {
			continue
		}
		out = append(out, backend)
	}
	return out
}

func (e *Engine) loadCandidates(
	ctx context.Context,
	entry *loadedModel,
	model *models.Model,
	spec inference.ModelSpec,
	merged inference.PerfProfile,
	candidates []inference.Backend,
) (ModelStatus, error) {
	var lastErr error
	for _, backend := range candidates {
		runner, err := e.loadOne(ctx, backend, spec)
		if err != nil {
			if spec.Speculative != nil && spec.Speculative.RequireSupported &&
				errors.Is(err, inference.ErrNotSupported) {
				return ModelStatus{}, fmt.Errorf("speculative decoding on %s: %w", backend.Name(), err)
			}
			e.recordOutcome(compat.OutcomeFail, model.ID, backend, err.Error())
			e.log.WithError(err).WithField("model", model.ID).
				WithField("backend", backend.Name()).Warn("backend failed to load model")
			lastErr = err
			continue
		}

		e.setState(entry, StateWarming)
		if err := e.canary(ctx, runner); err != nil {
			runner.Close()
			e.recordOutcome(compat.OutcomeFail, model.ID, backend, "canary failed: "+err.Error())
			e.bus.Publish(events.TypeModelQuarantined, events.ModelPayload{
				ModelID:     model.ID,
				BackendKind: string(backend.Kind()),
				Reason:      "canary failed",
			})
			e.log.WithError(err).WithField("model", model.ID).
				WithField("backend", backend.Name()).Error("canary request failed, model unloaded")
			lastErr = fmt.Errorf("canary failed on %s: %w", backend.Name(), err)
			continue
		}

		if e.opts.WarmupOnLoad {
			if err := e.warmup(ctx, runner); err != nil {
				e.log.WithError(err).WithField("model", model.ID).Warn("warmup failed, serving anyway")
			}
		}

		info := runner.Info()
		e.mu.Lock()
		entry.runner = runner
		entry.info = info
		entry.profile = merged
		entry.contextLength = spec.ContextLength
		entry.speculative.Active = info.SpeculativeActive
		if info.SpeculativeReason != "" {
			entry.speculative.Reason = info.SpeculativeReason
		}
		entry.state = StateReady
		entry.lastUsed = time.Now()
		status := e.statusLocked(entry)
		e.mu.Unlock()

		e.recordOutcome(compat.OutcomePass, model.ID, backend, "")
		e.bus.Publish(events.TypeModelLoaded, events.ModelPayload{
			ModelID:        model.ID,
			BackendKind:    string(backend.Kind()),
			BackendVersion: info.Version,
		})
		e.log.WithFields(map[string]interface{}{
			"model":   model.ID,
			"backend": backend.Name(),
			"version": info.Version,
		}).Info("model loaded")
		return status, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", inference.ErrRuntimeIncompatible, model.ID)
	}
	return ModelStatus{}, fmt.Errorf("error while loading %s: %w", model.ID, lastErr)
}

func (e *Engine) loadOne(ctx context.Context, backend inference.Backend, spec inference.ModelSpec) (inference.Runner, error) {
	loadCtx, cancel := context.WithTimeout(ctx, e.opts.LoaderTimeout)
	defer cancel()
	return backend.Load(loadCtx, spec)
}

// canary runs one tiny completion to catch models that load but cannot
// generate. It gates the ready transition.
func (e *Engine) canary(ctx context.Context, runner inference.Runner) error {
	canaryCtx, cancel := context.WithTimeout(ctx, canaryTimeout)
	defer cancel()
	maxTokens := canaryMaxTokens
	_, err := runner.Generate(canaryCtx, &inference.CompletionRequest{
		Messages: []inference.Message{{Role: "user", Content: "Say OK."}},
		Sampling: inference.SamplingParams{MaxTokens: &maxTokens},
	})
	return err
}

// warmup primes caches with a slightly larger request. Failures are
// logged by the caller and never block readiness.
func (e *Engine) warmup(ctx context.Context, runner inference.Runner) error {
	warmupCtx, cancel := context.WithTimeout(ctx, canaryTimeout)
	defer cancel()
	maxTokens := warmupMaxTokens
	_, err := runner.Generate(warmupCtx, &inference.CompletionRequest{
		Messages: []inference.Message{{Role: "user", Content: "Write one sentence about the sea."}},
		Sampling: inference.SamplingParams{MaxTokens: &maxTokens},
	})
	return err
}

func (e *Engine) setState(entry *loadedModel, state State) {
	e.mu.Lock()
	entry.state = state
	e.mu.Unlock()
}

func (e *Engine) recordOutcome(outcome compat.Outcome, modelID string, backend inference.Backend, reason string) {
	rec := compat.Record{
		Timestamp:      time.Now().UTC(),
		ModelID:        modelID,
		BackendKind:    string(backend.Kind()),
		BackendVersion: backend.Version(),
		Outcome:        outcome,
		Reason:         reason,
	}
	if err := e.compat.Append(rec); err != nil {
		e.log.WithError(err).Warn("error while appending compatibility record")
	}
}

// Unload removes a model and closes its runner. When requests are still
// holding the runner, Unload blocks until the last release; cancelling
// the context reinstates the entry untouched.
func (e *Engine) Unload(ctx context.Context, ref string) error {
	e.mu.Lock()
	entry, ok := e.registry[ref]
	e.mu.Unlock()
	if !ok {
		// Accept suffix references the same way generate does.
		model, err := e.models.Resolve(ref)
		if err != nil {
			return err
		}
		ref = model.ID
	}

	lock := e.loadLockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	entry, ok = e.registry[ref]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", inference.ErrModelNotFound, utils.SanitizeForLog(ref))
	}
	delete(e.registry, ref)
	active := entry.active
	idle := entry.idle
	e.mu.Unlock()

	if active > 0 {
		e.log.WithField("model", ref).Infof("waiting for %d in-flight requests before unload", active)
		select {
		case <-idle:
		case <-ctx.Done():
			e.mu.Lock()
			e.registry[ref] = entry
			e.mu.Unlock()
			return fmt.Errorf("error while unloading %s: %w", ref, ctx.Err())
		}
	}

	if entry.runner != nil {
		if err := entry.runner.Close(); err != nil {
			e.log.WithError(err).WithField("model", ref).Warn("error while closing runner")
		}
	}
	e.bus.Publish(events.TypeModelUnloaded, events.ModelPayload{
		ModelID:     ref,
		BackendKind: string(entry.info.Kind),
	})
	e.log.WithField("model", ref).Info("model unloaded")
	return nil
}

// UnloadAll empties the registry, waiting for in-flight requests on each
// model. Used at shutdown after the admission controller drains.
func (e *Engine) UnloadAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.registry))
	for id := range e.registry {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := e.Unload(ctx, id); err != nil && !errors.Is(err, inference.ErrModelNotFound) {
			e.log.WithError(err).WithField("model", id).Warn("unload at shutdown failed")
		}
	}
}

// quarantineRuntime takes a model out of service after its worker died at
// serve time. The compatibility registry keeps the pair quarantined until
// an operator clears it.
func (e *Engine) quarantineRuntime(entry *loadedModel, workerErr *inference.ErrWorkerExited) {
	entry.quarOnce.Do(func() {
		e.log.WithFields(map[string]interface{}{
			"model":   entry.id,
			"backend": string(entry.info.Kind),
			"stderr":  utils.SanitizeForLog(strings.TrimSpace(workerErr.StderrTail)),
		}).Error("worker exited at serve time, quarantining model")
		rec := compat.Record{
			Timestamp:      time.Now().UTC(),
			ModelID:        entry.id,
			BackendKind:    string(entry.info.Kind),
			BackendVersion: entry.info.Version,
			Outcome:        compat.OutcomeQuarantine,
			Reason:         "worker exited during inference",
		}
		if err := e.compat.Append(rec); err != nil {
			e.log.WithError(err).Warn("error while appending compatibility record")
		}
		e.bus.Publish(events.TypeModelQuarantined, events.ModelPayload{
			ModelID:        entry.id,
			BackendKind:    string(entry.info.Kind),
			BackendVersion: entry.info.Version,
			Reason:         "worker exited during inference",
		})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), evictionUnloadTimeout)
			defer cancel()
			if err := e.Unload(ctx, entry.id); err != nil && !errors.Is(err, inference.ErrModelNotFound) {
				e.log.WithError(err).WithField("model", entry.id).Warn("quarantine unload failed")
			}
		}()
	})
}

// Status returns the state of one loaded model.
func (e *Engine) Status(id string) (ModelStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.registry[id]
	if !ok {
		return ModelStatus{}, false
	}
	return e.statusLocked(entry), true
}

// List returns the status of every registry entry, sorted by ID.
func (e *Engine) List() []ModelStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ModelStatus, 0, len(e.registry))
	for _, entry := range e.registry {
		out = append(out, e.statusLocked(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) statusLocked(entry *loadedModel) ModelStatus {
	status := ModelStatus{
		ID:            entry.id,
		State:         entry.state,
		Backend:       entry.info,
		Profile:       entry.profile,
		ContextLength: entry.contextLength,
		LoadedAt:      entry.loadedAt,
		LastUsed:      entry.lastUsed,
		Active:        entry.active,
	}
	if entry.keepAlive > 0 {
		status.KeepAlive = entry.keepAlive.String()
	}
	if entry.speculative != nil {
		copied := *entry.speculative
		status.Speculative = &copied
	}
	if entry.runner != nil {
		status.Stats = entry.runner.Stats()
	}
	return status
}

// acquireRunner pins a ready model for one request.
func (e *Engine) acquireRunner(id string) (*loadedModel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.registry[id]
	if !ok || entry.state != StateReady {
		return nil, fmt.Errorf("%w: %s", inference.ErrModelNotFound, utils.SanitizeForLog(id))
	}
	entry.active++
	if entry.active == 1 {
		entry.idle = make(chan struct{})
	}
	return entry, nil
}

func (e *Engine) releaseRunner(entry *loadedModel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry.active--
	entry.lastUsed = time.Now()
	if entry.active == 0 {
		close(entry.idle)
	}
}

func (e *Engine) noteModelWaiting(id string, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waitingByModel[id] += delta
	if e.waitingByModel[id] <= 0 {
		delete(e.waitingByModel, id)
	}
}

// SchedulerSnapshot exposes admission state for the admin status
// endpoint.
func (e *Engine) SchedulerSnapshot() scheduling.Snapshot {
	return e.controller.Snapshot()
}

// Drain waits for in-flight inference to finish, up to timeout.
func (e *Engine) Drain(timeout time.Duration) bool {
	return e.controller.Drain(timeout)
}

// SetRouting swaps alias and default-model routing on config reload.
func (e *Engine) SetRouting(opts routing.Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routing = opts
}

// SetKeepAlive updates idle-eviction windows on config reload. Already
// loaded models keep the window they were loaded with.
func (e *Engine) SetKeepAlive(def time.Duration, overrides map[string]time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keepAlive = def
	e.keepAliveOver = overrides
}

// SetGlobalProfile updates the base profile layer for future loads.
func (e *Engine) SetGlobalProfile(profile inference.PerfProfile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalProfile = profile
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
