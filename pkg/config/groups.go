package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
)

// ServerConfig covers the HTTP surface and the concurrency controller.
type ServerConfig struct {
	// Listen is the TCP address ("127.0.0.1:11540") or, when Socket is set,
	// ignored in favor of the Unix socket.
	Listen string `yaml:"listen"`
	Socket string `yaml:"socket"`

	// MaxConcurrentRequests seeds the adaptive global limit, in [1, 64].
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
	SemaphoreTimeoutSec   int `yaml:"semaphore_timeout_sec"`
	InferenceTimeoutSec   int `yaml:"inference_timeout_sec"`
	DrainTimeoutSec       int `yaml:"drain_timeout_sec"`

	Adaptive  AdaptiveConfig  `yaml:"adaptive"`
	PerClient PerClientConfig `yaml:"per_client"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	SSEHeartbeatIntervalSec int `yaml:"sse_heartbeat_interval_sec"`

	// Body limits in bytes; defaults are 10 MiB inference, 1 MiB admin.
	MaxInferenceBodyBytes int64 `yaml:"max_inference_body_bytes"`
	MaxAdminBodyBytes     int64 `yaml:"max_admin_body_bytes"`
}

// AdaptiveConfig tunes the latency half of the adaptive concurrency limit.
type AdaptiveConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Min             int     `yaml:"min"`
	LatencyTargetMs float64 `yaml:"latency_target_ms"`
}

// PerClientConfig enables per-client fairness caps.
type PerClientConfig struct {
	Enabled    bool           `yaml:"enabled"`
	DefaultCap int            `yaml:"default_cap"`
	Overrides  map[string]int `yaml:"overrides"`
}

// RateLimitConfig applies to POST /v1/chat/completions only.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:11540"
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = 4
	}
	if c.SemaphoreTimeoutSec == 0 {
		c.SemaphoreTimeoutSec = 30
	}
	if c.InferenceTimeoutSec == 0 {
		c.InferenceTimeoutSec = 300
	}
	if c.DrainTimeoutSec == 0 {
		c.DrainTimeoutSec = 30
	}
	if c.Adaptive.Min == 0 {
		c.Adaptive.Min = 1
	}
	if c.Adaptive.LatencyTargetMs == 0 {
		c.Adaptive.LatencyTargetMs = 8000
	}
	if c.PerClient.DefaultCap == 0 {
		c.PerClient.DefaultCap = 2
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.SSEHeartbeatIntervalSec == 0 {
		c.SSEHeartbeatIntervalSec = 30
	}
	if c.MaxInferenceBodyBytes == 0 {
		c.MaxInferenceBodyBytes = 10 << 20
	}
	if c.MaxAdminBodyBytes == 0 {
		c.MaxAdminBodyBytes = 1 << 20
	}
}

func (c *ServerConfig) Validate() error {
	if c.MaxConcurrentRequests < 1 || c.MaxConcurrentRequests > 64 {
		return fmt.Errorf("max_concurrent_requests %d out of range [1, 64]", c.MaxConcurrentRequests)
	}
	if c.InferenceTimeoutSec < 10 || c.InferenceTimeoutSec > 3600 {
		return fmt.Errorf("inference_timeout_sec %d out of range [10, 3600]", c.InferenceTimeoutSec)
	}
	if c.Adaptive.Min < 1 || c.Adaptive.Min > c.MaxConcurrentRequests {
		return fmt.Errorf("adaptive.min %d out of range [1, max_concurrent_requests]", c.Adaptive.Min)
	}
	return nil
}

// SemaphoreTimeout returns the lane admission timeout.
func (c *ServerConfig) SemaphoreTimeout() time.Duration {
	return time.Duration(c.SemaphoreTimeoutSec) * time.Second
}

// InferenceTimeout returns the per-call inference deadline.
func (c *ServerConfig) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutSec) * time.Second
}

// DrainTimeout returns the shutdown drain deadline.
func (c *ServerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSec) * time.Second
}

// ModelsConfig covers the on-disk cache and the lifecycle manager.
type ModelsConfig struct {
	Root                    string            `yaml:"root"`
	AutoDownload            bool              `yaml:"auto_download"`
	AllowUnsupportedRuntime bool              `yaml:"allow_unsupported_runtime"`
	WarmupOnLoad            bool              `yaml:"warmup_on_load"`
	IsolatedLoader          bool              `yaml:"isolated_loader"`
	LoaderTimeoutSec        int               `yaml:"loader_timeout_sec"`
	DownloadConcurrency     int               `yaml:"download_concurrency"`
	KeepAlive               string            `yaml:"keep_alive"`
	KeepAliveOverrides      map[string]string `yaml:"keep_alive_overrides"`
	Concurrency             map[string]int    `yaml:"concurrency"`
	HFToken                 string            `yaml:"hf_token"`
	DownloadBaseURL         string            `yaml:"download_base_url"`
	QuantizeCommand         []string          `yaml:"quantize_command"`

	// DefaultProfile is the engine-global performance layer. Presets and
	// per-request overrides merge on top of it.
	DefaultProfile inference.PerfProfile `yaml:"default_profile"`
}

func (c *ModelsConfig) SetDefaults() {
	if c.Root == "" {
		c.Root = defaultModelsRoot()
	}
	if c.LoaderTimeoutSec == 0 {
		c.LoaderTimeoutSec = 120
	}
	if c.DownloadConcurrency == 0 {
		c.DownloadConcurrency = 2
	}
	if c.KeepAlive == "" {
		c.KeepAlive = "10m"
	}
	if c.DownloadBaseURL == "" {
		c.DownloadBaseURL = "https://huggingface.co"
	}
}

func (c *ModelsConfig) Validate() error {
	if _, err := time.ParseDuration(c.KeepAlive); err != nil {
		return fmt.Errorf("keep_alive %q: %w", c.KeepAlive, err)
	}
	for id, v := range c.KeepAliveOverrides {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("keep_alive_overrides[%s] %q: %w", id, v, err)
		}
	}
	return nil
}

// KeepAlives returns the parsed global idle window and the per-model
// overrides. Validate has already vetted the duration strings.
func (c *ModelsConfig) KeepAlives() (time.Duration, map[string]time.Duration) {
	def, _ := time.ParseDuration(c.KeepAlive)
	if len(c.KeepAliveOverrides) == 0 {
		return def, nil
	}
	overrides := make(map[string]time.Duration, len(c.KeepAliveOverrides))
	for id, v := range c.KeepAliveOverrides {
		d, _ := time.ParseDuration(v)
		overrides[id] = d
	}
	return def, overrides
}

// KeepAliveFor resolves the idle-eviction window for a model: per-model
// override first, then the global default. Zero disables eviction.
func (c *ModelsConfig) KeepAliveFor(modelID string) time.Duration {
	if v, ok := c.KeepAliveOverrides[modelID]; ok {
		d, _ := time.ParseDuration(v)
		return d
	}
	d, _ := time.ParseDuration(c.KeepAlive)
	return d
}

// LoaderTimeout bounds the isolated loader bring-up.
func (c *ModelsConfig) LoaderTimeout() time.Duration {
	return time.Duration(c.LoaderTimeoutSec) * time.Second
}

// MemoryConfig tunes the host memory monitor.
type MemoryConfig struct {
	ThresholdPct    float64 `yaml:"threshold_pct"`
	CriticalPct     float64 `yaml:"critical_pct"`
	PollIntervalSec int     `yaml:"poll_interval_sec"`
	SafetyMarginGB  float64 `yaml:"safety_margin_gb"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.ThresholdPct == 0 {
		c.ThresholdPct = 85
	}
	if c.CriticalPct == 0 {
		c.CriticalPct = 95
	}
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 5
	}
	if c.SafetyMarginGB == 0 {
		c.SafetyMarginGB = 1
	}
}

func (c *MemoryConfig) Validate() error {
	if c.ThresholdPct <= 0 || c.ThresholdPct > 100 {
		return fmt.Errorf("threshold_pct %.1f out of range (0, 100]", c.ThresholdPct)
	}
	if c.CriticalPct < c.ThresholdPct || c.CriticalPct > 100 {
		return fmt.Errorf("critical_pct %.1f must be in [threshold_pct, 100]", c.CriticalPct)
	}
	return nil
}

// PollInterval returns the monitor cadence.
func (c *MemoryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// SafetyMarginBytes converts the configured margin to bytes.
func (c *MemoryConfig) SafetyMarginBytes() uint64 {
	return uint64(c.SafetyMarginGB * float64(1<<30))
}

// RoutingConfig is the alias map plus optional default model.
type RoutingConfig struct {
	// Aliases maps an alias to an ordered preferred-model list. The alias
	// "auto" is built in and means "any loaded model".
	Aliases      map[string][]string `yaml:"aliases"`
	DefaultModel string              `yaml:"default_model"`
}

func (c *RoutingConfig) SetDefaults() {}

func (c *RoutingConfig) Validate() error {
	for alias, prefs := range c.Aliases {
		if alias == "auto" {
			return fmt.Errorf("alias %q is reserved", alias)
		}
		if len(prefs) == 0 {
			return fmt.Errorf("alias %q has an empty preference list", alias)
		}
	}
	return nil
}

// SecurityConfig covers admin/inference keys and the TLS surface.
type SecurityConfig struct {
	// AdminKey gates /admin/*; empty disables the gate.
	AdminKey string `yaml:"admin_key"`
	// InferenceKey optionally gates /v1/*; empty disables.
	InferenceKey string    `yaml:"inference_key"`
	TLS          TLSConfig `yaml:"tls"`
}

// TLSConfig controls server TLS and the mTLS subject gate.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// MTLSMode is off, optional, or required.
	MTLSMode      string   `yaml:"mtls_mode"`
	ClientCAFile  string   `yaml:"client_ca_file"`
	AllowSubjects []string `yaml:"allow_subjects"`
}

func (c *SecurityConfig) SetDefaults() {
	if c.TLS.MTLSMode == "" {
		c.TLS.MTLSMode = "off"
	}
}

func (c *SecurityConfig) Validate() error {
	switch c.TLS.MTLSMode {
	case "off", "optional", "required":
	default:
		return fmt.Errorf("tls.mtls_mode %q (want off, optional, or required)", c.TLS.MTLSMode)
	}
	if c.TLS.MTLSMode != "off" && !c.TLS.Enabled {
		return fmt.Errorf("tls.mtls_mode %q requires tls.enabled", c.TLS.MTLSMode)
	}
	return nil
}

// LoggingConfig selects level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("format %q (want text or json)", c.Format)
	}
}

// RAGConfig points at the external vector store. Empty base_url disables
// the facade.
type RAGConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// EmbedVia selects embedding enrichment: "helper" or "store".
	EmbedVia string `yaml:"embed_via"`
}

func (c *RAGConfig) SetDefaults() {
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 30
	}
	if c.EmbedVia == "" {
		c.EmbedVia = "store"
	}
}

func (c *RAGConfig) Validate() error {
	switch c.EmbedVia {
	case "helper", "store":
		return nil
	default:
		return fmt.Errorf("embed_via %q (want helper or store)", c.EmbedVia)
	}
}

// Timeout returns the per-call deadline against the store.
func (c *RAGConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// HelperNode describes one remote embedding/reranking peer.
type HelperNode struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// Fallback is "local" or "skip".
	Fallback   string        `yaml:"fallback"`
	MaxRetries int           `yaml:"max_retries"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding a helper node.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutSec  int `yaml:"reset_timeout_sec"`
}

func (c *HelperNode) SetDefaults() {
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 10
	}
	if c.Fallback == "" {
		c.Fallback = "skip"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeoutSec == 0 {
		c.Breaker.ResetTimeoutSec = 30
	}
}

func (c *HelperNode) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("helper node requires a name")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("helper node %q requires base_url", c.Name)
	}
	switch c.Fallback {
	case "local", "skip":
		return nil
	default:
		return fmt.Errorf("helper node %q fallback %q (want local or skip)", c.Name, c.Fallback)
	}
}

// Timeout returns the per-call deadline for this node.
func (c *HelperNode) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ResetTimeout returns the breaker open→half-open delay.
func (c *BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSec) * time.Second
}

// PresetsConfig locates preset YAML files.
type PresetsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

func (c *PresetsConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = filepath.Join(DefaultStateDir(), "presets")
	}
}

func (c *PresetsConfig) Validate() error { return nil }

// AgentsConfig covers the runtime, state store, and run scheduler.
type AgentsConfig struct {
	DBPath              string      `yaml:"db_path"`
	Queue               QueueConfig `yaml:"queue"`
	StepRetryAttempts   int         `yaml:"step_retry_attempts"`
	RetainCompletedRuns int         `yaml:"retain_completed_runs"`
	MaxParallelism      int         `yaml:"max_parallelism"`
	// Cost rates convert token usage into USD for budget accounting.
	PromptCostPer1K     float64 `yaml:"prompt_cost_per_1k"`
	CompletionCostPer1K float64 `yaml:"completion_cost_per_1k"`
}

// QueueConfig selects the run/skill queue backend.
type QueueConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	MaxSize int    `yaml:"max_size"`
	Workers int    `yaml:"workers"`
	DBPath  string `yaml:"db_path"`
}

func (c *AgentsConfig) SetDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(DefaultStateDir(), "agents.db")
	}
	c.Queue.SetDefaults()
	if c.StepRetryAttempts == 0 {
		c.StepRetryAttempts = 2
	}
	if c.RetainCompletedRuns == 0 {
		c.RetainCompletedRuns = 200
	}
	if c.MaxParallelism == 0 {
		c.MaxParallelism = 4
	}
}

func (c *AgentsConfig) Validate() error {
	return c.Queue.Validate()
}

func (c *QueueConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.MaxSize == 0 {
		c.MaxSize = 100
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
}

func (c *QueueConfig) Validate() error {
	switch c.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("queue backend %q (want memory or sqlite)", c.Backend)
	}
	if c.Backend == "sqlite" && c.DBPath == "" {
		return fmt.Errorf("sqlite queue requires db_path")
	}
	return nil
}

// SkillsConfig covers the manifest registry and dispatcher.
type SkillsConfig struct {
	Dirs               []string    `yaml:"dirs"`
	MaxConcurrentCalls int         `yaml:"max_concurrent_calls"`
	Queue              QueueConfig `yaml:"queue"`
	Queued             bool        `yaml:"queued"`
	DefaultTimeoutSec  int         `yaml:"default_timeout_sec"`
}

func (c *SkillsConfig) SetDefaults() {
	if c.MaxConcurrentCalls == 0 {
		c.MaxConcurrentCalls = 4
	}
	c.Queue.SetDefaults()
	if c.DefaultTimeoutSec == 0 {
		c.DefaultTimeoutSec = 60
	}
}

func (c *SkillsConfig) Validate() error {
	return c.Queue.Validate()
}

// Sandbox profiles, most to least permissive.
const (
	SandboxProfileTrusted    = "trusted"
	SandboxProfileRestricted = "restricted"
	SandboxProfileStrict     = "strict"
)

// SandboxConfig selects the execution profile for entrypoint skills.
type SandboxConfig struct {
	// Profile is trusted, restricted, or strict.
	Profile string `yaml:"profile"`
	// AllowedModules is the entrypoint allow-list used in restricted mode.
	AllowedModules  []string `yaml:"allowed_modules"`
	FilesystemRoots []string `yaml:"filesystem_roots"`
}

func (c *SandboxConfig) SetDefaults() {
	if c.Profile == "" {
		c.Profile = SandboxProfileRestricted
	}
}

func (c *SandboxConfig) Validate() error {
	switch c.Profile {
	case SandboxProfileTrusted, SandboxProfileRestricted, SandboxProfileStrict:
		return nil
	default:
		return fmt.Errorf("profile %q (want trusted, restricted, or strict)", c.Profile)
	}
}

// JournalingConfig enables the event-bus JSONL subscriber.
type JournalingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (c *JournalingConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = filepath.Join(DefaultStateDir(), "events.jsonl")
	}
}

func (c *JournalingConfig) Validate() error { return nil }
