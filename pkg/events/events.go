// Package events provides the in-process event bus: typed events fanned out
// to subscribed bounded queues. The admin SSE stream and the journaling
// subscriber consume it.
package events

import (
	"time"
)

// Type enumerates the event kinds carried on the bus.
type Type string

const (
	TypeModelLoaded         Type = "model_loaded"
	TypeModelUnloaded       Type = "model_unloaded"
	TypeModelQuarantined    Type = "model_quarantined"
	TypeDownloadStarted     Type = "download_started"
	TypeDownloadCompleted   Type = "download_completed"
	TypeDownloadFailed      Type = "download_failed"
	TypeMemoryPressure      Type = "memory_pressure"
	TypeMemoryCritical      Type = "memory_critical"
	TypeConcurrencyAdapted  Type = "concurrency_adapted"
	TypeRunSubmitted        Type = "run_submitted"
	TypeRunSubmissionFailed Type = "run_submission_failed"
	TypeRunStarted          Type = "run_started"
	TypeRunFinished         Type = "run_finished"
	TypeRunCancelled        Type = "run_cancelled"
	TypeStepRetry           Type = "step_retry"
	TypeSkillInvoked        Type = "skill_invoked"
	TypeSkillDenied         Type = "skill_denied"
	TypeConfigReloaded      Type = "config_reloaded"
)

// Event is a tagged variant: the type names the payload shape.
type Event struct {
	Type      Type        `json:"event_type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// ModelPayload accompanies model lifecycle events.
type ModelPayload struct {
	ModelID        string `json:"model_id"`
	BackendKind    string `json:"backend_kind,omitempty"`
	BackendVersion string `json:"backend_version,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// DownloadPayload accompanies download task events.
type DownloadPayload struct {
	DownloadID string `json:"download_id"`
	ModelID    string `json:"model_id"`
	Bytes      int64  `json:"bytes,omitempty"`
	TotalBytes int64  `json:"total_bytes,omitempty"`
	Error      string `json:"error,omitempty"`
}

// MemoryPayload accompanies pressure events.
type MemoryPayload struct {
	UsedPct      float64 `json:"used_pct"`
	ThresholdPct float64 `json:"threshold_pct"`
}

// ConcurrencyPayload accompanies adaptive-limit changes.
type ConcurrencyPayload struct {
	OldLimit int    `json:"old_limit"`
	NewLimit int    `json:"new_limit"`
	Reason   string `json:"reason,omitempty"`
}

// RunPayload accompanies agent run transitions.
type RunPayload struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status,omitempty"`
	Step    string `json:"step,omitempty"`
	Error   string `json:"error,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// SkillPayload accompanies skill dispatch events.
type SkillPayload struct {
	Skill  string `json:"skill"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
