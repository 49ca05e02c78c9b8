// Package agents executes multi-step LLM plans against the inference
// engine with budgets, retries, priorities, idempotent submission,
// durable state, and live cancellation.
package agents

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
)

// ExecutionStrategy selects how a run's roles become steps.
type ExecutionStrategy string

const (
	// StrategyHandoff runs roles sequentially; each step receives the
	// previous step's output joined to the original input in
	// "output:input" form.
	StrategyHandoff ExecutionStrategy = "HANDOFF"
	// StrategyParallelMap runs all roles concurrently on the shared
	// input, bounded by max_parallelism.
	StrategyParallelMap ExecutionStrategy = "PARALLEL_MAP"
	// StrategyRouter runs roles sequentially in a fixed order derived
	// from the role name; the first failure stops the run.
	StrategyRouter ExecutionStrategy = "ROUTER"
)

// Priority orders runs in the queue and maps to engine admission
// priority (interactive runs use the high lane).
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityNormal      Priority = "normal"
	PriorityBatch       Priority = "batch"
)

// queueRank gives the claim order: lower is sooner.
func (p Priority) queueRank() int {
	switch p {
	case PriorityInteractive:
		return 0
	case PriorityBatch:
		return 2
	default:
		return 1
	}
}

// RunStatus is the run lifecycle state. Terminal states are absorbing.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the per-step lifecycle state.
type StepStatus string

const (
	StepQueued          StepStatus = "queued"
	StepRunning         StepStatus = "running"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepCancelled       StepStatus = "cancelled"
)

// RunRequest is the submitted plan.
type RunRequest struct {
	Strategy          ExecutionStrategy           `json:"strategy"`
	Roles             []string                    `json:"roles"`
	Input             string                      `json:"input"`
	Model             string                      `json:"model,omitempty"`
	RoleModels        map[string]string           `json:"role_models,omitempty"`
	RoleSystemPrompts map[string]string           `json:"role_system_prompts,omitempty"`
	RoleTools         map[string][]inference.Tool `json:"role_tools,omitempty"`
	TokenBudget       int                         `json:"token_budget,omitempty"`
	CostBudgetUSD     float64                     `json:"cost_budget_usd,omitempty"`
	Priority          Priority                    `json:"priority,omitempty"`
	Traceparent       string                      `json:"traceparent,omitempty"`
	Tracestate        string                      `json:"tracestate,omitempty"`
}

// Validate checks the request before any state is created.
func (r *RunRequest) Validate() error {
	switch r.Strategy {
	case StrategyHandoff, StrategyParallelMap, StrategyRouter:
	default:
		return fmt.Errorf("unknown strategy %q", r.Strategy)
	}
	if len(r.Roles) == 0 {
		return errors.New("at least one role is required")
	}
	seen := make(map[string]struct{}, len(r.Roles))
	for _, role := range r.Roles {
		if role == "" {
			return errors.New("empty role name")
		}
		if _, dup := seen[role]; dup {
			return fmt.Errorf("duplicate role %q", role)
		}
		seen[role] = struct{}{}
	}
	switch r.Priority {
	case "", PriorityInteractive, PriorityNormal, PriorityBatch:
	default:
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	return nil
}

// Step is one unit of a run's plan.
type Step struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Input     string     `json:"input,omitempty"`
	Output    string     `json:"output,omitempty"`
	Status    StepStatus `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Run is the durable record of one agent execution.
type Run struct {
	ID             string     `json:"id"`
	Request        RunRequest `json:"request"`
	Status         RunStatus  `json:"status"`
	Steps          []Step     `json:"steps"`
	Result         string     `json:"result,omitempty"`
	ResolvedModel  string     `json:"resolved_model,omitempty"`
	TokensUsed     int        `json:"tokens_used"`
	EstimatedCost  float64    `json:"estimated_cost_usd"`
	Checkpoint     string     `json:"checkpoint_pointer,omitempty"`
	Error          string     `json:"error,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Fingerprint    string     `json:"fingerprint,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrFingerprintConflict rejects an idempotent resubmit whose
// fingerprint disagrees with the stored one.
var ErrFingerprintConflict = errors.New("idempotency key already used with a different fingerprint")

// BudgetExhaustedError is the hard stop raised before a step would
// exceed the run's token or cost budget.
type BudgetExhaustedError struct {
	Budget string
	Used   float64
	Limit  float64
}

func (e *BudgetExhaustedError) Error() string {
	if e.Budget == "token" {
		return fmt.Sprintf("Budget exhausted: token budget, used %.0f of %.0f", e.Used, e.Limit)
	}
	return fmt.Sprintf("Budget exhausted: %s budget, used %.4f of %.4f USD", e.Budget, e.Used, e.Limit)
}

// RunQueueFullError reports scheduler saturation.
type RunQueueFullError struct {
	Size     int
	Capacity int
}

func (e *RunQueueFullError) Error() string {
	return fmt.Sprintf("run queue is full (%d of %d)", e.Size, e.Capacity)
}

// newRunID returns the run identity: 16 hex characters.
func newRunID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
