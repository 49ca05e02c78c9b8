package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/opta-ai/opta-lmx/pkg/config"
	"github.com/opta-ai/opta-lmx/pkg/events"
	"github.com/opta-ai/opta-lmx/pkg/infra"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/logging"
	"github.com/opta-ai/opta-lmx/pkg/metrics"
)

// Generator is the slice of the inference engine the runtime drives.
type Generator interface {
	Generate(ctx context.Context, req *inference.CompletionRequest) (*inference.Completion, error)
}

// routerOrder fixes the ROUTER pipeline position of known roles.
// Unknown roles run after known ones, ordered by name.
var routerOrder = map[string]int{
	"planner":    0,
	"researcher": 1,
	"architect":  2,
	"coder":      3,
	"writer":     4,
	"tester":     5,
	"reviewer":   6,
	"critic":     7,
}

const routerUnknownRank = 100

// Runtime owns agent run execution: a durable store, a priority queue,
// and a worker pool that turns queued runs into engine requests.
type Runtime struct {
	log     logging.Logger
	cfg     config.AgentsConfig
	store   *Store
	queue   RunQueue
	gen     Generator
	meters  *metrics.Metrics
	tracer  *tracer
	backoff infra.BackoffPolicy

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewRuntime opens the run store and queue per config.
func NewRuntime(log logging.Logger, cfg config.AgentsConfig, gen Generator, meters *metrics.Metrics, bus *events.Bus) (*Runtime, error) {
	store, err := OpenStore(log, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	queue, err := NewRunQueue(log, cfg.Queue)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Runtime{
		log:     log.WithField("component", "agent-runtime"),
		cfg:     cfg,
		store:   store,
		queue:   queue,
		gen:     gen,
		meters:  meters,
		tracer:  &tracer{bus: bus},
		backoff: infra.DefaultBackoff(),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Start recovers state left by a previous process and launches the
// worker pool. Workers stop when ctx is cancelled; Close waits for them.
func (r *Runtime) Start(ctx context.Context) error {
	recovered, err := r.store.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	for _, run := range recovered {
		r.log.WithField("run_id", run.ID).Warn("marked interrupted run failed")
		r.tracer.publish(events.TypeRunFinished, run, "")
		r.meters.RecordAgentRun(string(RunFailed))
	}

	queued, err := r.store.RunsByStatus(ctx, RunQueued)
	if err != nil {
		return err
	}
	for _, run := range queued {
		if err := r.queue.Enqueue(ctx, run.ID, run.Request.Priority); err != nil {
			var full *RunQueueFullError
			if !errors.As(err, &full) {
				return err
			}
			r.rejectRun(ctx, run, full)
		}
	}

	workers := r.cfg.Queue.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	r.log.WithField("workers", workers).Info("agent runtime started")
	return nil
}

// Close waits for workers to drain, then releases the queue and store.
func (r *Runtime) Close() error {
	r.wg.Wait()
	if err := r.queue.Close(); err != nil {
		r.log.WithError(err).Warn("failed to close run queue")
	}
	return r.store.Close()
}

// Submit validates, persists, and enqueues a run. With an idempotency
// key, resubmitting an identical request returns the original run; the
// same key over a different request is rejected. A saturated queue does
// not drop the submission silently: the run is recorded as failed with
// retry guidance and returned.
func (r *Runtime) Submit(ctx context.Context, req RunRequest, idempotencyKey string) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var fingerprint string
	if idempotencyKey != "" {
		fingerprint = requestFingerprint(req)
		storedFP, runID, ok, err := r.store.GetKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if ok {
			if storedFP != fingerprint {
				return nil, ErrFingerprintConflict
			}
			return r.store.GetRun(ctx, runID)
		}
	}

	run := &Run{
		ID:             newRunID(),
		Request:        req,
		Status:         RunQueued,
		Steps:          planSteps(req),
		IdempotencyKey: idempotencyKey,
		Fingerprint:    fingerprint,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		if err := r.store.PutKey(ctx, idempotencyKey, fingerprint, run.ID); err != nil {
			return nil, err
		}
	}

	if err := r.queue.Enqueue(ctx, run.ID, req.Priority); err != nil {
		var full *RunQueueFullError
		if !errors.As(err, &full) {
			return nil, err
		}
		r.rejectRun(ctx, run, full)
		return run, nil
	}
	r.tracer.publish(events.TypeRunSubmitted, run, "")
	r.log.WithFields(map[string]interface{}{
		"run_id":   run.ID,
		"strategy": string(req.Strategy),
		"roles":    len(req.Roles),
	}).Info("run submitted")
	return run, nil
}

// rejectRun records a run the scheduler could not accept.
func (r *Runtime) rejectRun(ctx context.Context, run *Run, full *RunQueueFullError) {
	run.Status = RunFailed
	run.Error = fmt.Sprintf("%s; retry later or raise agents.queue.max_size", full.Error())
	for i := range run.Steps {
		if run.Steps[i].Status == StepQueued {
			run.Steps[i].Status = StepCancelled
		}
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		r.log.WithError(err).WithField("run_id", run.ID).Warn("failed to record rejected run")
	}
	r.tracer.publish(events.TypeRunSubmissionFailed, run, "")
	r.meters.RecordAgentRun(string(RunFailed))
}

// Get fetches one run.
func (r *Runtime) Get(ctx context.Context, id string) (*Run, error) {
	return r.store.GetRun(ctx, id)
}

// List returns recent runs, newest first.
func (r *Runtime) List(ctx context.Context, limit int) ([]*Run, error) {
	return r.store.ListRuns(ctx, limit)
}

// QueueDepth counts runs waiting for a worker.
func (r *Runtime) QueueDepth(ctx context.Context) (int, error) {
	return r.queue.Len(ctx)
}

// Cancel stops a run. Terminal runs are returned unchanged, queued runs
// are cancelled directly, and running runs have their in-flight step
// interrupted; the worker then persists the terminal state.
func (r *Runtime) Cancel(ctx context.Context, id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		return run, nil
	}

	run.Status = RunCancelled
	for i := range run.Steps {
		if run.Steps[i].Status == StepQueued {
			run.Steps[i].Status = StepCancelled
		}
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	r.tracer.publish(events.TypeRunCancelled, run, "")
	r.meters.RecordAgentRun(string(RunCancelled))
	return run, nil
}

func (r *Runtime) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.log.WithField("worker", id)
	for {
		runID, err := r.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("queue claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.process(ctx, log, runID)
	}
}

func (r *Runtime) process(ctx context.Context, log logging.Logger, runID string) {
	run, runCtx, ok := r.begin(ctx, runID)
	if !ok {
		return
	}
	defer r.clearCancel(runID)

	st := &runState{run: run}
	err := r.execute(runCtx, st)

	switch {
	case err == nil:
		r.finish(ctx, st, RunCompleted, "")
	case ctx.Err() != nil:
		// Shutdown: leave the run claimed so the next boot requeues it.
		if relErr := r.queue.Release(context.Background(), runID); relErr != nil {
			log.WithError(relErr).Warn("failed to release run on shutdown")
		}
	case runCtx.Err() != nil:
		r.finish(ctx, st, RunCancelled, "")
	default:
		log.WithField("run_id", runID).Debugf("run failed: %+v", err)
		r.finish(ctx, st, RunFailed, err.Error())
	}
}

// begin claims a queued run for execution. Runs settled while waiting
// (cancelled, or failed by recovery) are dropped from the queue.
func (r *Runtime) begin(ctx context.Context, runID string) (*Run, context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		r.log.WithError(err).WithField("run_id", runID).Warn("claimed unknown run")
		_ = r.queue.Complete(ctx, runID)
		return nil, nil, false
	}
	if run.Status != RunQueued {
		_ = r.queue.Complete(ctx, runID)
		return nil, nil, false
	}
	run.Status = RunRunning
	if err := r.store.SaveRun(ctx, run); err != nil {
		r.log.WithError(err).WithField("run_id", runID).Warn("failed to mark run running")
		_ = r.queue.Release(ctx, runID)
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancels[runID] = cancel
	r.tracer.publish(events.TypeRunStarted, run, "")
	return run, runCtx, true
}

func (r *Runtime) clearCancel(runID string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[runID]; ok {
		cancel()
		delete(r.cancels, runID)
	}
	r.mu.Unlock()
}

func (r *Runtime) finish(ctx context.Context, st *runState, status RunStatus, errMsg string) {
	run := st.run
	st.update(func(run *Run) {
		run.Status = status
		if errMsg != "" {
			run.Error = errMsg
		}
	})
	r.persistState(ctx, st)
	if err := r.queue.Complete(ctx, run.ID); err != nil {
		r.log.WithError(err).WithField("run_id", run.ID).Warn("failed to drop run from queue")
	}

	typ := events.TypeRunFinished
	if status == RunCancelled {
		typ = events.TypeRunCancelled
	}
	r.tracer.publish(typ, run, "")
	r.meters.RecordAgentRun(string(status))
	r.log.WithFields(map[string]interface{}{
		"run_id": run.ID,
		"status": string(status),
		"tokens": run.TokensUsed,
	}).Info("run finished")

	if n, err := r.store.PruneTerminal(ctx, r.cfg.RetainCompletedRuns); err != nil {
		r.log.WithError(err).Debug("run retention prune failed")
	} else if n > 0 {
		r.log.WithField("pruned", n).Debug("pruned old runs")
	}
}

// runState serializes mutation and persistence of a run that parallel
// steps share.
type runState struct {
	mu  sync.Mutex
	run *Run
}

func (s *runState) update(fn func(run *Run)) {
	s.mu.Lock()
	fn(s.run)
	s.mu.Unlock()
}

func (r *Runtime) persistState(ctx context.Context, st *runState) {
	st.mu.Lock()
	err := r.store.SaveRun(ctx, st.run)
	st.mu.Unlock()
	if err != nil {
		r.log.WithError(err).WithField("run_id", st.run.ID).Warn("failed to persist run")
	}
}

func (r *Runtime) execute(ctx context.Context, st *runState) error {
	if st.run.Request.Strategy == StrategyParallelMap {
		return r.executeParallel(ctx, st)
	}
	return r.executeSequential(ctx, st)
}

// executeSequential drives HANDOFF and ROUTER runs: steps in plan
// order, stopping at the first failure. HANDOFF chains each step's
// output into the next step's input; ROUTER reuses the original input.
func (r *Runtime) executeSequential(ctx context.Context, st *runState) error {
	run := st.run
	input := run.Request.Input
	for i := range run.Steps {
		step := &run.Steps[i]
		if err := r.checkBudgets(st); err != nil {
			return err
		}
		output, err := r.runStep(ctx, st, step, input)
		if err != nil {
			return errors.Wrapf(err, "step %s", step.ID)
		}
		if run.Request.Strategy == StrategyHandoff {
			input = output + ":" + run.Request.Input
		}
	}
	st.update(func(run *Run) {
		run.Result = run.Steps[len(run.Steps)-1].Output
	})
	return nil
}

// executeParallel fans all steps out over the shared input, bounded by
// max_parallelism. The first failure cancels the siblings; steps that
// never started are marked cancelled. The result is the step outputs in
// plan order, blank-line separated.
func (r *Runtime) executeParallel(ctx context.Context, st *runState) error {
	run := st.run
	g, gctx := errgroup.WithContext(ctx)
	limit := r.cfg.MaxParallelism
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	outputs := make([]string, len(run.Steps))
	for i := range run.Steps {
		i := i
		step := &run.Steps[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				st.update(func(*Run) { step.Status = StepCancelled })
				return gctx.Err()
			}
			if err := r.checkBudgets(st); err != nil {
				return err
			}
			output, err := r.runStep(gctx, st, step, run.Request.Input)
			if err != nil {
				return errors.Wrapf(err, "step %s", step.ID)
			}
			outputs[i] = output
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.persistState(ctx, st)
		return err
	}
	st.update(func(run *Run) {
		run.Result = strings.Join(outputs, "\n\n")
	})
	return nil
}

// checkBudgets enforces hard budget stops before a step runs. A step
// that would start past the limit never starts, so it stays queued.
func (r *Runtime) checkBudgets(st *runState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	req := st.run.Request
	if req.TokenBudget > 0 && st.run.TokensUsed >= req.TokenBudget {
		return &BudgetExhaustedError{
			Budget: "token",
			Used:   float64(st.run.TokensUsed),
			Limit:  float64(req.TokenBudget),
		}
	}
	if req.CostBudgetUSD > 0 && st.run.EstimatedCost >= req.CostBudgetUSD {
		return &BudgetExhaustedError{
			Budget: "cost",
			Used:   st.run.EstimatedCost,
			Limit:  req.CostBudgetUSD,
		}
	}
	return nil
}

// runStep executes one step against the engine, retrying transient
// failures with backoff. Usage is charged to the run on success.
func (r *Runtime) runStep(ctx context.Context, st *runState, step *Step, input string) (string, error) {
	run := st.run
	start := time.Now().UTC()
	st.update(func(*Run) {
		step.Status = StepRunning
		step.Input = input
		step.StartedAt = &start
	})
	r.persistState(ctx, st)

	attempts := r.cfg.StepRetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}
	comp, err := infra.Retry(ctx, r.backoff, attempts, transientStepError,
		func(attempt int) (*inference.Completion, error) {
			if attempt > 1 {
				r.tracer.publish(events.TypeStepRetry, run, step.ID)
			}
			return r.gen.Generate(ctx, r.stepRequest(run.Request, step.Role, input))
		})
	end := time.Now().UTC()
	if err != nil {
		status := StepFailed
		if ctx.Err() != nil {
			status = StepCancelled
		}
		st.update(func(*Run) {
			step.Status = status
			step.EndedAt = &end
			step.Error = err.Error()
		})
		r.persistState(ctx, st)
		return "", err
	}
	st.update(func(run *Run) {
		step.Status = StepCompleted
		step.EndedAt = &end
		step.Output = comp.Content
		run.TokensUsed += comp.Usage.TotalTokens
		run.EstimatedCost += r.stepCost(comp.Usage)
		run.Checkpoint = step.ID
	})
	r.persistState(ctx, st)
	return comp.Content, nil
}

// stepRequest builds the engine request for a role: role model override
// first, then the run model, then auto routing. Interactive runs use
// the high-priority admission lane.
func (r *Runtime) stepRequest(req RunRequest, role, input string) *inference.CompletionRequest {
	model := req.RoleModels[role]
	if model == "" {
		model = req.Model
	}
	if model == "" {
		model = "auto"
	}
	var messages []inference.Message
	if sys := req.RoleSystemPrompts[role]; sys != "" {
		messages = append(messages, inference.Message{Role: "system", Content: sys})
	}
	messages = append(messages, inference.Message{Role: "user", Content: input})

	creq := &inference.CompletionRequest{
		Model:    model,
		Messages: messages,
		Tools:    req.RoleTools[role],
		ClientID: inference.OriginAgentStep,
	}
	if req.Priority == PriorityInteractive {
		creq.Priority = inference.PriorityHigh
	}
	return creq
}

func (r *Runtime) stepCost(u inference.Usage) float64 {
	return float64(u.PromptTokens)/1000*r.cfg.PromptCostPer1K +
		float64(u.CompletionTokens)/1000*r.cfg.CompletionCostPer1K
}

// transientStepError classifies engine failures worth another attempt:
// slot saturation, request timeouts, and upstream rate limiting.
func transientStepError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "rate limit")
}

// planSteps materializes the step plan at submission so a queued run
// already shows what will execute.
func planSteps(req RunRequest) []Step {
	roles := orderedRoles(req)
	steps := make([]Step, len(roles))
	for i, role := range roles {
		steps[i] = Step{
			ID:     fmt.Sprintf("step-%d-%s", i+1, role),
			Role:   role,
			Status: StepQueued,
		}
	}
	return steps
}

func orderedRoles(req RunRequest) []string {
	roles := append([]string(nil), req.Roles...)
	if req.Strategy != StrategyRouter {
		return roles
	}
	rank := func(role string) int {
		if r, ok := routerOrder[role]; ok {
			return r
		}
		return routerUnknownRank
	}
	sort.SliceStable(roles, func(i, j int) bool {
		ri, rj := rank(roles[i]), rank(roles[j])
		if ri != rj {
			return ri < rj
		}
		return roles[i] < roles[j]
	})
	return roles
}

// requestFingerprint hashes the plan-relevant request fields; trace
// headers vary per submission and are excluded.
func requestFingerprint(req RunRequest) string {
	req.Traceparent = ""
	req.Tracestate = ""
	raw, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
