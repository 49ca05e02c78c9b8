package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/config"
	"github.com/opta-ai/opta-lmx/pkg/events"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
	"github.com/opta-ai/opta-lmx/pkg/logging"
	"github.com/opta-ai/opta-lmx/pkg/metrics"
)

const (
	// maxWorkerOutput caps what an entrypoint worker may write to stdout.
	maxWorkerOutput = 1 << 20
	// stderrLogLimit caps the worker stderr bytes retained for the log.
	stderrLogLimit = 2048
)

// Generator produces completions for prompt skills.
type Generator interface {
	Generate(ctx context.Context, req *inference.CompletionRequest) (*inference.Completion, error)
}

// Dispatcher resolves, gates, and executes skill invocations under a
// bounded concurrency limit.
type Dispatcher struct {
	log      logging.Logger
	registry *Registry
	policy   *Policy
	gen      Generator
	meters   *metrics.Metrics
	bus      *events.Bus

	sem            chan struct{}
	defaultTimeout time.Duration
}

// NewDispatcher wires the dispatcher. gen may be nil when no engine is
// available; prompt skills then fail with a clear error.
func NewDispatcher(log logging.Logger, registry *Registry, policy *Policy, gen Generator, meters *metrics.Metrics, bus *events.Bus, cfg config.SkillsConfig) *Dispatcher {
	limit := cfg.MaxConcurrentCalls
	if limit < 1 {
		limit = 1
	}
	timeout := time.Duration(cfg.DefaultTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Dispatcher{
		log:            log.WithField("component", "skill-dispatch"),
		registry:       registry,
		policy:         policy,
		gen:            gen,
		meters:         meters,
		bus:            bus,
		sem:            make(chan struct{}, limit),
		defaultTimeout: timeout,
	}
}

// Registry exposes the registry behind the dispatcher.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs one invocation end to end. Resolution and argument
// errors are returned; policy refusals and execution failures are
// reported in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, ref string, args map[string]interface{}, approved bool, timeout time.Duration) (*Result, error) {
	skill, err := d.registry.Resolve(ref)
	if err != nil {
		return nil, err
	}
	name := skill.Manifest.FullName()

	verdict := d.policy.Evaluate(&skill.Manifest, approved)
	switch {
	case verdict.RequiresApproval:
		res := &Result{Skill: name, RequiresApproval: true}
		d.record(res, "approval required")
		return res, nil
	case verdict.Denied:
		res := &Result{Skill: name, Denied: true, DeniedReason: verdict.DeniedReason}
		d.record(res, verdict.DeniedReason)
		return res, nil
	}

	if err := skill.ValidateInput(args); err != nil {
		return nil, &ValidationError{Skill: name, Err: err}
	}

	if timeout <= 0 {
		timeout = skill.Manifest.Timeout(d.defaultTimeout)
	}
	// The hard timeout covers the wait for a slot as well as the run.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-runCtx.Done():
		res := interruptResult(name, runCtx.Err())
		d.record(res, "")
		return res, nil
	}

	start := time.Now()
	var output interface{}
	switch skill.Manifest.Kind {
	case KindPrompt:
		output, err = d.runPrompt(runCtx, skill, args)
	default:
		output, err = d.runEntrypoint(runCtx, skill, args)
	}

	res := &Result{Skill: name, DurationMS: time.Since(start).Milliseconds()}
	switch {
	case err == nil:
		res.Output = output
	case errors.Is(err, context.DeadlineExceeded):
		res.TimedOut = true
		res.Error = "skill invocation timed out"
	case errors.Is(err, context.Canceled):
		res.Cancelled = true
		res.Error = "skill invocation cancelled"
	default:
		res.Error = err.Error()
	}
	d.record(res, "")
	return res, nil
}

// record publishes the event and counts the invocation.
func (d *Dispatcher) record(res *Result, reason string) {
	status := res.Status()
	d.meters.RecordSkillInvocation(res.Skill, status)

	typ := events.TypeSkillInvoked
	if res.Denied || res.RequiresApproval {
		typ = events.TypeSkillDenied
	}
	d.bus.Publish(typ, events.SkillPayload{
		Skill:  res.Skill,
		Status: status,
		Reason: reason,
	})

	entry := d.log.WithFields(map[string]interface{}{
		"skill":       res.Skill,
		"status":      status,
		"duration_ms": res.DurationMS,
	})
	if res.Error != "" {
		entry.Warn("skill invocation finished")
		return
	}
	entry.Info("skill invocation finished")
}

func (d *Dispatcher) runPrompt(ctx context.Context, skill *Skill, args map[string]interface{}) (interface{}, error) {
	if d.gen == nil {
		return nil, errors.New("no inference engine available for prompt skills")
	}
	req := &inference.CompletionRequest{
		Model:    "auto",
		Messages: []inference.Message{{Role: "user", Content: renderTemplate(skill.Manifest.PromptTemplate, args)}},
		ClientID: inference.OriginSkill,
	}
	if len(skill.Manifest.ModelPreferences) > 0 {
		req.Model = skill.Manifest.ModelPreferences[0]
	}
	comp, err := d.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return comp.Content, nil
}

// workerPayload is the stdin half of the entrypoint contract.
type workerPayload struct {
	Function        string                 `json:"function"`
	Arguments       map[string]interface{} `json:"arguments"`
	FilesystemRoots []string               `json:"filesystem_roots,omitempty"`
}

// workerReply is the stdout half; exactly one field is expected.
type workerReply struct {
	Output interface{} `json:"output"`
	Error  string      `json:"error"`
}

func (d *Dispatcher) runEntrypoint(ctx context.Context, skill *Skill, args map[string]interface{}) (interface{}, error) {
	module := skill.Manifest.EntrypointModule()

	payload, err := json.Marshal(workerPayload{
		Function:        skill.Manifest.EntrypointFunction(),
		Arguments:       args,
		FilesystemRoots: skill.Manifest.FilesystemRoots,
	})
	if err != nil {
		return nil, fmt.Errorf("encode worker payload: %w", err)
	}

	var stdout, stderr bytes.Buffer
	// The module name charset forbids separators, so the worker always
	// resolves inside the skill directory.
	cmd := exec.CommandContext(ctx, filepath.Join(skill.Dir, module))
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if tail := strings.TrimSpace(stderr.String()); tail != "" {
		if len(tail) > stderrLogLimit {
			tail = tail[len(tail)-stderrLogLimit:]
		}
		// Worker stderr goes to the log only, never to clients.
		d.log.WithField("skill", skill.Manifest.FullName()).Debugf("worker stderr: %s", utils.SanitizeForLog(tail))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		return nil, fmt.Errorf("worker %s failed: %v", module, runErr)
	}
	if stdout.Len() > maxWorkerOutput {
		return nil, fmt.Errorf("worker %s produced %d bytes (limit %d)", module, stdout.Len(), maxWorkerOutput)
	}

	var reply workerReply
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &reply); err != nil {
		return nil, fmt.Errorf("worker %s wrote invalid JSON: %v", module, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("worker %s: %s", module, reply.Error)
	}
	if err := skill.ValidateOutput(reply.Output); err != nil {
		return nil, fmt.Errorf("worker %s output rejected by schema: %v", module, err)
	}
	return reply.Output, nil
}

// renderTemplate substitutes {name} placeholders with stringified
// argument values, in sorted key order.
func renderTemplate(template string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rendered := template
	for _, k := range keys {
		rendered = strings.ReplaceAll(rendered, "{"+k+"}", argString(args[k]))
	}
	return rendered
}

func argString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

// interruptResult classifies a context failure that hit before the
// skill started running.
func interruptResult(name string, err error) *Result {
	res := &Result{Skill: name}
	if errors.Is(err, context.DeadlineExceeded) {
		res.TimedOut = true
		res.Error = "skill invocation timed out"
	} else {
		res.Cancelled = true
		res.Error = "skill invocation cancelled"
	}
	return res
}
