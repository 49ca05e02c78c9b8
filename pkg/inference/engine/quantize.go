package engine

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
)

// QuantizeStatus tracks a quantization job through its lifecycle.
type QuantizeStatus string

const (
	QuantizeQueued    QuantizeStatus = "queued"
	QuantizeRunning   QuantizeStatus = "running"
	QuantizeCompleted QuantizeStatus = "completed"
	QuantizeFailed    QuantizeStatus = "failed"
)

// QuantizeJob is the externally visible state of one quantization job.
type QuantizeJob struct {
	ID          string         `json:"id"`
	Model       string         `json:"model"`
	Target      string         `json:"target"`
	Output      string         `json:"output,omitempty"`
	Status      QuantizeStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

type quantizeJob struct {
	view   QuantizeJob
	cancel context.CancelFunc
}

// Quantization targets are plain labels (q4_K_M, 4bit); anything that
// could traverse paths is rejected before it reaches the command line.
var quantTargetPat = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// SubmitQuantize starts an asynchronous quantization of a resident model
// using the configured external command. The output lands next to the
// source model and is picked up by a rescan on completion.
func (e *Engine) SubmitQuantize(ref, target string) (QuantizeJob, error) {
	if len(e.opts.QuantizeCommand) == 0 {
		return QuantizeJob{}, fmt.Errorf("%w: quantization requires models.quantize_command", inference.ErrNotSupported)
	}
	if !quantTargetPat.MatchString(target) || strings.Contains(target, "..") {
		return QuantizeJob{}, fmt.Errorf("invalid quantization target %s", utils.SanitizeForLog(target))
	}
	model, err := e.models.Resolve(ref)
	if err != nil {
		return QuantizeJob{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &quantizeJob{
		view: QuantizeJob{
			ID:        uuid.NewString(),
			Model:     model.ID,
			Target:    target,
			Output:    model.Path + "-" + target,
			Status:    QuantizeQueued,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	e.quantizeMu.Lock()
	e.quantizeJobs[job.view.ID] = job
	e.quantizeMu.Unlock()

	go e.runQuantize(ctx, job, model.ArtifactPath)
	return job.view, nil
}

func (e *Engine) runQuantize(ctx context.Context, job *quantizeJob, artifact string) {
	e.setQuantizeStatus(job, QuantizeRunning, "")

	argv := make([]string, 0, len(e.opts.QuantizeCommand))
	for _, arg := range e.opts.QuantizeCommand {
		arg = strings.ReplaceAll(arg, "{model}", artifact)
		arg = strings.ReplaceAll(arg, "{target}", job.view.Target)
		arg = strings.ReplaceAll(arg, "{output}", job.view.Output)
		argv = append(argv, arg)
	}

	log := e.log.WithField("job", job.view.ID).WithField("model", job.view.Model)
	log.Infof("quantizing to %s", job.view.Target)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.WithError(err).Error("quantization command failed")
		e.setQuantizeStatus(job, QuantizeFailed,
			fmt.Sprintf("%v: %s", err, utils.SanitizeForLog(tailOf(string(output), 512))))
		return
	}

	if err := e.models.Rescan(); err != nil {
		log.WithError(err).Warn("error while rescanning after quantization")
	}
	log.Info("quantization completed")
	e.setQuantizeStatus(job, QuantizeCompleted, "")
}

func (e *Engine) setQuantizeStatus(job *quantizeJob, status QuantizeStatus, errText string) {
	e.quantizeMu.Lock()
	defer e.quantizeMu.Unlock()
	job.view.Status = status
	job.view.Error = errText
	if status == QuantizeCompleted || status == QuantizeFailed {
		now := time.Now()
		job.view.CompletedAt = &now
	}
}

// GetQuantize returns one job by ID.
func (e *Engine) GetQuantize(id string) (QuantizeJob, bool) {
	e.quantizeMu.Lock()
	defer e.quantizeMu.Unlock()
	job, ok := e.quantizeJobs[id]
	if !ok {
		return QuantizeJob{}, false
	}
	return job.view, true
}

// QuantizeJobs returns all jobs, newest first.
func (e *Engine) QuantizeJobs() []QuantizeJob {
	e.quantizeMu.Lock()
	defer e.quantizeMu.Unlock()
	out := make([]QuantizeJob, 0, len(e.quantizeJobs))
	for _, job := range e.quantizeJobs {
		out = append(out, job.view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Close cancels any running quantization jobs.
func (e *Engine) Close() {
	e.quantizeMu.Lock()
	defer e.quantizeMu.Unlock()
	for _, job := range e.quantizeJobs {
		job.cancel()
	}
}

func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
