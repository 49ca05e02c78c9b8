// Package mlx serves models through mlx_lm.server workers.
//
// This backend:
//   - Only works on macOS with Apple Silicon (arm64)
//   - Requires Python 3.8 or later with the mlx-lm package
//   - Uses models in safetensors format
//
// The mlx-lm server is invoked as:
//
//	python -m mlx_lm.server --model <path> --host <socket>
package mlx

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/inference/backends"
	"github.com/opta-ai/opta-lmx/pkg/inference/platform"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

// Name is the backend name.
const Name = "mlx"

// Config carries the launch settings for mlx workers.
type Config struct {
	// SocketDir is where per-model worker sockets live.
	SocketDir string
	// Python is the interpreter used to run mlx_lm.server. Point it at a
	// virtual environment's python3 to pin the mlx-lm install.
	Python string
	// StartupTimeout bounds the wait for a worker to become healthy.
	StartupTimeout time.Duration
}

// Backend launches one mlx_lm.server subprocess per loaded model.
type Backend struct {
	// log is the associated logger.
	log logging.Logger
	// serverLog is the logger to use for the mlx-lm server processes.
	serverLog logging.Logger
	config    Config

	versionOnce sync.Once
	version     string
}

// New creates the mlx backend.
func New(log, serverLog logging.Logger, config Config) *Backend {
	if config.Python == "" {
		config.Python = "python3"
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 120 * time.Second
	}
	return &Backend{log: log, serverLog: serverLog, config: config}
}

// Name implements inference.Backend.Name.
func (b *Backend) Name() string {
	return Name
}

// Kind implements inference.Backend.Kind.
func (b *Backend) Kind() inference.Kind {
	return inference.KindMLX
}

// Supported implements inference.Backend.Supported.
func (b *Backend) Supported() bool {
	return platform.SupportsMLX()
}

// Version probes the installed mlx-lm version once and caches it.
func (b *Backend) Version() string {
	b.versionOnce.Do(func() {
		b.version = "unknown"
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, b.config.Python, "-c", "import mlx_lm; print(mlx_lm.__version__)").Output()
		if err != nil {
			b.log.Debugf("mlx version probe failed: %v", err)
			return
		}
		if version := strings.TrimSpace(string(out)); version != "" {
			b.version = version
		}
	})
	return b.version
}

// workerArgs builds the mlx_lm.server argv for a model spec. Speculative
// arguments are included only when withDraft is set so Load can retry a
// failed launch without them.
func (b *Backend) workerArgs(spec inference.ModelSpec, socket string, withDraft bool) ([]string, error) {
	args := []string{
		b.config.Python, "-m", "mlx_lm.server",
		"--model", spec.ArtifactPath,
		"--host", socket,
	}
	if spec.ContextLength > 0 {
		args = append(args, "--max-kv-size", strconv.Itoa(spec.ContextLength))
	}
	if spec.Profile.KVBits != nil {
		args = append(args, "--kv-bits", strconv.Itoa(*spec.Profile.KVBits))
	}
	if spec.Profile.KVGroupSize != nil {
		args = append(args, "--kv-group-size", strconv.Itoa(*spec.Profile.KVGroupSize))
	}
	if spec.Profile.PrefixCache != nil {
		if *spec.Profile.PrefixCache {
			args = append(args, "--prompt-cache")
		} else {
			args = append(args, "--no-prompt-cache")
		}
	}
	if withDraft && spec.Speculative != nil {
		args = append(args, "--draft-model", spec.DraftArtifactPath)
		if spec.Speculative.NumTokens > 0 {
			args = append(args, "--num-draft-tokens", strconv.Itoa(spec.Speculative.NumTokens))
		}
	}
	flags, err := spec.Profile.ResolveFlags(inference.KindMLX)
	if err != nil {
		return nil, err
	}
	return append(args, flags...), nil
}

// Load implements inference.Backend.Load. When the speculative
// configuration cannot be honored the load degrades to plain decoding
// unless the profile requires support.
func (b *Backend) Load(ctx context.Context, spec inference.ModelSpec) (inference.Runner, error) {
	socket := backends.SocketPath(b.config.SocketDir, Name, spec.ModelID)
	info := inference.RunnerInfo{Kind: inference.KindMLX, Version: b.Version()}

	withDraft := spec.Speculative != nil
	if withDraft && spec.DraftArtifactPath == "" {
		if spec.Speculative.RequireSupported {
			return nil, fmt.Errorf("%w: draft model %q is not available locally", inference.ErrNotSupported, spec.Speculative.DraftModel)
		}
		b.log.Warnf("model %s: draft model %q not available, loading without speculative decoding", spec.ModelID, spec.Speculative.DraftModel)
		info.SpeculativeReason = "draft model unavailable"
		withDraft = false
	}

	args, err := b.workerArgs(spec, socket, withDraft)
	if err != nil {
		return nil, err
	}
	worker, err := b.startWorker(ctx, spec.ModelID, socket, args)
	if err != nil && withDraft && !spec.Speculative.RequireSupported {
		b.log.WithError(err).Warnf("model %s: speculative launch failed, retrying without draft model", spec.ModelID)
		info.SpeculativeReason = "worker rejected speculative configuration"
		withDraft = false
		if args, err = b.workerArgs(spec, socket, false); err != nil {
			return nil, err
		}
		worker, err = b.startWorker(ctx, spec.ModelID, socket, args)
	}
	if err != nil {
		return nil, err
	}

	info.SpeculativeActive = withDraft
	return backends.NewRunner(worker, spec.ModelID, info), nil
}

func (b *Backend) startWorker(ctx context.Context, modelID, socket string, args []string) (*backends.Worker, error) {
	return backends.StartWorker(ctx, b.log.WithField("model", modelID), b.serverLog, backends.WorkerConfig{
		Name:           Name,
		Command:        args,
		Env:            []string{"PYTHONUNBUFFERED=1"},
		Socket:         socket,
		HealthPath:     "/health",
		StartupTimeout: b.config.StartupTimeout,
	})
}
