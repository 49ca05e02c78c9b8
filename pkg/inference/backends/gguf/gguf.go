// Package gguf serves GGUF models through llama-server workers. It runs
// on every platform the daemon builds for and is the fallback backend
// when no accelerated runtime matches.
//
// The server is invoked as:
//
//	llama-server --model <path> --host <socket>
package gguf

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
const Name = "gguf"

// Config carries the launch settings for llama-server workers.
type Config struct {
	// SocketDir is where per-model worker sockets live.
	SocketDir string
	// ServerBin is the llama-server binary to launch.
	ServerBin string
	// StartupTimeout bounds the wait for a worker to become healthy.
	StartupTimeout time.Duration
}

// Backend launches one llama-server subprocess per loaded model.
type Backend struct {
	// log is the associated logger.
	log logging.Logger
	// serverLog is the logger to use for the llama-server processes.
	serverLog logging.Logger
	config    Config

	versionOnce sync.Once
	version     string
}

// New creates the gguf backend.
func New(log, serverLog logging.Logger, config Config) *Backend {
	if config.ServerBin == "" {
		config.ServerBin = "llama-server"
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
	return inference.KindGGUF
}

// Supported implements inference.Backend.Supported.
func (b *Backend) Supported() bool {
	return platform.SupportsGGUF()
}

// Version probes llama-server once and caches the reported build.
func (b *Backend) Version() string {
	b.versionOnce.Do(func() {
		b.version = "unknown"
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// llama-server prints its build line to stderr.
		out, err := exec.CommandContext(ctx, b.config.ServerBin, "--version").CombinedOutput()
		if err != nil {
			b.log.Debugf("llama-server version probe failed: %v", err)
			return
		}
		for _, line := range strings.Split(string(out), "\n") {
			if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "version:"); ok {
				if version := strings.TrimSpace(rest); version != "" {
					b.version = version
				}
				return
			}
		}
	})
	return b.version
}

// kvCacheType maps a KV quantization bit width onto llama-server cache
// type names.
func kvCacheType(bits int) (string, error) {
	switch bits {
	case 4:
		return "q4_0", nil
	case 8:
		return "q8_0", nil
	case 16:
		return "f16", nil
	default:
		return "", fmt.Errorf("kv_bits %d is not supported by the gguf backend", bits)
	}
}

// workerArgs builds the llama-server argv for a model spec. Speculative
// arguments are included only when withDraft is set so Load can retry a
// failed launch without them.
func (b *Backend) workerArgs(spec inference.ModelSpec, socket string, withDraft bool) ([]string, error) {
	args := []string{
		b.config.ServerBin,
		"--model", spec.ArtifactPath,
		"--host", socket,
		"--jinja",
	}
	if spec.ContextLength > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(spec.ContextLength))
	}
	if spec.Profile.KVBits != nil {
		cacheType, err := kvCacheType(*spec.Profile.KVBits)
		if err != nil {
			return nil, err
		}
		args = append(args, "--cache-type-k", cacheType, "--cache-type-v", cacheType)
	}
	if spec.Profile.KVGroupSize != nil {
		return nil, fmt.Errorf("kv_group_size is not supported by the gguf backend")
	}
	if spec.Profile.PrefixCache != nil && *spec.Profile.PrefixCache {
		// llama-server only reuses cached prefixes when asked.
		args = append(args, "--cache-reuse", "256")
	}
	if withDraft && spec.Speculative != nil {
		args = append(args, "--model-draft", spec.DraftArtifactPath)
		if spec.Speculative.NumTokens > 0 {
			args = append(args, "--draft-max", strconv.Itoa(spec.Speculative.NumTokens))
		}
	}
	flags, err := spec.Profile.ResolveFlags(inference.KindGGUF)
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
	info := inference.RunnerInfo{Kind: inference.KindGGUF, Version: b.Version()}

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
		Socket:         socket,
		HealthPath:     "/health",
		StartupTimeout: b.config.StartupTimeout,
	})
}
