package inference

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"
)

// PerfProfile is a sparse set of performance settings applied at load
// time. Layers merge engine globals ← preset ← request, later layers
// winning field by field. MemoryEstimateGB is metadata only and never
// forwarded to a worker.
type PerfProfile struct {
	KVBits           *int               `json:"kv_bits,omitempty" yaml:"kv_bits,omitempty"`
	KVGroupSize      *int               `json:"kv_group_size,omitempty" yaml:"kv_group_size,omitempty"`
	PrefixCache      *bool              `json:"prefix_cache,omitempty" yaml:"prefix_cache,omitempty"`
	Speculative      *SpeculativeConfig `json:"speculative,omitempty" yaml:"speculative,omitempty"`
	MemoryEstimateGB *float64           `json:"memory_estimate_gb,omitempty" yaml:"memory_estimate_gb,omitempty"`
	ContextSize      *int               `json:"context_size,omitempty" yaml:"context_size,omitempty"`
	RuntimeFlags     []string           `json:"runtime_flags,omitempty" yaml:"runtime_flags,omitempty"`
	RawRuntimeFlags  string             `json:"raw_runtime_flags,omitempty" yaml:"raw_runtime_flags,omitempty"`
}

// MergeProfiles folds layers left to right; later layers override set
// fields. Runtime flags replace wholesale rather than appending so a
// request can fully restate a preset's flags.
func MergeProfiles(layers ...PerfProfile) PerfProfile {
	var merged PerfProfile
	for _, layer := range layers {
		if layer.KVBits != nil {
			merged.KVBits = layer.KVBits
		}
		if layer.KVGroupSize != nil {
			merged.KVGroupSize = layer.KVGroupSize
		}
		if layer.PrefixCache != nil {
			merged.PrefixCache = layer.PrefixCache
		}
		if layer.Speculative != nil {
			merged.Speculative = layer.Speculative
		}
		if layer.MemoryEstimateGB != nil {
			merged.MemoryEstimateGB = layer.MemoryEstimateGB
		}
		if layer.ContextSize != nil {
			merged.ContextSize = layer.ContextSize
		}
		if len(layer.RuntimeFlags) > 0 {
			merged.RuntimeFlags = layer.RuntimeFlags
		}
		if layer.RawRuntimeFlags != "" {
			merged.RawRuntimeFlags = layer.RawRuntimeFlags
		}
	}
	return merged
}

// ResolveFlags returns the profile's runtime flags validated for a
// backend kind: raw strings are tokenized with shellwords, path-like
// values are rejected, and every flag key must be on the backend's
// allowlist.
func (p PerfProfile) ResolveFlags(kind Kind) ([]string, error) {
	flags := p.RuntimeFlags
	if len(flags) == 0 && p.RawRuntimeFlags != "" {
		parsed, err := shellwords.Parse(p.RawRuntimeFlags)
		if err != nil {
			return nil, fmt.Errorf("invalid runtime flags: %w", err)
		}
		flags = parsed
	}
	if len(flags) == 0 {
		return nil, nil
	}
	if err := ValidateRuntimeFlags(flags); err != nil {
		return nil, err
	}

	allowed := AllowedFlags[kind]
	for _, flag := range flags {
		key := ParseFlagKey(flag)
		if key == "" {
			continue // a value for the preceding flag
		}
		if !allowed[key] {
			return nil, fmt.Errorf("runtime flag %q is not allowed for the %s backend", key, kind)
		}
	}
	return flags, nil
}

// ValidateRuntimeFlags ensures runtime flags don't contain paths (forward
// slash "/" or backslash "\") to prevent overwriting host files via
// arguments like --log-file /some/path.
//
// This validation rejects any flag or value containing "/" or "\" to block:
// - Unix/Linux/macOS absolute paths: /var/log/file, /etc/passwd
// - Unix/Linux/macOS relative paths: ../file.txt, ./config
// - Windows absolute paths: C:\Users\file, D:\data\file
// - UNC paths: \\network\share\file
func ValidateRuntimeFlags(flags []string) error {
	for _, flag := range flags {
		if strings.Contains(flag, "/") || strings.Contains(flag, "\\") {
			return fmt.Errorf("invalid runtime flag %q: paths are not allowed (contains '/' or '\\\\')", flag)
		}
	}
	return nil
}

// ParseFlagKey extracts the flag key from a flag string.
// "--threads=4" -> "--threads", "-t" -> "-t", "4" -> ""
func ParseFlagKey(flag string) string {
	if !strings.HasPrefix(flag, "-") {
		return "" // Not a flag, it's a value
	}
	if idx := strings.Index(flag, "="); idx != -1 {
		return flag[:idx]
	}
	return flag
}

// GGUFAllowedFlags contains safe tuning flags for the gguf worker, which
// wraps a llama.cpp server. Flags involving file paths are intentionally
// excluded; the supervisor passes artifact paths itself.
var GGUFAllowedFlags = map[string]bool{
	// Threading and CPU control
	"-t": true, "--threads": true,
	"-tb": true, "--threads-batch": true,

	// Context and prediction
	"-c": true, "--ctx-size": true,
	"-n": true, "--predict": true, "--n-predict": true,
	"--keep": true,

	// Batching and performance
	"-b": true, "--batch-size": true,
	"-ub": true, "--ubatch-size": true,
	"-fa": true, "--flash-attn": true,

	// Sampling
	"-s": true, "--seed": true,

	// GPU and device management
	"-ngl": true, "--gpu-layers": true, "--n-gpu-layers": true,
	"-mg": true, "--main-gpu": true,

	// Memory and caching
	"-ctk": true, "--cache-type-k": true,
	"-ctv": true, "--cache-type-v": true,
	"--mlock": true,
	"--mmap":  true, "--no-mmap": true,
	"--cache-reuse":      true,
	"--context-shift":    true,
	"--no-context-shift": true,

	// Server behavior
	"-np": true, "--parallel": true,
	"-cb": true, "--cont-batching": true,
	"-nocb": true, "--no-cont-batching": true,
	"--warmup": true, "--no-warmup": true,

	// Speculative decoding (no file paths; draft artifacts come from the
	// supervisor)
	"--draft-max": true, "--draft-min": true, "--draft-p-min": true,
	"-cd": true, "--ctx-size-draft": true,
	"-ngld": true, "--gpu-layers-draft": true,

	// Template and format control
	"--jinja": true, "--no-jinja": true,
	"--reasoning-format": true,
	"--reasoning-budget": true,
	"--pooling":          true,

	// Embedding
	"--embedding": true, "--embeddings": true,
}

// MLXAllowedFlags contains safe tuning flags for the mlx worker.
var MLXAllowedFlags = map[string]bool{
	"--max-kv-size":        true,
	"--kv-bits":            true,
	"--kv-group-size":      true,
	"--quantized-kv-start": true,
	"--prompt-cache":       true, "--no-prompt-cache": true,
	"--num-draft-tokens": true,
	"--max-tokens":       true,
	"--seed":             true,
	"--wired-limit-gb":   true,
	"--log-level":        true,
}

// AllowedFlags maps backend kinds to their allowed flag keys.
var AllowedFlags = map[Kind]map[string]bool{
	KindGGUF: GGUFAllowedFlags,
	KindMLX:  MLXAllowedFlags,
}
