package models

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	parser "github.com/gpustack/gguf-parser-go"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
)

// memoryOverheadFactor scales raw artifact bytes to cover runtime buffers
// and the KV cache at default context (approximately 20% overhead).
const memoryOverheadFactor = 1.2

// EstimateMemory returns the estimated bytes needed to serve a model.
// GGUF models are sized through the gguf parser, falling back to file
// sizes when a header cannot be read; safetensors directories are walked
// and scaled.
func (m *Manager) EstimateMemory(id string) (uint64, error) {
	model, ok := m.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", inference.ErrModelNotFound, utils.SanitizeForLog(id))
	}
	switch model.Format {
	case FormatGGUF:
		return estimateGGUF(model.ArtifactPath)
	case FormatSafetensors:
		return estimateTensorDir(model.Path)
	default:
		return scaleEstimate(model.SizeBytes), nil
	}
}

func estimateGGUF(path string) (uint64, error) {
	shards := parser.CompleteShardGGUFFilename(path)
	if len(shards) == 0 {
		shards = []string{path}
	}
	var total int64
	for _, shard := range shards {
		if gf, err := parser.ParseGGUFFile(shard); err == nil {
			total += int64(gf.Metadata().Size)
			continue
		}
		info, err := os.Stat(shard)
		if err != nil {
			return 0, fmt.Errorf("sizing model shard: %w", err)
		}
		total += info.Size()
	}
	return scaleEstimate(total), nil
}

func estimateTensorDir(dir string) (uint64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("calculating model size: %w", err)
	}
	return scaleEstimate(total), nil
}

func scaleEstimate(bytes int64) uint64 {
	if bytes <= 0 {
		return 0
	}
	return uint64(float64(bytes) * memoryOverheadFactor)
}
