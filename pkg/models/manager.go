// Package models manages the on-disk model cache: listing, reference
// resolution, deletion, size estimation, and downloads with the
// admin confirmation flow.
//
// The cache is laid out as <root>/<org>/<repo>/<files...>. A JSON index
// at <root>/index.json carries the metadata the filesystem cannot
// (revision, download time); everything else is rediscovered by scanning
// so models copied in by hand are picked up too.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	parser "github.com/gpustack/gguf-parser-go"
	"github.com/moby/sys/atomicwriter"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const indexFileName = "index.json"

// ErrAmbiguousRef marks a reference whose suffix matches more than one
// local model.
var ErrAmbiguousRef = errors.New("ambiguous model reference")

// Format identifies the artifact layout of a cached model.
type Format string

const (
	// FormatGGUF is a single-file (possibly sharded) GGUF model.
	FormatGGUF Format = "gguf"
	// FormatSafetensors is a safetensors directory (mlx models).
	FormatSafetensors Format = "safetensors"
)

// Model describes one cached model.
type Model struct {
	// ID is the org/repo reference.
	ID string `json:"id"`
	// Path is the model directory under the cache root.
	Path string `json:"path"`
	// ArtifactPath is what a backend loads: the primary .gguf file for
	// GGUF models, the directory itself for safetensors models.
	ArtifactPath string `json:"artifact_path"`
	Format       Format `json:"format"`
	SizeBytes    int64  `json:"size_bytes"`
	Files        int    `json:"files"`
	// Family is the model architecture when it could be read from
	// metadata (gguf header or config.json).
	Family       string    `json:"family,omitempty"`
	Quantization string    `json:"quantization,omitempty"`
	Revision     string    `json:"revision,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`
}

// indexEntry is the per-model metadata persisted in index.json.
type indexEntry struct {
	Revision     string    `json:"revision,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`
}

// Config carries the model manager settings.
type Config struct {
	// Root is the cache root directory.
	Root string
	// HubURL is the model hub base URL. Defaults to the Hugging Face
	// hub; tests point it at a local server.
	HubURL string
	// Token is the hub access token, sent as a bearer token when set.
	Token string
	// MaxConcurrentDownloads caps parallel download tasks.
	MaxConcurrentDownloads int
	// HTTPClient overrides the default download client.
	HTTPClient *http.Client
}

// Manager handles the business logic for model management operations.
type Manager struct {
	// log is the associated logger.
	log        logging.Logger
	config     Config
	httpClient *http.Client

	// mu guards models and meta.
	mu     sync.RWMutex
	models map[string]*Model
	meta   map[string]indexEntry

	// inUse reports whether a model is currently loaded; set by the
	// engine wiring. Delete refuses loaded models.
	inUse func(modelID string) bool

	// downloadMu guards downloads.
	downloadMu sync.Mutex
	downloads  map[string]*DownloadTask
	// pullTokens is a semaphore used to restrict the maximum number of
	// concurrent downloads.
	pullTokens chan struct{}
	// autoLoad is invoked after a download completes when the task asked
	// for it; set by the engine wiring.
	autoLoad func(modelID string)

	confirmations *confirmationStore
}

// NewManager creates a model manager rooted at config.Root and scans the
// cache.
func NewManager(log logging.Logger, config Config) (*Manager, error) {
	if config.Root == "" {
		return nil, errors.New("model cache root is required")
	}
	if config.HubURL == "" {
		config.HubURL = "https://huggingface.co"
	}
	config.HubURL = strings.TrimRight(config.HubURL, "/")
	if config.MaxConcurrentDownloads <= 0 {
		config.MaxConcurrentDownloads = 2
	}
	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating model cache root: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}

	tokens := make(chan struct{}, config.MaxConcurrentDownloads)
	for i := 0; i < config.MaxConcurrentDownloads; i++ {
		tokens <- struct{}{}
	}

	m := &Manager{
		log:           log,
		config:        config,
		httpClient:    httpClient,
		models:        make(map[string]*Model),
		meta:          make(map[string]indexEntry),
		downloads:     make(map[string]*DownloadTask),
		pullTokens:    tokens,
		confirmations: newConfirmationStore(),
	}
	m.loadIndex()
	if err := m.Rescan(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetInUseCheck installs the loaded-model predicate consulted by Delete.
func (m *Manager) SetInUseCheck(fn func(modelID string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse = fn
}

// SetAutoLoadFunc installs the callback invoked when a download that
// requested auto-load completes.
func (m *Manager) SetAutoLoadFunc(fn func(modelID string)) {
	m.downloadMu.Lock()
	defer m.downloadMu.Unlock()
	m.autoLoad = fn
}

// Root returns the cache root directory.
func (m *Manager) Root() string {
	return m.config.Root
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.config.Root, indexFileName)
}

func (m *Manager) loadIndex() {
	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warnf("failed to read model index: %v", err)
		}
		return
	}
	meta := make(map[string]indexEntry)
	if err := json.Unmarshal(data, &meta); err != nil {
		m.log.Warnf("model index is corrupt, rebuilding: %v", err)
		return
	}
	m.meta = meta
}

func (m *Manager) saveIndexLocked() {
	data, err := json.MarshalIndent(m.meta, "", "  ")
	if err != nil {
		m.log.Warnf("failed to encode model index: %v", err)
		return
	}
	if err := atomicwriter.WriteFile(m.indexPath(), data, 0o644); err != nil {
		m.log.Warnf("failed to write model index: %v", err)
	}
}

// Rescan reconciles the in-memory view with the cache directory.
func (m *Manager) Rescan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rescanLocked()
}

func (m *Manager) rescanLocked() error {
	found := make(map[string]*Model)
	orgs, err := os.ReadDir(m.config.Root)
	if err != nil {
		return fmt.Errorf("reading model cache root: %w", err)
	}
	for _, org := range orgs {
		if !org.IsDir() {
			continue
		}
		orgPath := filepath.Join(m.config.Root, org.Name())
		repos, err := os.ReadDir(orgPath)
		if err != nil {
			m.log.Warnf("failed to read %s: %v", org.Name(), err)
			continue
		}
		for _, repo := range repos {
			if !repo.IsDir() {
				continue
			}
			id := org.Name() + "/" + repo.Name()
			model, err := inspectModelDir(id, filepath.Join(orgPath, repo.Name()))
			if err != nil {
				m.log.Warnf("failed to inspect model %s: %v", utils.SanitizeForLog(id), err)
				continue
			}
			if model == nil {
				continue
			}
			if meta, ok := m.meta[id]; ok {
				model.Revision = meta.Revision
				model.DownloadedAt = meta.DownloadedAt
			}
			found[id] = model
		}
	}

	// Drop index metadata for models no longer on disk.
	changed := false
	for id := range m.meta {
		if _, ok := found[id]; !ok {
			delete(m.meta, id)
			changed = true
		}
	}
	m.models = found
	if changed {
		m.saveIndexLocked()
	}
	return nil
}

// inspectModelDir classifies one repo directory. Returns nil when the
// directory holds no recognizable model artifact.
func inspectModelDir(id, dir string) (*Model, error) {
	var (
		totalSize int64
		files     int
		ggufs     []string
		tensors   bool
	)
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
		totalSize += info.Size()
		files++
		switch {
		case strings.HasSuffix(path, ".gguf"):
			ggufs = append(ggufs, path)
		case strings.HasSuffix(path, ".safetensors"):
			tensors = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	model := &Model{
		ID:        id,
		Path:      dir,
		SizeBytes: totalSize,
		Files:     files,
	}
	switch {
	case len(ggufs) > 0:
		model.Format = FormatGGUF
		model.ArtifactPath = primaryShard(ggufs)
		if gf, err := parser.ParseGGUFFile(model.ArtifactPath); err == nil {
			md := gf.Metadata()
			model.Family = strings.TrimSpace(md.Architecture)
			model.Quantization = strings.TrimSpace(md.FileType.String())
		}
	case tensors:
		model.Format = FormatSafetensors
		model.ArtifactPath = dir
		model.Family, model.Quantization = readTensorConfig(dir)
	default:
		return nil, nil
	}
	return model, nil
}

// primaryShard picks the gguf file a backend should be pointed at: the
// first shard of a sharded model, otherwise the largest file.
func primaryShard(paths []string) string {
	if len(paths) == 1 {
		return paths[0]
	}
	for _, path := range paths {
		if strings.Contains(filepath.Base(path), "-00001-of-") {
			return path
		}
	}
	largest := paths[0]
	var largestSize int64 = -1
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && info.Size() > largestSize {
			largest, largestSize = path, info.Size()
		}
	}
	return largest
}

// readTensorConfig pulls architecture and quantization hints from a
// safetensors model's config.json. Best effort; absent fields stay empty.
func readTensorConfig(dir string) (family, quantization string) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return "", ""
	}
	var config struct {
		ModelType    string `json:"model_type"`
		Quantization *struct {
			Bits int `json:"bits"`
		} `json:"quantization"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return "", ""
	}
	family = config.ModelType
	if config.Quantization != nil && config.Quantization.Bits > 0 {
		quantization = fmt.Sprintf("%d-bit", config.Quantization.Bits)
	}
	return family, quantization
}

// List returns all cached models sorted by ID.
func (m *Manager) List() []*Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Model, 0, len(m.models))
	for _, model := range m.models {
		copied := *model
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the model with the exact ID.
func (m *Manager) Get(id string) (*Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.models[id]
	if !ok {
		return nil, false
	}
	copied := *model
	return &copied, true
}

// Resolve maps a reference to a cached model: exact ID first, then a
// unique "…/suffix" match. An ambiguous reference errors with the
// candidates; an unknown one wraps ErrModelNotFound.
func (m *Manager) Resolve(ref string) (*Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if model, ok := m.models[ref]; ok {
		copied := *model
		return &copied, nil
	}
	var matches []*Model
	for _, model := range m.models {
		if strings.HasSuffix(model.ID, "/"+ref) {
			matches = append(matches, model)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", inference.ErrModelNotFound, utils.SanitizeForLog(ref))
	case 1:
		copied := *matches[0]
		return &copied, nil
	default:
		ids := make([]string, len(matches))
		for i, match := range matches {
			ids[i] = match.ID
		}
		sort.Strings(ids)
		return nil, fmt.Errorf("%w %q: matches %s", ErrAmbiguousRef, utils.SanitizeForLog(ref), strings.Join(ids, ", "))
	}
}

// Delete removes a model from the cache. Loaded models are refused.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.models[id]
	if !ok {
		return fmt.Errorf("%w: %s", inference.ErrModelNotFound, utils.SanitizeForLog(id))
	}
	if m.inUse != nil && m.inUse(id) {
		return fmt.Errorf("%w: %s", inference.ErrModelInUse, id)
	}
	if err := os.RemoveAll(model.Path); err != nil {
		return fmt.Errorf("error while deleting model: %w", err)
	}
	// Prune the org directory if this was its last repo.
	orgDir := filepath.Dir(model.Path)
	if entries, err := os.ReadDir(orgDir); err == nil && len(entries) == 0 {
		_ = os.Remove(orgDir)
	}
	delete(m.models, id)
	delete(m.meta, id)
	m.saveIndexLocked()
	m.log.Infof("deleted model %s", id)
	return nil
}

// recordDownloaded stamps index metadata for a just-downloaded model and
// rescans so it becomes visible.
func (m *Manager) recordDownloaded(id, revision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[id] = indexEntry{Revision: revision, DownloadedAt: time.Now().UTC()}
	if err := m.rescanLocked(); err != nil {
		m.log.Warnf("rescan after download failed: %v", err)
	}
	m.saveIndexLocked()
}

// TotalBytes returns the summed size of all cached models.
func (m *Manager) TotalBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, model := range m.models {
		total += model.SizeBytes
	}
	return total
}
