package presets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const watchDebounce = 250 * time.Millisecond

// Manager loads presets from a directory of YAML files and keeps them
// current while the directory is watched. All accessors return copies.
type Manager struct {
	log logging.Logger
	dir string

	mu      sync.RWMutex
	presets map[string]*Preset

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewManager creates the presets directory if needed and performs the
// initial load. Files that fail to parse or validate are skipped with a
// warning rather than failing startup.
func NewManager(log logging.Logger, dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error while creating presets directory: %w", err)
	}
	m := &Manager{
		log:     log,
		dir:     dir,
		presets: make(map[string]*Preset),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads every preset file in the directory and swaps in the
// result.
func (m *Manager) Reload() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("error while reading presets directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	loaded := make(map[string]*Preset, len(names))
	for _, name := range names {
		preset, err := m.readFile(filepath.Join(m.dir, name))
		if err != nil {
			m.log.WithError(err).Warnf("skipping preset file %s", name)
			continue
		}
		if _, dup := loaded[preset.Name]; dup {
			m.log.Warnf("preset %s redefined by %s", preset.Name, name)
		}
		loaded[preset.Name] = preset
	}

	m.mu.Lock()
	m.presets = loaded
	m.mu.Unlock()
	m.log.WithField("dir", m.dir).Infof("loaded %d presets", len(loaded))
	return nil
}

func (m *Manager) readFile(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var preset Preset
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return nil, err
	}
	if preset.Name == "" {
		base := filepath.Base(path)
		preset.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := preset.Validate(); err != nil {
		return nil, err
	}
	return &preset, nil
}

// Get returns the named preset.
func (m *Manager) Get(name string) (*Preset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	preset, ok := m.presets[name]
	if !ok {
		return nil, false
	}
	return preset.clone(), true
}

// List returns all presets sorted by name.
func (m *Manager) List() []*Preset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Preset, 0, len(m.presets))
	for _, preset := range m.presets {
		out = append(out, preset.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save validates the preset and writes it to <dir>/<name>.yaml
// atomically, replacing any in-memory entry.
func (m *Manager) Save(preset *Preset) error {
	if err := preset.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(preset)
	if err != nil {
		return fmt.Errorf("error while encoding preset %s: %w", preset.Name, err)
	}
	path := filepath.Join(m.dir, preset.Name+".yaml")
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error while writing preset %s: %w", preset.Name, err)
	}

	m.mu.Lock()
	m.presets[preset.Name] = preset.clone()
	m.mu.Unlock()
	m.log.WithField("preset", preset.Name).Info("preset saved")
	return nil
}

// Delete removes the named preset and its file.
func (m *Manager) Delete(name string) error {
	if !namePat.MatchString(name) {
		return fmt.Errorf("invalid preset name %q", utils.SanitizeForLog(name))
	}

	m.mu.Lock()
	_, ok := m.presets[name]
	delete(m.presets, name)
	m.mu.Unlock()

	removed := false
	for _, ext := range []string{".yaml", ".yml"} {
		err := os.Remove(filepath.Join(m.dir, name+ext))
		if err == nil {
			removed = true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("error while deleting preset %s: %w", name, err)
		}
	}
	if !ok && !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.log.WithField("preset", name).Info("preset deleted")
	return nil
}

// Apply resolves a "preset:<name>" model reference against the request.
func (m *Manager) Apply(req *inference.CompletionRequest) (*inference.CompletionRequest, error) {
	name := RefName(req.Model)
	preset, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, utils.SanitizeForLog(name))
	}
	return preset.Apply(req), nil
}

// Watch reloads the directory on file changes until ctx is cancelled or
// Close is called. Reload bursts are debounced.
func (m *Manager) Watch(ctx context.Context) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error while creating preset watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("error while watching presets directory: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.watchCancel = cancel
	m.watchWg.Add(1)
	go m.watchLoop(watchCtx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.watchWg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if err := m.Reload(); err != nil {
				m.log.WithError(err).Warn("preset reload failed")
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.log.WithError(err).Warn("preset watch error")
		}
	}
}

// Close stops the watcher if one is running.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	watcher := m.watcher
	cancel := m.watchCancel
	m.watcher = nil
	m.watchCancel = nil
	m.watchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}
