package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/opta-ai/opta-lmx/pkg/logging"
)

// Skill is a registered manifest plus its compiled schemas and the
// directory it was loaded from. Entrypoint workers are resolved
// relative to Dir.
type Skill struct {
	Manifest Manifest
	Dir      string

	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// ValidateInput checks decoded arguments against the input schema.
func (s *Skill) ValidateInput(args map[string]interface{}) error {
	if s.input == nil {
		return nil
	}
	decoded, err := roundTrip(args)
	if err != nil {
		return err
	}
	return s.input.Validate(decoded)
}

// ValidateOutput checks a worker's output against the output schema.
func (s *Skill) ValidateOutput(out interface{}) error {
	if s.output == nil {
		return nil
	}
	decoded, err := roundTrip(out)
	if err != nil {
		return err
	}
	return s.output.Validate(decoded)
}

// Registry indexes skills loaded from the configured directories under
// both their unversioned and fully-qualified aliases.
type Registry struct {
	log  logging.Logger
	dirs []string

	mu    sync.RWMutex
	byRef map[string]*Skill
}

// NewRegistry performs the initial scan. Manifests that fail
// validation are skipped with a warning rather than failing startup.
func NewRegistry(log logging.Logger, dirs []string) (*Registry, error) {
	r := &Registry{
		log:   log.WithField("component", "skills"),
		dirs:  dirs,
		byRef: make(map[string]*Skill),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-scans every configured directory and swaps in the result.
// A missing directory is skipped, not an error.
func (r *Registry) Reload() error {
	loaded := make(map[string]*Skill)
	count := 0
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("error while reading skills directory: %w", err)
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

		for _, name := range names {
			skill, err := r.readFile(filepath.Join(dir, name))
			if err != nil {
				r.log.WithError(err).Warnf("skipping skill manifest %s", name)
				continue
			}
			full := skill.Manifest.FullName()
			if _, dup := loaded[full]; dup {
				r.log.Warnf("skill %s redefined by %s", full, name)
			}
			loaded[full] = skill
			count++

			// The unversioned alias tracks the highest version.
			ref := skill.Manifest.Ref()
			if prev, ok := loaded[ref]; !ok || compareVersions(skill.Manifest.Version, prev.Manifest.Version) > 0 {
				loaded[ref] = skill
			}
		}
	}

	r.mu.Lock()
	r.byRef = loaded
	r.mu.Unlock()
	r.log.Infof("registered %d skills", count)
	return nil
}

func (r *Registry) readFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	input, err := compileSchema(manifest.FullName()+"/input.schema.json", manifest.InputSchema)
	if err != nil {
		return nil, err
	}
	output, err := compileSchema(manifest.FullName()+"/output.schema.json", manifest.OutputSchema)
	if err != nil {
		return nil, err
	}
	return &Skill{
		Manifest: manifest,
		Dir:      filepath.Dir(path),
		input:    input,
		output:   output,
	}, nil
}

// Resolve looks up a skill by either alias form.
func (r *Registry) Resolve(ref string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if skill, ok := r.byRef[ref]; ok {
		return skill, nil
	}
	return nil, ErrSkillNotFound
}

// List returns every registered skill once, sorted by fully-qualified
// name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.byRef))
	out := make([]*Skill, 0, len(r.byRef))
	for _, skill := range r.byRef {
		full := skill.Manifest.FullName()
		if seen[full] {
			continue
		}
		seen[full] = true
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.FullName() < out[j].Manifest.FullName()
	})
	return out
}
