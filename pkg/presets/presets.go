// Package presets manages named request presets: YAML files that bundle
// a target model with sampling defaults, a system prompt, and load-time
// settings. A request addressed to "preset:<name>" is rewritten through
// its preset before routing.
package presets

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/inference"
)

// Prefix marks a model reference as a preset name.
const Prefix = "preset:"

// ErrNotFound is returned when no preset exists under the given name.
var ErrNotFound = errors.New("preset not found")

// Preset names become file names, so they are restricted to a
// path-safe charset.
var namePat = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Preset is a named bundle of model target and request defaults. The
// sampling fields are defaults only; values supplied on the request
// always win.
type Preset struct {
	Name         string                 `yaml:"name" json:"name"`
	Model        string                 `yaml:"model" json:"model"`
	Temperature  *float64               `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP         *float64               `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	TopK         *int                   `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	MaxTokens    *int                   `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Stop         []string               `yaml:"stop,omitempty" json:"stop,omitempty"`
	SystemPrompt string                 `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Profile      *inference.PerfProfile `yaml:"profile,omitempty" json:"profile,omitempty"`
	KeepAlive    string                 `yaml:"keep_alive,omitempty" json:"keep_alive,omitempty"`
}

// IsRef reports whether a model reference names a preset.
func IsRef(model string) bool {
	return strings.HasPrefix(model, Prefix)
}

// RefName extracts the preset name from a "preset:<name>" reference.
func RefName(model string) string {
	return strings.TrimPrefix(model, Prefix)
}

// Validate checks the preset for use and persistence.
func (p *Preset) Validate() error {
	if p.Name == "" {
		return errors.New("preset name is required")
	}
	if !namePat.MatchString(p.Name) {
		return fmt.Errorf("invalid preset name %q", p.Name)
	}
	if p.Model == "" {
		return fmt.Errorf("preset %s: model is required", p.Name)
	}
	if p.KeepAlive != "" {
		if _, err := time.ParseDuration(p.KeepAlive); err != nil {
			return fmt.Errorf("preset %s: invalid keep_alive: %w", p.Name, err)
		}
	}
	if p.Profile != nil {
		if err := inference.ValidateRuntimeFlags(p.Profile.RuntimeFlags); err != nil {
			return fmt.Errorf("preset %s: %w", p.Name, err)
		}
	}
	return nil
}

// KeepAliveDuration parses the keep_alive field. Nil means the preset
// does not override the engine default.
func (p *Preset) KeepAliveDuration() (*time.Duration, error) {
	if p.KeepAlive == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(p.KeepAlive)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Apply returns a copy of req rewritten through the preset: the model
// target is replaced, unset sampling fields take the preset defaults,
// and the system prompt is prepended when the request carries no system
// message. The input request is not modified.
func (p *Preset) Apply(req *inference.CompletionRequest) *inference.CompletionRequest {
	out := *req
	out.Model = p.Model

	s := &out.Sampling
	if s.Temperature == nil {
		s.Temperature = p.Temperature
	}
	if s.TopP == nil {
		s.TopP = p.TopP
	}
	if s.TopK == nil {
		s.TopK = p.TopK
	}
	if s.MaxTokens == nil {
		s.MaxTokens = p.MaxTokens
	}
	if len(s.Stop) == 0 && len(p.Stop) > 0 {
		s.Stop = append([]string(nil), p.Stop...)
	}

	if p.SystemPrompt != "" && !hasSystemMessage(req.Messages) {
		msgs := make([]inference.Message, 0, len(req.Messages)+1)
		msgs = append(msgs, inference.Message{Role: "system", Content: p.SystemPrompt})
		msgs = append(msgs, req.Messages...)
		out.Messages = msgs
	}
	return &out
}

func hasSystemMessage(messages []inference.Message) bool {
	for _, m := range messages {
		if m.Role == "system" {
			return true
		}
	}
	return false
}

func (p *Preset) clone() *Preset {
	c := *p
	if p.Stop != nil {
		c.Stop = append([]string(nil), p.Stop...)
	}
	if p.Profile != nil {
		prof := *p.Profile
		c.Profile = &prof
	}
	return &c
}
