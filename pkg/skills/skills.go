// Package skills loads versioned skill manifests and dispatches
// invocations under a sandbox policy: prompt skills render into engine
// requests, entrypoint skills exec a worker process with a JSON
// stdin/stdout contract.
package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind separates template-rendered skills from executable ones.
type Kind string

const (
	// KindPrompt renders the manifest's template into a completion
	// request.
	KindPrompt Kind = "prompt"
	// KindEntrypoint execs the referenced worker binary.
	KindEntrypoint Kind = "entrypoint"
)

// Risk and permission tags the policy gate recognizes.
const (
	TagApprovalRequired = "approval-required"
	TagShellExec        = "shell-exec"
	TagNetworkAccess    = "network-access"
)

// manifestSchemaVersion is the only manifest schema this build accepts.
const manifestSchemaVersion = 1

var (
	namePat       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	versionPat    = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	entrypointPat = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*:[A-Za-z0-9_]+$`)
)

// ErrSkillNotFound is returned for refs the registry cannot resolve.
var ErrSkillNotFound = errors.New("skill not found")

// Manifest is the on-disk skill descriptor.
type Manifest struct {
	// SchemaVersion tags the manifest format itself.
	SchemaVersion int `yaml:"schema_version" json:"schema_version"`

	// Namespace groups related skills; Name identifies the skill within it.
	Namespace string `yaml:"namespace" json:"namespace"`
	Name      string `yaml:"name" json:"name"`

	// Version is a semantic version. The unversioned alias resolves to
	// the highest registered version.
	Version string `yaml:"version" json:"version"`

	// Kind is prompt or entrypoint.
	Kind Kind `yaml:"kind" json:"kind"`

	// Description is surfaced by the skill listing and the MCP adapter.
	Description string `yaml:"description" json:"description,omitempty"`

	// PermissionTags declare capabilities the skill needs (shell-exec,
	// network-access); RiskTags drive the approval gate.
	PermissionTags []string `yaml:"permission_tags" json:"permission_tags,omitempty"`
	RiskTags       []string `yaml:"risk_tags" json:"risk_tags,omitempty"`

	// PromptTemplate is rendered with {name} placeholders for prompt
	// skills.
	PromptTemplate string `yaml:"prompt_template" json:"prompt_template,omitempty"`

	// Entrypoint references the worker in module:function form. The
	// module is an executable next to the manifest.
	Entrypoint string `yaml:"entrypoint" json:"entrypoint,omitempty"`

	// InputSchema and OutputSchema are JSON-schema fragments; both are
	// compiled at registration.
	InputSchema  map[string]interface{} `yaml:"input_schema" json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `yaml:"output_schema" json:"output_schema,omitempty"`

	// TimeoutSec caps one invocation; zero falls back to the dispatcher
	// default.
	TimeoutSec int `yaml:"timeout_sec" json:"timeout_sec,omitempty"`

	// FilesystemRoots are passed to entrypoint workers as their
	// permitted working areas.
	FilesystemRoots []string `yaml:"filesystem_roots" json:"filesystem_roots,omitempty"`

	// ModelPreferences order the models a prompt skill wants; the first
	// entry is used, falling back to auto routing.
	ModelPreferences []string `yaml:"model_preferences" json:"model_preferences,omitempty"`
}

// FullName is the fully-qualified alias: namespace/name@version.
func (m *Manifest) FullName() string {
	return fmt.Sprintf("%s/%s@%s", m.Namespace, m.Name, m.Version)
}

// Ref is the unversioned alias: namespace/name.
func (m *Manifest) Ref() string {
	return m.Namespace + "/" + m.Name
}

// EntrypointModule returns the module half of the entrypoint reference.
func (m *Manifest) EntrypointModule() string {
	module, _, _ := strings.Cut(m.Entrypoint, ":")
	return module
}

// EntrypointFunction returns the function half of the entrypoint
// reference.
func (m *Manifest) EntrypointFunction() string {
	_, fn, _ := strings.Cut(m.Entrypoint, ":")
	return fn
}

// HasTag reports whether tag appears in either tag list.
func (m *Manifest) HasTag(tag string) bool {
	for _, t := range m.PermissionTags {
		if t == tag {
			return true
		}
	}
	for _, t := range m.RiskTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Timeout returns the manifest timeout, or fallback when unset.
func (m *Manifest) Timeout(fallback time.Duration) time.Duration {
	if m.TimeoutSec > 0 {
		return time.Duration(m.TimeoutSec) * time.Second
	}
	return fallback
}

// Validate checks the manifest before registration.
func (m *Manifest) Validate() error {
	if m.SchemaVersion != manifestSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (want %d)", m.SchemaVersion, manifestSchemaVersion)
	}
	if !namePat.MatchString(m.Namespace) {
		return fmt.Errorf("invalid namespace %q", m.Namespace)
	}
	if !namePat.MatchString(m.Name) {
		return fmt.Errorf("invalid name %q", m.Name)
	}
	if !versionPat.MatchString(m.Version) {
		return fmt.Errorf("invalid version %q (want MAJOR.MINOR.PATCH)", m.Version)
	}
	switch m.Kind {
	case KindPrompt:
		if strings.TrimSpace(m.PromptTemplate) == "" {
			return errors.New("prompt skills require prompt_template")
		}
	case KindEntrypoint:
		if !entrypointPat.MatchString(m.Entrypoint) {
			return fmt.Errorf("invalid entrypoint %q (want module:function)", m.Entrypoint)
		}
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	if m.TimeoutSec < 0 {
		return fmt.Errorf("timeout_sec %d is negative", m.TimeoutSec)
	}
	return nil
}

// compileSchema turns a YAML-decoded schema fragment into a compiled
// validator. A nil fragment compiles to nil.
func compileSchema(name string, fragment map[string]interface{}) (*jsonschema.Schema, error) {
	if fragment == nil {
		return nil, nil
	}
	raw, err := json.Marshal(fragment)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	schema, err := jsonschema.CompileString(name, string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return schema, nil
}

// roundTrip re-decodes a value through JSON so schema validation sees
// the same shapes a wire payload would.
func roundTrip(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return decoded, nil
}

// compareVersions orders semantic versions; both arguments must have
// passed validation.
func compareVersions(a, b string) int {
	as := strings.SplitN(a, ".", 3)
	bs := strings.SplitN(b, ".", 3)
	for i := 0; i < 3; i++ {
		ai, _ := strconv.Atoi(as[i])
		bi, _ := strconv.Atoi(bs[i])
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Result is the outcome of one skill invocation. Cancellation does not
// roll anything back: side effects already produced are the skill's
// concern.
type Result struct {
	Skill            string      `json:"skill"`
	Output           interface{} `json:"output,omitempty"`
	Error            string      `json:"error,omitempty"`
	DurationMS       int64       `json:"duration_ms"`
	TimedOut         bool        `json:"timed_out,omitempty"`
	Cancelled        bool        `json:"cancelled,omitempty"`
	Denied           bool        `json:"denied,omitempty"`
	DeniedReason     string      `json:"denied_reason,omitempty"`
	RequiresApproval bool        `json:"requires_approval,omitempty"`
}

// Status buckets a result for events, metrics, and invocation records.
func (r *Result) Status() string {
	switch {
	case r.RequiresApproval:
		return "requires_approval"
	case r.Denied:
		return "denied"
	case r.TimedOut:
		return "timed_out"
	case r.Cancelled:
		return "cancelled"
	case r.Error != "":
		return "failed"
	default:
		return "completed"
	}
}

// Invocation is the queued-dispatch record returned by the API.
// Arguments are deliberately not retained on it.
type Invocation struct {
	ID        string    `json:"id"`
	Skill     string    `json:"skill"`
	Status    string    `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidationError reports arguments rejected by a skill's input schema.
type ValidationError struct {
	Skill string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Skill, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// overloadedRetryAfter is the Retry-After hint issued on queue
// saturation, in seconds.
const overloadedRetryAfter = 5

// OverloadedError reports dispatch queue saturation; RetryAfter is in
// seconds.
type OverloadedError struct {
	RetryAfter int
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("skill dispatch queue is full; retry in %ds", e.RetryAfter)
}
