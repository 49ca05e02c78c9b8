package skills

import (
	"fmt"

	"github.com/opta-ai/opta-lmx/pkg/config"
)

// Verdict is the policy gate's decision for one invocation.
type Verdict struct {
	Allowed          bool
	Denied           bool
	DeniedReason     string
	RequiresApproval bool
}

// Policy evaluates manifests against the configured sandbox profile.
type Policy struct {
	profile string
	allowed map[string]bool
}

// NewPolicy builds the gate from the sandbox configuration.
func NewPolicy(cfg config.SandboxConfig) *Policy {
	allowed := make(map[string]bool, len(cfg.AllowedModules))
	for _, module := range cfg.AllowedModules {
		allowed[module] = true
	}
	return &Policy{profile: cfg.Profile, allowed: allowed}
}

// Profile returns the active sandbox profile.
func (p *Policy) Profile() string { return p.profile }

func deny(reason string) Verdict {
	return Verdict{Denied: true, DeniedReason: reason}
}

// Evaluate runs the gate: the approval check first, then tag checks,
// then the profile's kind filter.
func (p *Policy) Evaluate(m *Manifest, approved bool) Verdict {
	if m.HasTag(TagApprovalRequired) && !approved {
		return Verdict{RequiresApproval: true}
	}
	if m.HasTag(TagShellExec) && p.profile != config.SandboxProfileTrusted {
		return deny(fmt.Sprintf("shell-exec skills require the trusted profile (active: %s)", p.profile))
	}
	if m.HasTag(TagNetworkAccess) && p.profile == config.SandboxProfileStrict {
		return deny("network-access skills are disabled under the strict profile")
	}
	if m.Kind == KindEntrypoint {
		switch p.profile {
		case config.SandboxProfileStrict:
			return deny("entrypoint skills are disabled under the strict profile")
		case config.SandboxProfileRestricted:
			if module := m.EntrypointModule(); !p.allowed[module] {
				return deny(fmt.Sprintf("entrypoint module %s is not in the sandbox allow-list", module))
			}
		}
	}
	return Verdict{Allowed: true}
}
