package inference

import (
	"strings"
	"testing"
)

func TestValidateRuntimeFlags(t *testing.T) {
	tests := []struct {
		name        string
		flags       []string
		expectError bool
	}{
		{name: "empty flags", flags: []string{}, expectError: false},
		{name: "nil flags", flags: nil, expectError: false},
		{name: "simple flags", flags: []string{"--threads", "4", "-fa"}, expectError: false},
		{name: "flag with dots and hyphens", flags: []string{"--cache-type-k", "q8_0"}, expectError: false},
		{name: "absolute path value", flags: []string{"--log-file", "/var/log/model.log"}, expectError: true},
		{name: "path in flag=value", flags: []string{"--log-file=/var/log/model.log"}, expectError: true},
		{name: "parent traversal", flags: []string{"--output", "../file.txt"}, expectError: true},
		{name: "windows backslash path", flags: []string{"--file", "C:\\Users\\file.txt"}, expectError: true},
		{name: "UNC path", flags: []string{"--share", "\\\\server\\share"}, expectError: true},
		{name: "URL", flags: []string{"--endpoint", "http://example.com/api"}, expectError: true},
		{name: "path mid-list", flags: []string{"--threads", "4", "--log-file", "/tmp/x", "-fa"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRuntimeFlags(tt.flags)
			if tt.expectError && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseFlagKey(t *testing.T) {
	tests := []struct {
		flag string
		want string
	}{
		{"--threads=4", "--threads"},
		{"--threads", "--threads"},
		{"-t", "-t"},
		{"4", ""},
		{"q8_0", ""},
	}
	for _, tt := range tests {
		if got := ParseFlagKey(tt.flag); got != tt.want {
			t.Errorf("ParseFlagKey(%q) = %q, want %q", tt.flag, got, tt.want)
		}
	}
}

func TestResolveFlags(t *testing.T) {
	tests := []struct {
		name      string
		profile   PerfProfile
		kind      Kind
		want      []string
		errSubstr string
	}{
		{
			name:    "empty profile",
			profile: PerfProfile{},
			kind:    KindGGUF,
		},
		{
			name:    "allowed gguf flags",
			profile: PerfProfile{RuntimeFlags: []string{"--threads", "8", "--cache-type-k", "q8_0"}},
			kind:    KindGGUF,
			want:    []string{"--threads", "8", "--cache-type-k", "q8_0"},
		},
		{
			name:    "raw flags tokenized",
			profile: PerfProfile{RawRuntimeFlags: `--threads 8 -fa`},
			kind:    KindGGUF,
			want:    []string{"--threads", "8", "-fa"},
		},
		{
			name:      "flag not on gguf allowlist",
			profile:   PerfProfile{RuntimeFlags: []string{"--kv-bits", "4"}},
			kind:      KindGGUF,
			errSubstr: "not allowed",
		},
		{
			name:    "mlx allowlist",
			profile: PerfProfile{RuntimeFlags: []string{"--kv-bits", "4", "--max-kv-size", "8192"}},
			kind:    KindMLX,
			want:    []string{"--kv-bits", "4", "--max-kv-size", "8192"},
		},
		{
			name:      "path smuggled through raw flags",
			profile:   PerfProfile{RawRuntimeFlags: `--threads /etc/passwd`},
			kind:      KindGGUF,
			errSubstr: "paths are not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.profile.ResolveFlags(tt.kind)
			if tt.errSubstr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errSubstr) {
					t.Fatalf("err = %v, want substring %q", err, tt.errSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("flags = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("flags[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMergeProfiles(t *testing.T) {
	four := 4
	eight := 8
	yes := true
	base := PerfProfile{
		KVBits:       &four,
		ContextSize:  &four,
		RuntimeFlags: []string{"--threads", "4"},
	}
	preset := PerfProfile{
		ContextSize: &eight,
		PrefixCache: &yes,
	}
	request := PerfProfile{
		Speculative: &SpeculativeConfig{DraftModel: "draft-1b", NumTokens: 3},
	}

	merged := MergeProfiles(base, preset, request)

	if merged.KVBits == nil || *merged.KVBits != 4 {
		t.Errorf("KVBits = %v, want 4 from base", merged.KVBits)
	}
	if merged.ContextSize == nil || *merged.ContextSize != 8 {
		t.Errorf("ContextSize = %v, want 8 from preset", merged.ContextSize)
	}
	if merged.PrefixCache == nil || !*merged.PrefixCache {
		t.Error("PrefixCache should carry from preset")
	}
	if merged.Speculative == nil || merged.Speculative.DraftModel != "draft-1b" {
		t.Errorf("Speculative = %+v, want request layer", merged.Speculative)
	}
	if len(merged.RuntimeFlags) != 2 {
		t.Errorf("RuntimeFlags = %v, want base flags preserved", merged.RuntimeFlags)
	}

	// a later layer's flags replace wholesale
	override := MergeProfiles(base, PerfProfile{RuntimeFlags: []string{"-fa"}})
	if len(override.RuntimeFlags) != 1 || override.RuntimeFlags[0] != "-fa" {
		t.Errorf("RuntimeFlags = %v, want [-fa]", override.RuntimeFlags)
	}
}
