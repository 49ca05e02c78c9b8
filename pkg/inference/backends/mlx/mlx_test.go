package mlx

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

func testBackend() *Backend {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	log := logging.NewLogrusAdapter(logger)
	return New(log, log, Config{SocketDir: "/run/lmx", StartupTimeout: time.Second})
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func TestBackendIdentity(t *testing.T) {
	backend := testBackend()
	if backend.Name() != "mlx" {
		t.Errorf("Name() = %q, want mlx", backend.Name())
	}
	if backend.Kind() != inference.KindMLX {
		t.Errorf("Kind() = %q, want %q", backend.Kind(), inference.KindMLX)
	}
}

func TestWorkerArgs(t *testing.T) {
	tests := []struct {
		name       string
		spec       inference.ModelSpec
		withDraft  bool
		want       []string
		wantAbsent []string
		wantErr    string
	}{
		{
			name: "base invocation",
			spec: inference.ModelSpec{ModelID: "acme/m", ArtifactPath: "/models/acme/m"},
			want: []string{"-m mlx_lm.server", "--model /models/acme/m", "--host"},
		},
		{
			name: "context length",
			spec: inference.ModelSpec{ArtifactPath: "/m", ContextLength: 8192},
			want: []string{"--max-kv-size 8192"},
		},
		{
			name: "profile keys",
			spec: inference.ModelSpec{
				ArtifactPath: "/m",
				Profile: inference.PerfProfile{
					KVBits:      intPtr(4),
					KVGroupSize: intPtr(32),
					PrefixCache: boolPtr(true),
				},
			},
			want: []string{"--kv-bits 4", "--kv-group-size 32", "--prompt-cache"},
		},
		{
			name: "prefix cache disabled",
			spec: inference.ModelSpec{
				ArtifactPath: "/m",
				Profile:      inference.PerfProfile{PrefixCache: boolPtr(false)},
			},
			want: []string{"--no-prompt-cache"},
		},
		{
			name: "speculative enabled",
			spec: inference.ModelSpec{
				ArtifactPath:      "/m",
				DraftArtifactPath: "/models/draft",
				Speculative:       &inference.SpeculativeConfig{DraftModel: "acme/draft", NumTokens: 3},
			},
			withDraft: true,
			want:      []string{"--draft-model /models/draft", "--num-draft-tokens 3"},
		},
		{
			name: "speculative suppressed",
			spec: inference.ModelSpec{
				ArtifactPath:      "/m",
				DraftArtifactPath: "/models/draft",
				Speculative:       &inference.SpeculativeConfig{DraftModel: "acme/draft", NumTokens: 3},
			},
			withDraft:  false,
			wantAbsent: []string{"--draft-model"},
		},
		{
			name: "runtime flags appended",
			spec: inference.ModelSpec{
				ArtifactPath: "/m",
				Profile:      inference.PerfProfile{RawRuntimeFlags: "--seed 42"},
			},
			want: []string{"--seed 42"},
		},
		{
			name: "runtime flag with path rejected",
			spec: inference.ModelSpec{
				ArtifactPath: "/m",
				Profile:      inference.PerfProfile{RawRuntimeFlags: "--prompt-cache /etc/passwd"},
			},
			wantErr: "paths are not allowed",
		},
	}

	backend := testBackend()
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			args, err := backend.workerArgs(test.spec, "/run/lmx/test.sock", test.withDraft)
			if test.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), test.wantErr) {
					t.Fatalf("err = %v, want it to contain %q", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("workerArgs: %v", err)
			}
			joined := strings.Join(args, " ")
			for _, want := range test.want {
				if !strings.Contains(joined, want) {
					t.Errorf("args %q missing %q", joined, want)
				}
			}
			for _, absent := range test.wantAbsent {
				if strings.Contains(joined, absent) {
					t.Errorf("args %q should not contain %q", joined, absent)
				}
			}
		})
	}
}
