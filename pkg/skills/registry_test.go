package skills

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSkillFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write skill manifest: %v", err)
	}
}

const summarizeV1 = `
schema_version: 1
namespace: text
name: summarize
version: 1.0.0
kind: prompt
prompt_template: "Summarize: {text}"
`

const summarizeV2 = `
schema_version: 1
namespace: text
name: summarize
version: 1.2.0
kind: prompt
prompt_template: "Summarize concisely: {text}"
model_preferences: [org/model-a]
`

const convertSkill = `
schema_version: 1
namespace: files
name: convert
version: 0.3.0
kind: entrypoint
entrypoint: "converter:handle"
input_schema:
  type: object
  required: [path]
  properties:
    path:
      type: string
output_schema:
  type: object
  required: [ok]
  properties:
    ok:
      type: boolean
`

func TestRegistryAliases(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "summarize-1.yaml", summarizeV1)
	writeSkillFile(t, dir, "summarize-2.yaml", summarizeV2)
	writeSkillFile(t, dir, "convert.yml", convertSkill)

	reg, err := NewRegistry(testLogger(), []string{dir})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	unversioned, err := reg.Resolve("text/summarize")
	if err != nil {
		t.Fatalf("Resolve unversioned: %v", err)
	}
	if got := unversioned.Manifest.Version; got != "1.2.0" {
		t.Errorf("unversioned alias resolved to %s, want the highest version", got)
	}

	pinned, err := reg.Resolve("text/summarize@1.0.0")
	if err != nil {
		t.Fatalf("Resolve pinned: %v", err)
	}
	if pinned.Manifest.Version != "1.0.0" {
		t.Errorf("pinned alias resolved to %s", pinned.Manifest.Version)
	}

	if _, err := reg.Resolve("text/missing"); !errors.Is(err, ErrSkillNotFound) {
		t.Errorf("Resolve unknown = %v, want ErrSkillNotFound", err)
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("List returned %d skills, want 3", len(list))
	}
	want := []string{"files/convert@0.3.0", "text/summarize@1.0.0", "text/summarize@1.2.0"}
	for i, skill := range list {
		if skill.Manifest.FullName() != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, skill.Manifest.FullName(), want[i])
		}
	}
}

func TestRegistrySkipsInvalidManifests(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "good.yaml", summarizeV1)
	writeSkillFile(t, dir, "bad.yaml", "schema_version: 1\nnamespace: x\nname: y\nversion: nope\nkind: prompt\nprompt_template: t\n")
	writeSkillFile(t, dir, "not-yaml.yaml", "{{{{")
	writeSkillFile(t, dir, "ignored.txt", "not a manifest")

	reg, err := NewRegistry(testLogger(), []string{dir, filepath.Join(dir, "does-not-exist")})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := len(reg.List()); got != 1 {
		t.Fatalf("List returned %d skills, want only the valid one", got)
	}
	if _, err := reg.Resolve("text/summarize"); err != nil {
		t.Errorf("valid manifest did not register: %v", err)
	}
}

func TestSkillSchemaValidation(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "convert.yaml", convertSkill)
	reg, err := NewRegistry(testLogger(), []string{dir})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	skill, err := reg.Resolve("files/convert")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := skill.ValidateInput(map[string]interface{}{"path": "report.txt"}); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	if err := skill.ValidateInput(map[string]interface{}{"path": 7}); err == nil {
		t.Error("wrong input type accepted")
	}
	if err := skill.ValidateInput(map[string]interface{}{}); err == nil {
		t.Error("missing required argument accepted")
	}

	if err := skill.ValidateOutput(map[string]interface{}{"ok": true}); err != nil {
		t.Errorf("valid output rejected: %v", err)
	}
	if err := skill.ValidateOutput(map[string]interface{}{"ok": "yes"}); err == nil {
		t.Error("wrong output type accepted")
	}
}

func TestRegistryReloadSwapsContents(t *testing.T) {
	dir := t.TempDir()
	writeSkillFile(t, dir, "summarize.yaml", summarizeV1)
	reg, err := NewRegistry(testLogger(), []string{dir})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Resolve("text/summarize"); err != nil {
		t.Fatalf("initial load missing skill: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "summarize.yaml")); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}
	writeSkillFile(t, dir, "convert.yaml", convertSkill)
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, err := reg.Resolve("text/summarize"); !errors.Is(err, ErrSkillNotFound) {
		t.Errorf("removed skill still resolves: %v", err)
	}
	if _, err := reg.Resolve("files/convert@0.3.0"); err != nil {
		t.Errorf("new skill missing after reload: %v", err)
	}
}
