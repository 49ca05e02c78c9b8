package presets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

func testLogger() logging.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logging.NewLogrusAdapter(logger)
}

func writePreset(t *testing.T, dir, file, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManagerLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "fast.yaml", "model: minimax/MiniMax-M2.5\ntemperature: 0.2\n")
	writePreset(t, dir, "careful.yaml", "name: careful\nmodel: qwen/Qwen3-8B\nsystem_prompt: Think first.\n")
	writePreset(t, dir, "notes.txt", "not a preset")

	m, err := NewManager(testLogger(), dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("loaded %d presets, want 2", len(list))
	}
	if list[0].Name != "careful" || list[1].Name != "fast" {
		t.Errorf("list order = %s, %s", list[0].Name, list[1].Name)
	}

	fast, ok := m.Get("fast")
	if !ok {
		t.Fatal("fast not found")
	}
	if fast.Model != "minimax/MiniMax-M2.5" {
		t.Errorf("fast model = %q", fast.Model)
	}
	if fast.Temperature == nil || *fast.Temperature != 0.2 {
		t.Errorf("fast temperature = %v", fast.Temperature)
	}

	// Returned presets are copies.
	fast.Model = "scribbled"
	again, _ := m.Get("fast")
	if again.Model != "minimax/MiniMax-M2.5" {
		t.Error("Get returned a shared pointer")
	}
}

func TestManagerSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "good.yaml", "model: m/a\n")
	writePreset(t, dir, "broken.yaml", "model: [unclosed\n")
	writePreset(t, dir, "nomodel.yaml", "temperature: 0.5\n")

	m, err := NewManager(testLogger(), dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if list := m.List(); len(list) != 1 || list[0].Name != "good" {
		t.Errorf("list = %+v", list)
	}
}

func TestManagerSaveDelete(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(testLogger(), dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	preset := &Preset{
		Name:      "draft",
		Model:     "m/a",
		MaxTokens: intPtr(128),
		Profile:   &inference.PerfProfile{KVBits: intPtr(4)},
	}
	if err := m.Save(preset); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "draft.yaml")); err != nil {
		t.Errorf("preset file not written: %v", err)
	}

	// A fresh manager sees the saved file.
	m2, err := NewManager(testLogger(), dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m2.Close()
	got, ok := m2.Get("draft")
	if !ok {
		t.Fatal("saved preset not reloaded")
	}
	if got.Profile == nil || got.Profile.KVBits == nil || *got.Profile.KVBits != 4 {
		t.Errorf("profile did not round-trip: %+v", got.Profile)
	}

	if err := m.Delete("draft"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get("draft"); ok {
		t.Error("preset still present after delete")
	}
	if _, err := os.Stat(filepath.Join(dir, "draft.yaml")); !os.IsNotExist(err) {
		t.Errorf("preset file still on disk: %v", err)
	}

	if err := m.Delete("draft"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if err := m.Delete("../escape"); err == nil {
		t.Error("path-like name accepted")
	}
}

func TestManagerSaveRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(testLogger(), dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.Save(&Preset{Name: "../evil", Model: "m/a"}); err == nil {
		t.Error("path-like name accepted")
	}
	if err := m.Save(&Preset{Name: "x"}); err == nil {
		t.Error("preset without model accepted")
	}
}

func TestManagerApply(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "fast.yaml", "model: m/a\nmax_tokens: 64\n")

	m, err := NewManager(testLogger(), dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	out, err := m.Apply(&inference.CompletionRequest{Model: "preset:fast"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Model != "m/a" || out.Sampling.MaxTokens == nil || *out.Sampling.MaxTokens != 64 {
		t.Errorf("applied request = %+v", out)
	}

	if _, err := m.Apply(&inference.CompletionRequest{Model: "preset:ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Apply unknown = %v, want ErrNotFound", err)
	}
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(testLogger(), dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writePreset(t, dir, "late.yaml", "model: m/b\n")

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := m.Get("late"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never picked up new preset")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
