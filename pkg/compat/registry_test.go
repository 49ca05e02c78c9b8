package compat

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opta-ai/opta-lmx/pkg/logging"
)

func testLogger() logging.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logging.NewLogrusAdapter(logger)
}

func openTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compat.jsonl")
	r, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, path
}

func at(minutes int) time.Time {
	return time.Date(2026, 8, 1, 12, minutes, 0, 0, time.UTC)
}

func TestCandidateOrdering(t *testing.T) {
	r, _ := openTestRegistry(t)

	records := []Record{
		{Timestamp: at(0), ModelID: "m1", BackendKind: "gguf", Outcome: OutcomePass},
		{Timestamp: at(5), ModelID: "m1", BackendKind: "mlx", Outcome: OutcomePass},
		{Timestamp: at(6), ModelID: "m1", BackendKind: "vulkan", Outcome: OutcomeFail, Reason: "loader crash"},
	}
	for _, rec := range records {
		if err := r.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got := r.Candidates("m1", []string{"vulkan", "gguf", "mlx", "cpu"})
	want := []string{"mlx", "gguf", "cpu", "vulkan"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Candidates = %v, want %v", got, want)
	}

	// a model with no history keeps the configured order
	got = r.Candidates("m2", []string{"mlx", "gguf"})
	want = []string{"mlx", "gguf"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("untried Candidates = %v, want %v", got, want)
	}
}

func TestQuarantineExcludedUntilPass(t *testing.T) {
	r, _ := openTestRegistry(t)

	r.Append(Record{Timestamp: at(0), ModelID: "m1", BackendKind: "mlx", Outcome: OutcomeQuarantine, Reason: "runtime fault"})
	if got := r.Candidates("m1", []string{"mlx", "gguf"}); !reflect.DeepEqual(got, []string{"gguf"}) {
		t.Errorf("Candidates = %v, want [gguf]", got)
	}
	if !r.KnownIncompatible("m1", "mlx") {
		t.Error("KnownIncompatible = false, want true")
	}

	r.Append(Record{Timestamp: at(10), ModelID: "m1", BackendKind: "mlx", Outcome: OutcomePass})
	if got := r.Candidates("m1", []string{"mlx", "gguf"}); !reflect.DeepEqual(got, []string{"mlx", "gguf"}) {
		t.Errorf("Candidates after pass = %v, want [mlx gguf]", got)
	}
	if r.KnownIncompatible("m1", "mlx") {
		t.Error("KnownIncompatible = true after pass")
	}
}

func TestReplayRestoresState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compat.jsonl")
	r, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Append(Record{Timestamp: at(0), ModelID: "m1", BackendKind: "gguf", Outcome: OutcomePass, BackendVersion: "b6100"})
	r.Append(Record{Timestamp: at(1), ModelID: "m1", BackendKind: "mlx", Outcome: OutcomeQuarantine, Reason: "metal fault"})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if !reopened.Quarantined("m1", "mlx") {
		t.Error("quarantine lost across restart")
	}
	statuses := reopened.Snapshot()
	if len(statuses) != 2 {
		t.Fatalf("Snapshot = %d pairs, want 2", len(statuses))
	}
	if statuses[0].BackendKind != "gguf" || statuses[0].BackendVersion != "b6100" {
		t.Errorf("first pair = %+v", statuses[0])
	}
	if statuses[1].LastReason != "metal fault" {
		t.Errorf("second pair = %+v", statuses[1])
	}
}

func TestClearQuarantineIsInMemoryOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compat.jsonl")
	r, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Append(Record{Timestamp: at(0), ModelID: "m1", BackendKind: "mlx", Outcome: OutcomeQuarantine})

	r.ClearQuarantine("m1", "mlx")
	if r.Quarantined("m1", "mlx") {
		t.Error("quarantine still set after clear")
	}
	r.Close()

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if !reopened.Quarantined("m1", "mlx") {
		t.Error("clear unexpectedly survived restart without a pass record")
	}
}

func TestReplaySkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compat.jsonl")
	content := `{"timestamp":"2026-08-01T12:00:00Z","model_id":"m1","backend_kind":"gguf","outcome":"pass"}
not json at all
{"timestamp":"2026-08-01T12:01:00Z","model_id":"m2","backend_kind":"mlx","outcome":"fail","reason":"oom"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if len(r.Snapshot()) != 2 {
		t.Errorf("Snapshot = %d pairs, want 2", len(r.Snapshot()))
	}
	if !r.KnownIncompatible("m2", "mlx") {
		t.Error("m2/mlx should be known incompatible")
	}
}

func TestFailCountAccumulates(t *testing.T) {
	r, _ := openTestRegistry(t)

	for i := 0; i < 3; i++ {
		r.Append(Record{Timestamp: at(i), ModelID: "m1", BackendKind: "gguf", Outcome: OutcomeFail})
	}
	statuses := r.Snapshot()
	if len(statuses) != 1 || statuses[0].FailCount != 3 {
		t.Errorf("Snapshot = %+v, want fail_count 3", statuses)
	}

	r.Append(Record{Timestamp: at(10), ModelID: "m1", BackendKind: "gguf", Outcome: OutcomePass})
	if statuses = r.Snapshot(); statuses[0].FailCount != 0 {
		t.Errorf("fail_count after pass = %d, want 0", statuses[0].FailCount)
	}
}

func TestOpenCompactsOversizedJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compat.jsonl")
	r, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Append(Record{Timestamp: at(0), ModelID: "m1", BackendKind: "mlx", Outcome: OutcomeQuarantine, Reason: "metal fault"})
	// a later fail updates the last outcome without lifting the quarantine
	r.Append(Record{Timestamp: at(1), ModelID: "m1", BackendKind: "mlx", Outcome: OutcomeFail, Reason: "probe fail"})
	for i := 0; i < compactThreshold; i++ {
		r.Append(Record{Timestamp: at(2), ModelID: "m2", BackendKind: "gguf", Outcome: OutcomePass})
	}
	r.Close()

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if !reopened.Quarantined("m1", "mlx") {
		t.Error("quarantine lost through compaction")
	}
	if got := reopened.Candidates("m2", []string{"gguf"}); len(got) != 1 {
		t.Errorf("m2 candidates = %v", got)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := len(strings.Split(strings.TrimSpace(string(raw)), "\n")); lines != 2 {
		t.Errorf("compacted journal has %d lines, want 2", lines)
	}
}
