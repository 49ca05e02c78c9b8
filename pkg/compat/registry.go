// Package compat tracks which backend kinds are known to work for which
// models. Every load attempt appends an outcome record to a JSONL journal,
// and the replayed index orders backend candidates for future loads.
package compat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

// Outcome classifies one load attempt.
type Outcome string

const (
	OutcomePass       Outcome = "pass"
	OutcomeFail       Outcome = "fail"
	OutcomeQuarantine Outcome = "quarantine"
)

// Record is one append-only journal row.
type Record struct {
	Timestamp      time.Time         `json:"timestamp"`
	ModelID        string            `json:"model_id"`
	BackendKind    string            `json:"backend_kind"`
	BackendVersion string            `json:"backend_version,omitempty"`
	Outcome        Outcome           `json:"outcome"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PairStatus is the current state of one (model, backend) pair, as served
// by the admin compatibility endpoint.
type PairStatus struct {
	ModelID        string    `json:"model_id"`
	BackendKind    string    `json:"backend_kind"`
	BackendVersion string    `json:"backend_version,omitempty"`
	LastOutcome    Outcome   `json:"last_outcome"`
	Quarantined    bool      `json:"quarantined"`
	FailCount      int       `json:"fail_count"`
	LastReason     string    `json:"last_reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type pairKey struct {
	modelID string
	backend string
}

type pairState struct {
	lastOutcome    Outcome
	lastPass       time.Time
	failCount      int
	quarantined    bool
	lastReason     string
	backendVersion string
	updatedAt      time.Time
}

// compactThreshold is the journal length at which Open rewrites the file
// down to one record per pair.
const compactThreshold = 4096

// Registry is the in-memory index over the journal. Appends hold the write
// lock for the full marshal-and-write, so readers always observe whole
// records.
type Registry struct {
	log  logging.Logger
	path string

	mu       sync.RWMutex
	file     *os.File
	pairs    map[pairKey]*pairState
	replayed int
}

// Open replays the journal at path (creating it if absent) and returns a
// registry ready for appends. Journals past the compaction threshold are
// rewritten to their current state first.
func Open(path string, log logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating compat journal directory: %w", err)
	}

	r := &Registry{
		log:   log.WithField("component", "compat-registry"),
		path:  path,
		pairs: make(map[pairKey]*pairState),
	}
	if err := r.replay(); err != nil {
		return nil, err
	}
	if r.replayed > compactThreshold {
		if err := r.compact(); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening compat journal: %w", err)
	}
	r.file = file
	return r, nil
}

func (r *Registry) replay() error {
	file, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading compat journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			r.log.Warnf("skipping unreadable compat record at line %d: %v", line, err)
			continue
		}
		r.apply(rec)
		r.replayed++
	}
	return scanner.Err()
}

// apply folds one record into the index. Callers hold the write lock (or
// run before the registry is shared).
func (r *Registry) apply(rec Record) {
	key := pairKey{modelID: rec.ModelID, backend: rec.BackendKind}
	state, ok := r.pairs[key]
	if !ok {
		state = &pairState{}
		r.pairs[key] = state
	}
	state.lastOutcome = rec.Outcome
	state.lastReason = rec.Reason
	state.updatedAt = rec.Timestamp
	if rec.BackendVersion != "" {
		state.backendVersion = rec.BackendVersion
	}
	switch rec.Outcome {
	case OutcomePass:
		state.lastPass = rec.Timestamp
		state.failCount = 0
		state.quarantined = false
	case OutcomeFail:
		state.failCount++
	case OutcomeQuarantine:
		state.quarantined = true
	}
}

// Append journals one outcome and updates the index. A zero timestamp is
// filled with the current time.
func (r *Registry) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding compat record: %w", err)
	}
	if _, err := r.file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("appending compat record: %w", err)
	}
	r.apply(rec)
	return nil
}

// Candidates orders the given backend kinds for a model: most recently
// passing first, untried kinds next in their given order, then known-bad
// kinds. Quarantined pairs are dropped entirely.
func (r *Registry) Candidates(modelID string, kinds []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var passed, untried, failed []string
	for _, kind := range kinds {
		state, ok := r.pairs[pairKey{modelID: modelID, backend: kind}]
		switch {
		case !ok:
			untried = append(untried, kind)
		case state.quarantined:
			// excluded until a later pass clears it
		case state.lastOutcome == OutcomePass:
			passed = append(passed, kind)
		default:
			failed = append(failed, kind)
		}
	}

	sort.SliceStable(passed, func(i, j int) bool {
		a := r.pairs[pairKey{modelID: modelID, backend: passed[i]}]
		b := r.pairs[pairKey{modelID: modelID, backend: passed[j]}]
		return a.lastPass.After(b.lastPass)
	})

	ordered := make([]string, 0, len(passed)+len(untried)+len(failed))
	ordered = append(ordered, passed...)
	ordered = append(ordered, untried...)
	return append(ordered, failed...)
}

// KnownIncompatible reports whether the pair's latest outcome marks it
// unusable (failed or quarantined).
func (r *Registry) KnownIncompatible(modelID, kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.pairs[pairKey{modelID: modelID, backend: kind}]
	if !ok {
		return false
	}
	return state.quarantined || state.lastOutcome == OutcomeFail
}

// Quarantined reports whether the pair is currently quarantined.
func (r *Registry) Quarantined(modelID, kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.pairs[pairKey{modelID: modelID, backend: kind}]
	return ok && state.quarantined
}

// ClearQuarantine lifts a quarantine in memory so a probe can re-attempt
// the pair. The journal is not rewritten; only a subsequent pass record
// makes the clearance durable.
func (r *Registry) ClearQuarantine(modelID, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.pairs[pairKey{modelID: modelID, backend: kind}]; ok {
		state.quarantined = false
	}
}

// Snapshot returns every tracked pair sorted by model then backend.
func (r *Registry) Snapshot() []PairStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]PairStatus, 0, len(r.pairs))
	for key, state := range r.pairs {
		statuses = append(statuses, PairStatus{
			ModelID:        key.modelID,
			BackendKind:    key.backend,
			BackendVersion: state.backendVersion,
			LastOutcome:    state.lastOutcome,
			Quarantined:    state.quarantined,
			FailCount:      state.failCount,
			LastReason:     state.lastReason,
			UpdatedAt:      state.updatedAt,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].ModelID != statuses[j].ModelID {
			return statuses[i].ModelID < statuses[j].ModelID
		}
		return statuses[i].BackendKind < statuses[j].BackendKind
	})
	return statuses
}

// compact rewrites the journal down to one synthetic record per pair.
// Runs during Open, before the append handle exists or the registry is
// shared.
func (r *Registry) compact() error {
	var buf []byte
	for _, status := range r.Snapshot() {
		outcome := status.LastOutcome
		if status.Quarantined {
			// quarantine must survive replay even when a later fail
			// overwrote the last outcome
			outcome = OutcomeQuarantine
		}
		rec := Record{
			Timestamp:      status.UpdatedAt,
			ModelID:        status.ModelID,
			BackendKind:    status.BackendKind,
			BackendVersion: status.BackendVersion,
			Outcome:        outcome,
			Reason:         status.LastReason,
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding compact record: %w", err)
		}
		buf = append(buf, encoded...)
		buf = append(buf, '\n')
	}
	if err := atomicwriter.WriteFile(r.path, buf, 0o644); err != nil {
		return fmt.Errorf("compacting compat journal: %w", err)
	}
	r.log.Infof("compacted compat journal from %d records to %d pairs", r.replayed, len(r.pairs))
	r.replayed = len(r.pairs)
	return nil
}

// Close releases the append handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
