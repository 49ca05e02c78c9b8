package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opta-ai/opta-lmx/pkg/logging"
)

// Journal appends every bus event to a JSONL file, one object per
// line. It is a regular subscriber: a slow disk costs it events rather
// than stalling publishers.
type Journal struct {
	log  logging.Logger
	file *os.File
	enc  *json.Encoder

	cancel func()
	done   chan struct{}

	closeOnce sync.Once
}

// StartJournal opens (or creates) the journal file for append and
// starts the writer goroutine.
func StartJournal(log logging.Logger, bus *Bus, path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event journal: %w", err)
	}

	ch, cancel := bus.Subscribe(DefaultSubscriberBuffer * 4)
	j := &Journal{
		log:    log.WithField("component", "event-journal"),
		file:   file,
		enc:    json.NewEncoder(file),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go j.run(ch)
	return j, nil
}

func (j *Journal) run(ch <-chan Event) {
	defer close(j.done)
	for ev := range ch {
		if err := j.enc.Encode(ev); err != nil {
			j.log.WithError(err).Warn("failed to append event to journal")
		}
	}
}

// Close detaches from the bus, drains what is already queued, and
// closes the file.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.cancel()
		<-j.done
		err = j.file.Close()
	})
	return err
}
