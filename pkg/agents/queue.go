package agents

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opta-ai/opta-lmx/pkg/config"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const queuePollInterval = 250 * time.Millisecond

// RunQueue orders submitted runs for worker claim: priority first, then
// submission order. Implementations are safe for concurrent use.
type RunQueue interface {
	// Enqueue adds a run. At capacity it returns a *RunQueueFullError.
	Enqueue(ctx context.Context, runID string, priority Priority) error
	// Claim blocks until a run is available or ctx is done. A claimed
	// run stays off the queue until Complete or Release.
	Claim(ctx context.Context) (string, error)
	// Complete drops a claimed run from the queue.
	Complete(ctx context.Context, runID string) error
	// Release puts a claimed run back at its original position.
	Release(ctx context.Context, runID string) error
	// Len counts runs waiting to be claimed.
	Len(ctx context.Context) (int, error)
	Close() error
}

// NewRunQueue builds the configured queue backend.
func NewRunQueue(log logging.Logger, cfg config.QueueConfig) (RunQueue, error) {
	switch cfg.Backend {
	case "sqlite":
		return openSQLiteQueue(log, cfg.DBPath, cfg.MaxSize)
	default:
		return newMemoryQueue(cfg.MaxSize), nil
	}
}

// queueItem is one waiting run. seq breaks ties within a rank so equal
// priorities dequeue in submission order.
type queueItem struct {
	runID string
	rank  int
	seq   uint64
}

type runHeap []*queueItem

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *runHeap) Push(x interface{}) { *h = append(*h, x.(*queueItem)) }

func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// memoryQueue is the volatile in-process backend. Claimed items are
// parked in inflight so Release can restore their original order.
type memoryQueue struct {
	mu       sync.Mutex
	heap     runHeap
	inflight map[string]*queueItem
	max      int
	seq      uint64
	signal   chan struct{}
	closed   bool
}

func newMemoryQueue(max int) *memoryQueue {
	return &memoryQueue{
		inflight: make(map[string]*queueItem),
		max:      max,
		signal:   make(chan struct{}, 1),
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, runID string, priority Priority) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("run queue is closed")
	}
	if q.max > 0 && len(q.heap) >= q.max {
		size := len(q.heap)
		q.mu.Unlock()
		return &RunQueueFullError{Size: size, Capacity: q.max}
	}
	q.seq++
	heap.Push(&q.heap, &queueItem{runID: runID, rank: priority.queueRank(), seq: q.seq})
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *memoryQueue) Claim(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			item := heap.Pop(&q.heap).(*queueItem)
			q.inflight[item.runID] = item
			q.mu.Unlock()
			return item.runID, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *memoryQueue) Complete(ctx context.Context, runID string) error {
	q.mu.Lock()
	delete(q.inflight, runID)
	q.mu.Unlock()
	return nil
}

func (q *memoryQueue) Release(ctx context.Context, runID string) error {
	q.mu.Lock()
	item, ok := q.inflight[runID]
	if ok {
		delete(q.inflight, runID)
		heap.Push(&q.heap, item)
	}
	q.mu.Unlock()
	if ok {
		q.wake()
	}
	return nil
}

func (q *memoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len(), nil
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *memoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS run_queue (
	run_id   TEXT PRIMARY KEY,
	rank     INTEGER NOT NULL,
	sequence INTEGER NOT NULL,
	claimed  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_run_queue_order ON run_queue(claimed, rank, sequence);
`

// sqliteQueue is the durable backend. Claims flip a row's claimed flag
// inside an immediate transaction so concurrent workers never double
// claim; rows claimed by a dead process are reset on open.
type sqliteQueue struct {
	log    logging.Logger
	db     *sql.DB
	max    int
	signal chan struct{}
}

func openSQLiteQueue(log logging.Logger, path string, max int) (*sqliteQueue, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open run queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run queue schema: %w", err)
	}
	q := &sqliteQueue{
		log:    log.WithField("component", "run-queue"),
		db:     db,
		max:    max,
		signal: make(chan struct{}, 1),
	}
	if err := q.resetClaims(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *sqliteQueue) Enqueue(ctx context.Context, runID string, priority Priority) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM run_queue WHERE run_id = ?)`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	if exists {
		// Requeue after restart: the original row already carries the
		// submission order.
		return tx.Commit()
	}

	var waiting int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_queue WHERE claimed = 0`).Scan(&waiting); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	if q.max > 0 && waiting >= q.max {
		return &RunQueueFullError{Size: waiting, Capacity: q.max}
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_queue`).Scan(&seq); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_queue (run_id, rank, sequence, claimed) VALUES (?, ?, ?, 0)`,
		runID, priority.queueRank(), seq); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	q.wake()
	return nil
}

func (q *sqliteQueue) Claim(ctx context.Context) (string, error) {
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()
	for {
		id, err := q.claimOne(ctx)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.signal:
		case <-ticker.C:
		}
	}
}

func (q *sqliteQueue) claimOne(ctx context.Context) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("claim run: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT run_id FROM run_queue WHERE claimed = 0 ORDER BY rank, sequence LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claim run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE run_queue SET claimed = 1 WHERE run_id = ?`, id); err != nil {
		return "", fmt.Errorf("claim run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("claim run: %w", err)
	}
	return id, nil
}

func (q *sqliteQueue) Complete(ctx context.Context, runID string) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM run_queue WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (q *sqliteQueue) Release(ctx context.Context, runID string) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE run_queue SET claimed = 0 WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	q.wake()
	return nil
}

func (q *sqliteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_queue WHERE claimed = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (q *sqliteQueue) Close() error {
	if err := q.resetClaims(context.Background()); err != nil {
		q.log.WithError(err).Warn("failed to reset claimed runs on close")
	}
	return q.db.Close()
}

func (q *sqliteQueue) resetClaims(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE run_queue SET claimed = 0 WHERE claimed = 1`); err != nil {
		return fmt.Errorf("reset claimed runs: %w", err)
	}
	return nil
}

func (q *sqliteQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
