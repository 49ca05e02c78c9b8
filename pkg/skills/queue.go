package skills

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opta-ai/opta-lmx/pkg/config"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

const (
	callPollInterval = 250 * time.Millisecond
	// invocationRetention caps the finished invocation records kept for
	// lookup.
	invocationRetention = 256

	// InvocationQueued and InvocationRunning are the pre-result
	// invocation statuses; terminal statuses come from Result.Status.
	InvocationQueued  = "queued"
	InvocationRunning = "running"
)

// queuedCall is the durable submission payload. Futures are held in
// process; a call replayed after a restart resolves into the record
// store only.
type queuedCall struct {
	ID        string                 `json:"id"`
	Ref       string                 `json:"ref"`
	Arguments map[string]interface{} `json:"arguments"`
	Approved  bool                   `json:"approved"`
	TimeoutMS int64                  `json:"timeout_ms"`
}

// callQueue is the FIFO behind the queued dispatcher.
type callQueue interface {
	// enqueue adds a call. At capacity it returns an *OverloadedError.
	enqueue(ctx context.Context, call *queuedCall) error
	// claim blocks until a call is available or ctx is done.
	claim(ctx context.Context) (*queuedCall, error)
	// complete drops a claimed call.
	complete(ctx context.Context, id string) error
	Close() error
}

func newCallQueue(log logging.Logger, cfg config.QueueConfig) (callQueue, error) {
	switch cfg.Backend {
	case "sqlite":
		return openSQLiteCallQueue(log, cfg.DBPath, cfg.MaxSize)
	default:
		return newMemoryCallQueue(cfg.MaxSize), nil
	}
}

// memoryCallQueue is a bounded channel; capacity checks ride on the
// channel buffer.
type memoryCallQueue struct {
	mu     sync.Mutex
	calls  chan *queuedCall
	closed bool
}

func newMemoryCallQueue(max int) *memoryCallQueue {
	if max < 1 {
		max = 1
	}
	return &memoryCallQueue{calls: make(chan *queuedCall, max)}
}

func (q *memoryCallQueue) enqueue(ctx context.Context, call *queuedCall) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("skill dispatch queue is closed")
	}
	select {
	case q.calls <- call:
		return nil
	default:
		return &OverloadedError{RetryAfter: overloadedRetryAfter}
	}
}

func (q *memoryCallQueue) claim(ctx context.Context) (*queuedCall, error) {
	select {
	case call := <-q.calls:
		return call, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memoryCallQueue) complete(ctx context.Context, id string) error { return nil }

func (q *memoryCallQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

const callQueueSchema = `
CREATE TABLE IF NOT EXISTS skill_queue (
	id       TEXT PRIMARY KEY,
	payload  TEXT NOT NULL,
	claimed  INTEGER NOT NULL DEFAULT 0,
	sequence INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_skill_queue_order ON skill_queue(claimed, sequence);
`

// sqliteCallQueue is the durable backend. Claimed rows are reset on
// open so calls pending at a crash run again; their submitters are
// gone, so results land in the record store only.
type sqliteCallQueue struct {
	log    logging.Logger
	db     *sql.DB
	max    int
	signal chan struct{}
}

func openSQLiteCallQueue(log logging.Logger, path string, max int) (*sqliteCallQueue, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open skill queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(callQueueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init skill queue schema: %w", err)
	}
	q := &sqliteCallQueue{
		log:    log.WithField("component", "skill-queue"),
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

func (q *sqliteCallQueue) enqueue(ctx context.Context, call *queuedCall) error {
	raw, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("encode queued call: %w", err)
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue call: %w", err)
	}
	defer tx.Rollback()

	var waiting int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM skill_queue WHERE claimed = 0`).Scan(&waiting); err != nil {
		return fmt.Errorf("enqueue call: %w", err)
	}
	if q.max > 0 && waiting >= q.max {
		return &OverloadedError{RetryAfter: overloadedRetryAfter}
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM skill_queue`).Scan(&seq); err != nil {
		return fmt.Errorf("enqueue call: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO skill_queue (id, payload, claimed, sequence) VALUES (?, ?, 0, ?)`,
		call.ID, string(raw), seq); err != nil {
		return fmt.Errorf("enqueue call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue call: %w", err)
	}
	q.wake()
	return nil
}

func (q *sqliteCallQueue) claim(ctx context.Context) (*queuedCall, error) {
	ticker := time.NewTicker(callPollInterval)
	defer ticker.Stop()
	for {
		call, err := q.claimOne(ctx)
		if err != nil {
			return nil, err
		}
		if call != nil {
			return call, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-ticker.C:
		}
	}
}

func (q *sqliteCallQueue) claimOne(ctx context.Context) (*queuedCall, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim call: %w", err)
	}
	defer tx.Rollback()

	var id, payload string
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload FROM skill_queue WHERE claimed = 0 ORDER BY sequence LIMIT 1`).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim call: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE skill_queue SET claimed = 1 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("claim call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim call: %w", err)
	}
	var call queuedCall
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		return nil, fmt.Errorf("decode queued call %s: %w", id, err)
	}
	return &call, nil
}

func (q *sqliteCallQueue) complete(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM skill_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete call: %w", err)
	}
	return nil
}

func (q *sqliteCallQueue) Close() error {
	if err := q.resetClaims(context.Background()); err != nil {
		q.log.WithError(err).Warn("failed to reset claimed calls on close")
	}
	return q.db.Close()
}

func (q *sqliteCallQueue) resetClaims(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE skill_queue SET claimed = 0 WHERE claimed = 1`); err != nil {
		return fmt.Errorf("reset claimed calls: %w", err)
	}
	return nil
}

func (q *sqliteCallQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// QueuedDispatcher accepts invocations onto a bounded queue and drains
// them with workers, resolving same-process submitters through futures
// and keeping addressable records for everyone else.
type QueuedDispatcher struct {
	log     logging.Logger
	d       *Dispatcher
	queue   callQueue
	workers int

	mu      sync.Mutex
	futures map[string]chan *Result
	records map[string]*Invocation
	order   []string

	wg sync.WaitGroup
}

// NewQueuedDispatcher builds the queue backend from cfg.Queue.
func NewQueuedDispatcher(log logging.Logger, d *Dispatcher, cfg config.SkillsConfig) (*QueuedDispatcher, error) {
	queue, err := newCallQueue(log, cfg.Queue)
	if err != nil {
		return nil, err
	}
	workers := cfg.Queue.Workers
	if workers < 1 {
		workers = 1
	}
	return &QueuedDispatcher{
		log:     log.WithField("component", "skill-dispatch-queue"),
		d:       d,
		queue:   queue,
		workers: workers,
		futures: make(map[string]chan *Result),
		records: make(map[string]*Invocation),
	}, nil
}

// Start launches the drain workers; they stop when ctx is cancelled.
func (qd *QueuedDispatcher) Start(ctx context.Context) {
	for i := 0; i < qd.workers; i++ {
		qd.wg.Add(1)
		go qd.worker(ctx)
	}
	qd.log.Infof("skill dispatch queue started with %d workers", qd.workers)
}

// Close waits for in-flight work and shuts the queue backend.
func (qd *QueuedDispatcher) Close() error {
	qd.wg.Wait()
	return qd.queue.Close()
}

// Submit validates the call, records it, and enqueues it. The returned
// channel resolves with the result; at capacity Submit returns an
// *OverloadedError and records nothing.
func (qd *QueuedDispatcher) Submit(ctx context.Context, ref string, args map[string]interface{}, approved bool, timeout time.Duration) (*Invocation, <-chan *Result, error) {
	skill, err := qd.d.registry.Resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	name := skill.Manifest.FullName()
	if err := skill.ValidateInput(args); err != nil {
		return nil, nil, &ValidationError{Skill: name, Err: err}
	}

	now := time.Now().UTC()
	inv := &Invocation{
		ID:        newInvocationID(),
		Skill:     name,
		Status:    InvocationQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	call := &queuedCall{
		ID:        inv.ID,
		Ref:       name,
		Arguments: args,
		Approved:  approved,
		TimeoutMS: timeout.Milliseconds(),
	}
	future := make(chan *Result, 1)

	qd.mu.Lock()
	qd.records[inv.ID] = inv
	qd.futures[inv.ID] = future
	qd.order = append(qd.order, inv.ID)
	qd.pruneLocked()
	qd.mu.Unlock()

	if err := qd.queue.enqueue(ctx, call); err != nil {
		qd.mu.Lock()
		delete(qd.records, inv.ID)
		delete(qd.futures, inv.ID)
		qd.mu.Unlock()
		return nil, nil, err
	}
	snapshot := *inv
	return &snapshot, future, nil
}

// Invocation returns a copy of the record for id.
func (qd *QueuedDispatcher) Invocation(id string) (*Invocation, bool) {
	qd.mu.Lock()
	defer qd.mu.Unlock()
	inv, ok := qd.records[id]
	if !ok {
		return nil, false
	}
	snapshot := *inv
	return &snapshot, true
}

func (qd *QueuedDispatcher) worker(ctx context.Context) {
	defer qd.wg.Done()
	for {
		call, err := qd.queue.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			qd.log.WithError(err).Warn("skill queue claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		qd.process(ctx, call)
	}
}

func (qd *QueuedDispatcher) process(ctx context.Context, call *queuedCall) {
	qd.mu.Lock()
	inv, ok := qd.records[call.ID]
	if !ok {
		// Replay of a call persisted before a restart.
		inv = &Invocation{
			ID:        call.ID,
			Skill:     call.Ref,
			CreatedAt: time.Now().UTC(),
		}
		qd.records[call.ID] = inv
		qd.order = append(qd.order, call.ID)
		qd.pruneLocked()
	}
	inv.Status = InvocationRunning
	inv.UpdatedAt = time.Now().UTC()
	qd.mu.Unlock()

	res, err := qd.d.Dispatch(ctx, call.Ref, call.Arguments, call.Approved, time.Duration(call.TimeoutMS)*time.Millisecond)
	if err != nil {
		res = &Result{Skill: call.Ref, Error: err.Error()}
	}

	qd.mu.Lock()
	inv.Result = res
	inv.Status = res.Status()
	inv.UpdatedAt = time.Now().UTC()
	future := qd.futures[call.ID]
	delete(qd.futures, call.ID)
	qd.mu.Unlock()

	if future != nil {
		future <- res
	}
	if err := qd.queue.complete(context.Background(), call.ID); err != nil {
		qd.log.WithError(err).Warnf("failed to complete queued call %s", call.ID)
	}
}

// pruneLocked trims finished records past the retention cap, oldest
// first. Callers hold qd.mu.
func (qd *QueuedDispatcher) pruneLocked() {
	if len(qd.order) <= invocationRetention {
		return
	}
	kept := make([]string, 0, len(qd.order))
	excess := len(qd.order) - invocationRetention
	for _, id := range qd.order {
		inv, ok := qd.records[id]
		if excess > 0 && ok && inv.Status != InvocationQueued && inv.Status != InvocationRunning {
			delete(qd.records, id)
			excess--
			continue
		}
		if ok {
			kept = append(kept, id)
		}
	}
	qd.order = kept
}

func newInvocationID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
