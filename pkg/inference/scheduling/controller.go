// Package scheduling regulates how many inference requests execute at
// once. A global adaptive limit is split into a normal lane and a
// reserved high-priority lane, with optional per-model and per-client
// fairness caps layered underneath. The limit adapts to memory pressure
// and observed latency, and the controller supports graceful drain.
package scheduling

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

// QueueKind labels the admission queues for waiting-depth accounting.
type QueueKind string

const (
	QueueHigh      QueueKind = "high"
	QueueNormal    QueueKind = "normal"
	QueueGlobal    QueueKind = "global"
	QueuePerModel  QueueKind = "per_model"
	QueuePerClient QueueKind = "per_client"
)

// laneSplitMin is the smallest global capacity at which one slot is
// reserved for high-priority traffic.
const laneSplitMin = 3

// latencyWindowSize bounds the rolling latency sample set consulted by
// Adapt.
const latencyWindowSize = 128

// minLatencySamples is how many samples must exist before latency feedback
// adjusts the limit.
const minLatencySamples = 8

// anonymousClient is the normalized key for requests without a client ID.
const anonymousClient = "anonymous"

// Options configures a Controller.
type Options struct {
	// MaxConcurrent seeds the global limit and caps upward adaptation.
	MaxConcurrent int
	// AcquireTimeout bounds each semaphore wait; expiry yields
	// inference.ErrOverloaded.
	AcquireTimeout time.Duration
	// AdaptiveEnabled turns on latency feedback in Adapt.
	AdaptiveEnabled bool
	// AdaptiveMin is the floor the limit can shrink to.
	AdaptiveMin int
	// LatencyTargetMs is the p95 service-latency target.
	LatencyTargetMs float64
	// MemoryThresholdPct is the memory ceiling the pressure ratio is
	// computed against.
	MemoryThresholdPct float64
	// PerModelCaps limits concurrent requests per model ID. Caps at or
	// above MaxConcurrent are ignored.
	PerModelCaps map[string]int
	// PerClientEnabled turns on per-client fairness caps.
	PerClientEnabled bool
	// PerClientDefaultCap applies to clients without an override.
	PerClientDefaultCap int
	// PerClientOverrides maps client IDs to their caps.
	PerClientOverrides map[string]int
}

// Controller admits inference requests. All methods are safe for
// concurrent use.
type Controller struct {
	log  logging.Logger
	opts Options

	mu            sync.Mutex
	target        int
	pendingTarget int
	global        *semaphore.Weighted
	high          *semaphore.Weighted
	normal        *semaphore.Weighted
	perModel      map[string]*semaphore.Weighted
	perClient     map[string]*semaphore.Weighted

	inFlight        int
	inFlightByModel map[string]int
	waiting         map[QueueKind]int
	// idle is closed whenever inFlight reaches zero and replaced when it
	// leaves zero; Drain waits on it.
	idle chan struct{}

	latencies latencyWindow
}

// NewController creates a controller with the configured seed limit.
func NewController(log logging.Logger, opts Options) *Controller {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.AdaptiveMin < 1 {
		opts.AdaptiveMin = 1
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	c := &Controller{
		log:             log,
		opts:            opts,
		perModel:        make(map[string]*semaphore.Weighted),
		perClient:       make(map[string]*semaphore.Weighted),
		inFlightByModel: make(map[string]int),
		waiting:         make(map[QueueKind]int),
		idle:            closedChan(),
	}
	c.setTargetLocked(opts.MaxConcurrent)
	return c
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// setTargetLocked installs a new global limit and rebuilds the lane
// semaphores. Callers hold c.mu and have verified inFlight == 0.
func (c *Controller) setTargetLocked(target int) {
	c.pendingTarget = 0
	if target == c.target {
		return
	}
	if c.target != 0 {
		c.log.WithFields(map[string]interface{}{
			"from": c.target,
			"to":   target,
		}).Info("concurrency limit adjusted")
	}
	c.target = target
	c.global = semaphore.NewWeighted(int64(target))
	if target >= laneSplitMin {
		c.high = semaphore.NewWeighted(1)
		c.normal = semaphore.NewWeighted(int64(target - 1))
	} else {
		c.high = nil
		c.normal = nil
	}
}

// Ticket is one admitted request. Release must be called exactly once;
// extra calls are ignored.
type Ticket struct {
	c         *Controller
	model     string
	client    string
	sems      []*semaphore.Weighted
	admitted  time.Time
	queueWait time.Duration
	once      sync.Once
}

// QueueWait is how long the request waited for admission.
func (t *Ticket) QueueWait() time.Duration {
	return t.queueWait
}

// Release returns the ticket's slots in reverse acquire order and records
// the service latency sample.
func (t *Ticket) Release() {
	t.once.Do(func() {
		for i := len(t.sems) - 1; i >= 0; i-- {
			t.sems[i].Release(1)
		}
		c := t.c
		c.mu.Lock()
		defer c.mu.Unlock()
		c.latencies.record(float64(time.Since(t.admitted).Milliseconds()))
		c.inFlight--
		if n := c.inFlightByModel[t.model] - 1; n > 0 {
			c.inFlightByModel[t.model] = n
		} else {
			delete(c.inFlightByModel, t.model)
		}
		if c.inFlight == 0 {
			close(c.idle)
			if c.pendingTarget != 0 {
				c.setTargetLocked(c.pendingTarget)
			}
		}
	})
}

type acquireStep struct {
	sem  *semaphore.Weighted
	kind QueueKind
}

// Acquire admits one request, waiting up to the configured timeout on
// each queue: lane (when split), then global, then per-model and
// per-client caps. On timeout it returns inference.ErrOverloaded; a
// cancelled caller context returns that context's error.
func (c *Controller) Acquire(ctx context.Context, model, clientID string, priority inference.Priority) (*Ticket, error) {
	start := time.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, c.opts.AcquireTimeout)
	defer cancel()

	c.mu.Lock()
	var steps []acquireStep
	if c.high != nil {
		if priority == inference.PriorityHigh {
			steps = append(steps, acquireStep{c.high, QueueHigh})
		} else {
			steps = append(steps, acquireStep{c.normal, QueueNormal})
		}
	}
	steps = append(steps, acquireStep{c.global, QueueGlobal})
	if sem := c.perModelLocked(model); sem != nil {
		steps = append(steps, acquireStep{sem, QueuePerModel})
	}
	client := clientID
	if client == "" {
		client = anonymousClient
	}
	if sem := c.perClientLocked(client); sem != nil {
		steps = append(steps, acquireStep{sem, QueuePerClient})
	}
	c.mu.Unlock()

	var held []*semaphore.Weighted
	for _, step := range steps {
		c.noteWaiting(step.kind, 1)
		err := step.sem.Acquire(acquireCtx, 1)
		c.noteWaiting(step.kind, -1)
		if err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Release(1)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, inference.ErrOverloaded
			}
			return nil, err
		}
		held = append(held, step.sem)
	}

	c.mu.Lock()
	c.inFlight++
	if c.inFlight == 1 {
		c.idle = make(chan struct{})
	}
	c.inFlightByModel[model]++
	c.mu.Unlock()

	return &Ticket{
		c:         c,
		model:     model,
		client:    client,
		sems:      held,
		admitted:  time.Now(),
		queueWait: time.Since(start),
	}, nil
}

func (c *Controller) noteWaiting(kind QueueKind, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.waiting[kind] + delta; n > 0 {
		c.waiting[kind] = n
	} else {
		delete(c.waiting, kind)
	}
}

// perModelLocked returns the semaphore capping model, or nil when the
// model is uncapped. Caps at or above the configured maximum are moot.
func (c *Controller) perModelLocked(model string) *semaphore.Weighted {
	limit, ok := c.opts.PerModelCaps[model]
	if !ok || limit <= 0 || limit >= c.opts.MaxConcurrent {
		return nil
	}
	sem, ok := c.perModel[model]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		c.perModel[model] = sem
	}
	return sem
}

// perClientLocked lazily creates the fairness semaphore for client.
func (c *Controller) perClientLocked(client string) *semaphore.Weighted {
	if !c.opts.PerClientEnabled {
		return nil
	}
	sem, ok := c.perClient[client]
	if !ok {
		limit := c.opts.PerClientDefaultCap
		if override, ok := c.opts.PerClientOverrides[client]; ok {
			limit = override
		}
		if limit > c.opts.MaxConcurrent {
			limit = c.opts.MaxConcurrent
		}
		if limit < 1 {
			limit = 1
		}
		sem = semaphore.NewWeighted(int64(limit))
		c.perClient[client] = sem
	}
	return sem
}

// Adapt recomputes the concurrency target from memory pressure and, when
// enabled, latency feedback. The new target takes effect immediately when
// the controller is idle, otherwise at the next idle transition so held
// slots are never revoked.
func (c *Controller) Adapt(memoryUsedPct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.opts.MaxConcurrent
	var ratio float64
	if c.opts.MemoryThresholdPct > 0 {
		ratio = memoryUsedPct / c.opts.MemoryThresholdPct
	}
	var target int
	switch {
	case ratio < 0.70:
		target = limit
	case ratio < 0.85:
		target = limit * 3 / 4
	case ratio < 0.95:
		target = limit / 2
	default:
		target = c.opts.AdaptiveMin
	}
	if target < c.opts.AdaptiveMin {
		target = c.opts.AdaptiveMin
	}

	if c.opts.AdaptiveEnabled && c.opts.LatencyTargetMs > 0 {
		if p95, ok := c.latencies.p95(minLatencySamples); ok {
			switch {
			case p95 > 1.25*c.opts.LatencyTargetMs && target > c.opts.AdaptiveMin:
				target--
			case p95 < 0.70*c.opts.LatencyTargetMs && c.waitingDepthLocked() > 0 && target < limit:
				target++
			}
		}
	}

	if c.inFlight == 0 {
		c.setTargetLocked(target)
	} else if target != c.target {
		c.pendingTarget = target
	} else {
		c.pendingTarget = 0
	}
}

func (c *Controller) waitingDepthLocked() int {
	var total int
	for _, n := range c.waiting {
		total += n
	}
	return total
}

// Drain waits until no requests are in flight or the timeout elapses. It
// does not refuse new arrivals; callers stop feeding requests first.
func (c *Controller) Drain(timeout time.Duration) bool {
	c.mu.Lock()
	if c.inFlight == 0 {
		c.mu.Unlock()
		return true
	}
	idle := c.idle
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// InFlight reports the current number of admitted requests.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// InFlightForModel reports admitted requests running against one model.
func (c *Controller) InFlightForModel(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlightByModel[model]
}

// Snapshot is the admin-status view of the controller.
type Snapshot struct {
	Limit    int            `json:"limit"`
	InFlight int            `json:"in_flight"`
	ByModel  map[string]int `json:"in_flight_by_model,omitempty"`
	Waiting  map[string]int `json:"waiting,omitempty"`
	P95Ms    float64        `json:"p95_ms,omitempty"`
}

// Snapshot captures current admission state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Limit:    c.target,
		InFlight: c.inFlight,
	}
	if len(c.inFlightByModel) > 0 {
		snap.ByModel = make(map[string]int, len(c.inFlightByModel))
		for model, n := range c.inFlightByModel {
			snap.ByModel[model] = n
		}
	}
	if len(c.waiting) > 0 {
		snap.Waiting = make(map[string]int, len(c.waiting))
		for kind, n := range c.waiting {
			snap.Waiting[string(kind)] = n
		}
	}
	if p95, ok := c.latencies.p95(1); ok {
		snap.P95Ms = p95
	}
	return snap
}
