// Package memory polls host memory and publishes pressure events. The
// concurrency controller and the lifecycle manager consume its snapshots.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elastic/go-sysinfo"
	"github.com/elastic/go-sysinfo/types"

	"github.com/opta-ai/opta-lmx/pkg/events"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

// Config tunes the monitor. Percentages are 0-100.
type Config struct {
	ThresholdPct      float64
	CriticalPct       float64
	PollInterval      time.Duration
	SafetyMarginBytes uint64
}

// Snapshot is one observation of host memory.
type Snapshot struct {
	TotalBytes     uint64    `json:"total_bytes"`
	UsedBytes      uint64    `json:"used_bytes"`
	AvailableBytes uint64    `json:"available_bytes"`
	UsedPct        float64   `json:"used_pct"`
	Timestamp      time.Time `json:"timestamp"`
}

// Monitor polls host memory on an interval and tracks watermark crossings.
type Monitor struct {
	log logging.Logger
	cfg Config
	bus *events.Bus

	// probe abstracts go-sysinfo for tests.
	probe func() (*types.HostMemoryInfo, error)

	mu           sync.RWMutex
	last         Snapshot
	overPressure bool
	overCritical bool
}

// NewMonitor creates a monitor; it takes an initial reading lazily on the
// first Snapshot or Run tick.
func NewMonitor(log logging.Logger, cfg Config, bus *events.Bus) *Monitor {
	return &Monitor{
		log:   log.WithField("component", "memory-monitor"),
		cfg:   cfg,
		bus:   bus,
		probe: hostMemory,
	}
}

func hostMemory() (*types.HostMemoryInfo, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	mem, err := host.Memory()
	if err != nil {
		return nil, fmt.Errorf("host memory: %w", err)
	}
	return mem, nil
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	if err := m.Poll(); err != nil {
		m.log.WithError(err).Warn("initial memory poll failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(); err != nil {
				m.log.WithError(err).Warn("memory poll failed")
			}
		}
	}
}

// Poll takes one reading and publishes watermark transitions.
func (m *Monitor) Poll() error {
	info, err := m.probe()
	if err != nil {
		return err
	}

	snap := Snapshot{
		TotalBytes:     info.Total,
		AvailableBytes: info.Available,
		Timestamp:      time.Now().UTC(),
	}
	if info.Total > info.Available {
		snap.UsedBytes = info.Total - info.Available
	}
	if info.Total > 0 {
		snap.UsedPct = float64(snap.UsedBytes) / float64(info.Total) * 100
	}

	m.mu.Lock()
	m.last = snap
	threshold := m.cfg.ThresholdPct
	critical := m.cfg.CriticalPct
	overPressure := snap.UsedPct >= threshold
	overCritical := snap.UsedPct >= critical
	pressureEdge := overPressure && !m.overPressure
	criticalEdge := overCritical && !m.overCritical
	m.overPressure = overPressure
	m.overCritical = overCritical
	m.mu.Unlock()

	if pressureEdge {
		m.log.WithFields(map[string]interface{}{
			"used_pct":      fmt.Sprintf("%.1f", snap.UsedPct),
			"threshold_pct": threshold,
		}).Warn("memory high watermark crossed")
		m.bus.Publish(events.TypeMemoryPressure, events.MemoryPayload{
			UsedPct:      snap.UsedPct,
			ThresholdPct: threshold,
		})
	}
	if criticalEdge {
		m.bus.Publish(events.TypeMemoryCritical, events.MemoryPayload{
			UsedPct:      snap.UsedPct,
			ThresholdPct: critical,
		})
	}
	return nil
}

// Snapshot returns the most recent reading, polling once if none exists.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	snap := m.last
	m.mu.RUnlock()
	if snap.Timestamp.IsZero() {
		if err := m.Poll(); err == nil {
			m.mu.RLock()
			snap = m.last
			m.mu.RUnlock()
		}
	}
	return snap
}

// UnderPressure reports whether the last reading exceeded the high watermark.
func (m *Monitor) UnderPressure() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overPressure
}

// Ratio returns used_pct / threshold_pct for the adaptive concurrency limit.
func (m *Monitor) Ratio() float64 {
	snap := m.Snapshot()
	threshold := m.ThresholdPct()
	if threshold == 0 {
		return 0
	}
	return snap.UsedPct / threshold
}

// CanFit reports whether an allocation of the given size leaves the safety
// margin intact.
func (m *Monitor) CanFit(bytes uint64) bool {
	snap := m.Snapshot()
	return snap.AvailableBytes >= bytes+m.cfg.SafetyMarginBytes
}

// SetThresholdPct applies a hot-reloaded high watermark.
func (m *Monitor) SetThresholdPct(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.ThresholdPct = pct
}

// ThresholdPct returns the current high watermark.
func (m *Monitor) ThresholdPct() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.ThresholdPct
}
