package scheduling

import "sort"

// latencyWindow is a fixed-size ring of service-latency samples in
// milliseconds. The controller serializes access.
type latencyWindow struct {
	samples [latencyWindowSize]float64
	count   int
	next    int
}

func (w *latencyWindow) record(ms float64) {
	w.samples[w.next] = ms
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// p95 returns the 95th percentile of the window once at least minSamples
// samples exist.
func (w *latencyWindow) p95(minSamples int) (float64, bool) {
	if minSamples < 1 {
		minSamples = 1
	}
	if w.count < minSamples {
		return 0, false
	}
	sorted := make([]float64, w.count)
	copy(sorted, w.samples[:w.count])
	sort.Float64s(sorted)
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx], true
}
