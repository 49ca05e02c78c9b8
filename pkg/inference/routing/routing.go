// Package routing picks the serving model for a request. Resolve is a
// pure function of its inputs and mutates nothing; the engine feeds it
// the loaded set and a load snapshot on every call.
package routing

import "sort"

// Auto is the reserved model name that requests the least-loaded model.
const Auto = "auto"

// Load is one loaded model's instantaneous pressure.
type Load struct {
	// Active is the number of requests running against the model.
	Active int
	// Waiting is the admission-queue depth for the model.
	Waiting int
	// Cap is the per-model concurrency cap; zero means uncapped.
	Cap int
}

// Snapshot is the router's view of current pressure.
type Snapshot struct {
	Models map[string]Load
	// GlobalPressure is global in-flight over the global limit.
	GlobalPressure float64
}

// Options carry the configured aliases and default model.
type Options struct {
	// Aliases map a requestable name to an ordered preference list of
	// real model IDs.
	Aliases map[string][]string
	// Default is served when the requested name resolves nowhere else.
	Default string
}

// Score ranks a model for least-loaded selection: active and waiting
// counts, their cap-relative ratios, and the global pressure term.
func Score(l Load, globalPressure float64) float64 {
	score := float64(l.Active) + float64(l.Waiting) + globalPressure
	if l.Cap > 0 {
		score += float64(l.Active)/float64(l.Cap) + float64(l.Waiting)/float64(l.Cap)
	}
	return score
}

// Resolve maps a requested model name onto a loaded model ID:
// an exactly-loaded name wins, "auto" picks the least-loaded model, an
// alias walks its preference list, then the default model, then the
// requested name unchanged (the caller 404s when it is not loaded).
func Resolve(requested string, loaded []string, snap Snapshot, opts Options) string {
	isLoaded := make(map[string]bool, len(loaded))
	for _, id := range loaded {
		isLoaded[id] = true
	}

	if isLoaded[requested] {
		return requested
	}
	if requested == Auto {
		if best, ok := leastLoaded(loaded, snap); ok {
			return best
		}
		return requested
	}
	if prefs, ok := opts.Aliases[requested]; ok {
		// Preference order is primary; the load score only matters for
		// the auto policy.
		for _, id := range prefs {
			if isLoaded[id] {
				return id
			}
		}
	}
	if opts.Default != "" && isLoaded[opts.Default] {
		return opts.Default
	}
	return requested
}

func leastLoaded(loaded []string, snap Snapshot) (string, bool) {
	if len(loaded) == 0 {
		return "", false
	}
	ids := make([]string, len(loaded))
	copy(ids, loaded)
	sort.Strings(ids)

	best := ids[0]
	bestScore := Score(snap.Models[best], snap.GlobalPressure)
	for _, id := range ids[1:] {
		if score := Score(snap.Models[id], snap.GlobalPressure); score < bestScore {
			best, bestScore = id, score
		}
	}
	return best, true
}
