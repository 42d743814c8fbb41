// (c) Copyright Procwatch 2025

package governor

import (
	"sync"
	"time"
)

const (
	// nearHorizon is how far ahead the short-term memory projection looks
	nearHorizon = 60 * time.Second
	// farHorizon is how far ahead the long-term memory projection looks
	farHorizon = 5 * time.Minute
	// predictiveCriticalBound is the time-to-critical below which a projection
	// is escalated from a predictive warning to a predictive critical alert
	predictiveCriticalBound = 2 * time.Minute
)

// MemorySnapshot is a single observation of the parent's memory state taken by
// the monitor loop.
type MemorySnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	// HeapAlloc and HeapSys come from the Go runtime, RSS from the OS
	HeapAlloc uint64 `json:"heap_alloc"`
	HeapSys   uint64 `json:"heap_sys"`
	RSS       uint64 `json:"rss"`
	// SystemAvailable is the host-wide available memory at sampling time
	SystemAvailable uint64 `json:"system_available"`
	// Subprocesses is the tracked subprocess count at sampling time
	Subprocesses int `json:"subprocesses"`
}

// Prediction is the outcome of a linear trend estimate over recent snapshots.
type Prediction struct {
	// GrowthRate is the estimated RSS growth in bytes per second. Negative
	// when memory use is shrinking.
	GrowthRate float64 `json:"growth_rate"`
	// ProjectedNear and ProjectedFar are the RSS values expected at the near
	// and far horizons if the current trend continues
	ProjectedNear uint64 `json:"projected_near"`
	ProjectedFar  uint64 `json:"projected_far"`
	// TimeToCritical is the estimated time until RSS reaches the critical
	// threshold, zero when the trend never reaches it
	TimeToCritical time.Duration `json:"time_to_critical"`
}

// snapshotHistory is a bounded ring of memory snapshots. Appending past the
// bound drops the oldest snapshot.
type snapshotHistory struct {
	mu    sync.Mutex
	bound int
	items []MemorySnapshot
}

func newSnapshotHistory(bound int) *snapshotHistory {
	if bound < 2 {
		bound = 2
	}

	return &snapshotHistory{bound: bound}
}

func (h *snapshotHistory) Append(s MemorySnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, s)
	if len(h.items) > h.bound {
		h.items = h.items[len(h.items)-h.bound:]
	}
}

// Recent returns up to n most recent snapshots, oldest first.
func (h *snapshotHistory) Recent(n int) []MemorySnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > len(h.items) {
		n = len(h.items)
	}

	recent := make([]MemorySnapshot, n)
	copy(recent, h.items[len(h.items)-n:])

	return recent
}

func (h *snapshotHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.items)
}

// predictTrend derives the memory growth rate from the first and last of the
// given snapshots and extrapolates it against the critical threshold. It
// returns false when there are fewer than two snapshots or the observations
// span no time.
func predictTrend(snapshots []MemorySnapshot, criticalUsage uint64) (Prediction, bool) {
	if len(snapshots) < 2 {
		return Prediction{}, false
	}

	first, last := snapshots[0], snapshots[len(snapshots)-1]

	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return Prediction{}, false
	}

	rate := (float64(last.RSS) - float64(first.RSS)) / elapsed
	current := float64(last.RSS)

	p := Prediction{
		GrowthRate:    rate,
		ProjectedNear: projectAt(current, rate, nearHorizon.Seconds()),
		ProjectedFar:  projectAt(current, rate, farHorizon.Seconds()),
	}

	if rate > 0 {
		if headroom := float64(criticalUsage) - current; headroom > 0 {
			p.TimeToCritical = time.Duration(headroom / rate * float64(time.Second))
		}
	}

	return p, true
}

func projectAt(current, rate, seconds float64) uint64 {
	v := current + rate*seconds
	if v < 0 {
		return 0
	}

	return uint64(v)
}
