// (c) Copyright Procwatch 2025

package governor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procwatch/go-governor/lru"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (r *eventRecorder) Record(ev AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *eventRecorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]string, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}

	return kinds
}

func (r *eventRecorder) First(kind string) (AlertEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}

	return AlertEvent{}, false
}

func newTestMonitor(opts *Options, src *fakeSource, rss *uint64) (*monitorS, *guardS, *eventRecorder) {
	opts.setDefaults()

	lg := defaultLogger()
	sink := newAlertSink(opts.AlertCooldown, 100, lg, nil)

	rec := &eventRecorder{}
	sink.AddHandler(rec.Record)

	completed := lru.New[string, SubprocessSummary](opts.CacheCapacity)
	caches := newCacheSet()
	caches.Register(completedCacheName, completed)

	rssFn := func() uint64 { return *rss }

	guard := newGuard(opts, lg, src, sink, completed, rssFn)
	monitor := newMonitor(opts, lg, sink, guard, caches, nil, rssFn)

	return monitor, guard, rec
}

func TestMonitor_PredictiveCriticalOnFastGrowth(t *testing.T) {
	rss := uint64(0)
	m, _, events := newTestMonitor(&Options{
		TotalMemoryCeiling: 1 << 30,
		WarningFraction:    0.99,
		CriticalFraction:   0.995,
	}, newFakeSource(), &rss)

	base := time.Now()

	// 10MB/s of steady growth towards a 1GB ceiling
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		m.nowFn = func() time.Time { return now }

		rss = uint64(800<<20) + uint64(i)*(10<<20)
		m.sampleOnce()
	}

	ev, found := events.First(KindPredictiveCritical)
	require.True(t, found, "expected a predictive critical alert, got %v", events.Kinds())

	assert.Equal(t, LevelPredictive, ev.Level)
	assert.Greater(t, ev.Context.TimeToCritical, time.Duration(0))
	assert.LessOrEqual(t, ev.Context.TimeToCritical, predictiveCriticalBound)
}

func TestMonitor_PredictiveWarningOverCriticalThreshold(t *testing.T) {
	rss := uint64(900 << 20)
	m, _, events := newTestMonitor(&Options{
		TotalMemoryCeiling: 1 << 30,
	}, newFakeSource(), &rss)

	base := time.Now()

	// flat usage already past the critical threshold: no growth to project a
	// time-to-critical from, but the near-horizon projection stays over it
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		m.nowFn = func() time.Time { return now }
		m.sampleOnce()
	}

	_, critical := events.First(KindPredictiveCritical)
	assert.False(t, critical)

	ev, found := events.First(KindPredictiveWarning)
	require.True(t, found, "expected a predictive warning, got %v", events.Kinds())
	assert.Equal(t, LevelPredictive, ev.Level)
}

func TestMonitor_NoPredictionOnFlatUsage(t *testing.T) {
	rss := uint64(100 << 20)
	m, _, events := newTestMonitor(&Options{TotalMemoryCeiling: 1 << 30}, newFakeSource(), &rss)

	base := time.Now()
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		m.nowFn = func() time.Time { return now }
		m.sampleOnce()
	}

	_, warning := events.First(KindPredictiveWarning)
	_, critical := events.First(KindPredictiveCritical)

	assert.False(t, warning)
	assert.False(t, critical)
}

func TestMonitor_ProactiveCleanupPrunesCaches(t *testing.T) {
	rss := uint64(750 << 20) // ~73% of a 1GB ceiling
	m, _, events := newTestMonitor(&Options{TotalMemoryCeiling: 1 << 30}, newFakeSource(), &rss)

	cache := lru.New[int, string](10)
	for i := 0; i < 10; i++ {
		cache.Set(i, "value")
	}

	m.caches.Register("test-cache", cache)

	m.sampleOnce()

	ev, found := events.First(KindProactiveCleanup)
	require.True(t, found, "expected a proactive cleanup, got %v", events.Kinds())
	assert.Equal(t, LevelWarning, ev.Level)

	assert.Equal(t, 8, cache.Len())
}

func TestMonitor_EmergencyCleanupShedsSubprocesses(t *testing.T) {
	src := newFakeSource()

	rss := uint64(900 << 20) // ~88% of a 1GB ceiling
	m, guard, events := newTestMonitor(&Options{TotalMemoryCeiling: 1 << 30}, src, &rss)

	cache := lru.New[int, string](10)
	cache.Set(1, "value")
	m.caches.Register("test-cache", cache)

	rec := addTrackedRecord(guard, src, 701, 0, 10<<30)
	rec.UpdateSample(900<<20, 0, time.Now())

	m.sampleOnce()

	ev, found := events.First(KindEmergencyCleanup)
	require.True(t, found, "expected an emergency cleanup, got %v", events.Kinds())
	assert.Equal(t, LevelCritical, ev.Level)

	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, []int{701}, src.terminatedPIDs())
}

func TestMonitor_CleanupRearmsAfterCooldown(t *testing.T) {
	rss := uint64(750 << 20)
	m, _, events := newTestMonitor(&Options{
		TotalMemoryCeiling: 1 << 30,
		AlertCooldown:      time.Minute,
	}, newFakeSource(), &rss)

	base := time.Now()

	at := func(now time.Time) {
		m.nowFn = func() time.Time { return now }
		m.sink.nowFn = m.nowFn
	}

	at(base)
	m.sampleOnce()
	m.sampleOnce()

	at(base.Add(2 * time.Minute))
	m.sampleOnce()

	count := 0
	for _, kind := range events.Kinds() {
		if kind == KindProactiveCleanup {
			count++
		}
	}

	assert.Equal(t, 2, count)
}

func TestMonitor_TracksPeakRSS(t *testing.T) {
	rss := uint64(0)
	m, _, _ := newTestMonitor(&Options{TotalMemoryCeiling: 100 << 30}, newFakeSource(), &rss)

	for _, v := range []uint64{100 << 20, 300 << 20, 200 << 20} {
		rss = v
		m.sampleOnce()
	}

	assert.EqualValues(t, 300<<20, m.PeakRSS())
}

func TestMonitor_PicksReconcilerBySourceCapability(t *testing.T) {
	rss := uint64(0)

	m, _, _ := newTestMonitor(&Options{}, newFakeSource(), &rss)
	assert.IsType(t, registryReconciler{}, m.reconciler)

	limited := newFakeSource()
	limited.ppidErr = os.ErrInvalid

	m, _, _ = newTestMonitor(&Options{}, limited, &rss)
	assert.IsType(t, livenessReconciler{}, m.reconciler)
}

func TestRegistryReconciler_DropsReusedPID(t *testing.T) {
	src := newFakeSource()
	rss := uint64(0)

	m, guard, _ := newTestMonitor(&Options{}, src, &rss)

	addTrackedRecord(guard, src, 801, 1<<20, 1<<30)

	src.mu.Lock()
	src.parents[801] = 1
	src.mu.Unlock()

	m.reconciler.Reconcile()

	_, tracked := guard.registry.Get(801)
	assert.False(t, tracked)
	assert.Empty(t, src.terminatedPIDs())
}
