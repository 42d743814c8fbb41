// (c) Copyright Procwatch 2025

package governor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procwatch/go-governor/proctable"
)

// reconcileEvery is the number of monitor ticks between registry
// reconciliations against the live process table
const reconcileEvery = 6

// reconciler verifies that tracked records still match the OS process table.
// The implementation is chosen once, at startup, based on what the process
// table source supports.
type reconciler interface {
	Reconcile()
}

// registryReconciler cross-checks liveness and parentage. A tracked pid whose
// parent is no longer us was reused by an unrelated process and must not be
// signaled.
type registryReconciler struct {
	guard *guardS
}

func (rc registryReconciler) Reconcile() {
	self := os.Getpid()

	for _, pid := range rc.guard.registry.PIDs() {
		rec, ok := rc.guard.registry.Get(pid)
		if !ok {
			continue
		}

		if !rc.guard.source.Alive(pid) {
			if rec.cmd == nil {
				rc.guard.onExit(rec, -1)
			}

			continue
		}

		if ppid, err := rc.guard.source.ParentPID(pid); err == nil && ppid != self {
			rc.guard.reap(rec, "pid was reused by another process")
		}
	}
}

// livenessReconciler only checks that tracked pids still exist. Used when the
// process table source cannot report parent pids.
type livenessReconciler struct {
	guard *guardS
}

func (rc livenessReconciler) Reconcile() {
	for _, pid := range rc.guard.registry.PIDs() {
		rec, ok := rc.guard.registry.Get(pid)
		if !ok || rc.guard.source.Alive(pid) {
			continue
		}

		if rec.cmd == nil {
			rc.guard.onExit(rec, -1)
		}
	}
}

// monitorS samples the parent's own memory, predicts its trend and runs the
// tiered cleanup policy when thresholds are crossed.
type monitorS struct {
	opts       *Options
	logger     LeveledLogger
	sink       *alertSink
	guard      *guardS
	caches     *cacheSet
	artifacts  *artifactWriter
	history    *snapshotHistory
	reconciler reconciler
	rssFn      func() uint64
	nowFn      func() time.Time

	peakRSS uint64
	ticks   uint64

	cleanupMu     sync.Mutex
	lastProactive time.Time
	lastEmergency time.Time

	sampleTimer *timer
}

func newMonitor(
	opts *Options,
	lg LeveledLogger,
	sink *alertSink,
	guard *guardS,
	caches *cacheSet,
	artifacts *artifactWriter,
	rssFn func() uint64,
) *monitorS {
	m := &monitorS{
		opts:      opts,
		logger:    lg,
		sink:      sink,
		guard:     guard,
		caches:    caches,
		artifacts: artifacts,
		history:   newSnapshotHistory(opts.HistorySize),
		rssFn:     rssFn,
		nowFn:     time.Now,
	}

	// probe the source's parent pid support once and pick the reconciler
	if _, err := guard.source.ParentPID(os.Getpid()); err != nil {
		m.reconciler = livenessReconciler{guard: guard}
	} else {
		m.reconciler = registryReconciler{guard: guard}
	}

	return m
}

func (m *monitorS) Start() {
	m.sampleTimer = newTimer(0, m.opts.MonitorInterval, m.logger, m.sampleOnce)
}

func (m *monitorS) Stop() {
	if m.sampleTimer != nil {
		m.sampleTimer.Stop()
	}
}

// PeakRSS returns the largest parent RSS observed so far.
func (m *monitorS) PeakRSS() uint64 {
	return atomic.LoadUint64(&m.peakRSS)
}

func (m *monitorS) sampleOnce() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	rss := m.rssFn()

	for {
		peak := atomic.LoadUint64(&m.peakRSS)
		if rss <= peak || atomic.CompareAndSwapUint64(&m.peakRSS, peak, rss) {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.QueryTimeout)
	sys, sysErr := m.guard.source.Memory(ctx)
	cancel()

	if sysErr != nil {
		m.logger.Debug("system memory query failed: ", sysErr)
	}

	now := m.nowFn()

	m.history.Append(MemorySnapshot{
		Timestamp:       now,
		HeapAlloc:       ms.HeapAlloc,
		HeapSys:         ms.HeapSys,
		RSS:             rss,
		SystemAvailable: sys.Available,
		Subprocesses:    m.guard.registry.Len(),
	})

	criticalUsage := uint64(m.opts.CriticalFraction * float64(m.opts.TotalMemoryCeiling))

	var prediction *Prediction
	if p, ok := predictTrend(m.history.Recent(m.opts.PredictionWindow), criticalUsage); ok {
		prediction = &p
		m.emitPredictive(p, criticalUsage)
	}

	m.applyThresholds(rss, now)

	if atomic.AddUint64(&m.ticks, 1)%reconcileEvery == 0 {
		m.reconciler.Reconcile()
	}

	m.writeDashboard(rss, ms.HeapAlloc, sys, prediction, now)
}

// emitPredictive raises trend alerts: a projection that reaches the critical
// threshold soon is critical, a near-horizon projection at or past the
// threshold is a warning. Advisory only, remediation stays with the reactive
// tiers.
func (m *monitorS) emitPredictive(p Prediction, criticalUsage uint64) {
	if p.TimeToCritical > 0 && p.TimeToCritical <= predictiveCriticalBound {
		m.sink.Emit(LevelPredictive, KindPredictiveCritical,
			fmt.Sprintf("critical memory threshold projected to be hit in %s at %.0f bytes/s",
				p.TimeToCritical.Round(time.Second), p.GrowthRate),
			AlertContext{
				GrowthRate:     p.GrowthRate,
				TimeToCritical: p.TimeToCritical,
				MemoryLimit:    criticalUsage,
			})

		return
	}

	if p.ProjectedNear >= criticalUsage {
		m.sink.Emit(LevelPredictive, KindPredictiveWarning,
			fmt.Sprintf("memory projected at %d bytes within %s", p.ProjectedNear, nearHorizon),
			AlertContext{
				GrowthRate:  p.GrowthRate,
				MemoryUsed:  p.ProjectedNear,
				MemoryLimit: criticalUsage,
			})
	}
}

// applyThresholds runs the reactive cleanup tiers against the parent RSS.
// Each tier re-arms only after the alert cooldown.
func (m *monitorS) applyThresholds(rss uint64, now time.Time) {
	frac := float64(rss) / float64(m.opts.TotalMemoryCeiling)

	switch {
	case frac >= m.opts.CriticalFraction:
		m.cleanupMu.Lock()
		due := now.Sub(m.lastEmergency) >= m.opts.AlertCooldown
		if due {
			m.lastEmergency = now
		}
		m.cleanupMu.Unlock()

		if due {
			m.emergencyCleanup(rss)
		}

	case frac >= m.opts.WarningFraction:
		m.cleanupMu.Lock()
		due := now.Sub(m.lastProactive) >= m.opts.AlertCooldown
		if due {
			m.lastProactive = now
		}
		m.cleanupMu.Unlock()

		if due {
			m.proactiveCleanup(rss)
		}
	}
}

// proactiveCleanup is the warning tier: return heap memory to the OS and trim
// the bounded caches.
func (m *monitorS) proactiveCleanup(rss uint64) {
	freed := forceReclaim(1)
	pruned := m.caches.PruneAll()

	m.sink.Emit(LevelWarning, KindProactiveCleanup,
		fmt.Sprintf("parent RSS %d crossed the warning threshold, pruned %d cache entries", rss, pruned),
		AlertContext{
			MemoryUsed:  rss,
			MemoryLimit: m.opts.TotalMemoryCeiling,
			FreedBytes:  freed,
		})
}

// emergencyCleanup is the critical tier: aggressive GC, cache flush and
// largest-first subprocess shedding down to the global budget. A heap profile
// summary is captured for the post-mortem trail.
func (m *monitorS) emergencyCleanup(rss uint64) {
	freed := forceReclaim(2)
	m.caches.ClearAll()

	target := uint64(m.opts.GlobalBudgetFraction * float64(m.opts.TotalMemoryCeiling))
	terminated := m.guard.ShedExcess(target)

	if hs, err := heapProfileSummary(); err != nil {
		m.logger.Debug("heap profile capture failed: ", err)
	} else {
		m.logger.Warn("heap at emergency cleanup: ", hs.InuseBytes, " bytes in ",
			hs.InuseObjects, " objects across ", hs.Samples, " samples")
	}

	m.sink.Emit(LevelCritical, KindEmergencyCleanup,
		fmt.Sprintf("parent RSS %d crossed the critical threshold", rss),
		AlertContext{
			MemoryUsed:  rss,
			MemoryLimit: m.opts.TotalMemoryCeiling,
			FreedBytes:  freed,
			Terminated:  terminated,
		})
}

func (m *monitorS) writeDashboard(rss, heapAlloc uint64, sys proctable.SystemMemory, prediction *Prediction, now time.Time) {
	if m.artifacts == nil {
		return
	}

	d := Dashboard{
		Service:      m.opts.Service,
		UpdatedAt:    now,
		ParentPID:    os.Getpid(),
		ParentRSS:    rss,
		HeapAlloc:    heapAlloc,
		SystemMemory: sys,
		Active:       m.guard.registry.Summaries(),
		Prediction:   prediction,
		Alerts:       m.sink.Recent(20),
		Caches:       m.caches.Status(),
	}

	if err := m.artifacts.WriteDashboard(d); err != nil {
		m.logger.Warn("failed to write dashboard: ", err)
	}
}
