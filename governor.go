// (c) Copyright Procwatch 2025

// Package governor protects a parent process from its own subprocesses: spawns
// pass admission control, every tracked subprocess is sampled and subject to
// an escalating memory violation policy, and the parent's own memory trend is
// watched with predictive alerts and tiered cleanups.
package governor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procwatch/go-governor/lru"
	"github.com/procwatch/go-governor/process"
	"github.com/procwatch/go-governor/proctable"
)

const completedCacheName = "completed-subprocesses"

// clearableCache is what a cache must support to take part in the governor's
// memory cleanups. The bundled lru.Cache satisfies it.
type clearableCache interface {
	Clear()
	Prune() int
	Len() int
	Capacity() int
}

// cacheSet is the collection of registered bounded caches, pruned on
// proactive cleanups and flushed on emergency cleanups.
type cacheSet struct {
	mu     sync.Mutex
	caches map[string]clearableCache
}

func newCacheSet() *cacheSet {
	return &cacheSet{caches: make(map[string]clearableCache)}
}

func (cs *cacheSet) Register(name string, c clearableCache) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.caches[name] = c
}

func (cs *cacheSet) PruneAll() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	total := 0
	for _, c := range cs.caches {
		total += c.Prune()
	}

	return total
}

func (cs *cacheSet) ClearAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, c := range cs.caches {
		c.Clear()
	}
}

func (cs *cacheSet) Status() map[string]cacheStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	status := make(map[string]cacheStatus, len(cs.caches))
	for name, c := range cs.caches {
		status[name] = cacheStatus{Len: c.Len(), Capacity: c.Capacity()}
	}

	return status
}

// Governor ties the admission guard, the memory monitor, the alert sink and
// the artifact writer together. Construct one with New, start the loops with
// Start and release everything with Shutdown.
type Governor struct {
	opts      *Options
	logger    LeveledLogger
	source    proctable.Source
	sink      *alertSink
	guard     *guardS
	monitor   *monitorS
	caches    *cacheSet
	artifacts *artifactWriter
	completed *lru.Cache[string, SubprocessSummary]

	startedAt  time.Time
	started    flag
	stopped    flag
	signalStop func()
}

// Option customizes a Governor during New. Mostly useful in tests.
type Option func(*Governor)

// WithSource substitutes the OS process table source.
func WithSource(src proctable.Source) Option {
	return func(g *Governor) { g.source = src }
}

// WithLogger substitutes the logger. Any logger supporting leveled logging
// works, including logrus and zap.
func WithLogger(lg LeveledLogger) Option {
	return func(g *Governor) { g.logger = lg }
}

// New creates a Governor from the given options. Nil options mean "all
// defaults". GOVERNOR_* environment variables are applied on top of whatever
// is passed in. The polling loops do not run until Start is called.
func New(opts *Options, extras ...Option) *Governor {
	if opts == nil {
		opts = &Options{}
	} else {
		cp := *opts
		opts = &cp
	}

	opts.setDefaults()

	lg := defaultLogger()
	setLogLevel(lg, opts.LogLevel)

	applyEnvConfig(opts, lg)
	opts.setDefaults()

	g := &Governor{
		opts:   opts,
		logger: lg,
		source: proctable.NewSystemSource(),
	}

	for _, o := range extras {
		o(g)
	}

	if !opts.DisableArtifacts {
		artifacts, err := newArtifactWriter(opts.ArtifactDir)
		if err != nil {
			g.logger.Warn("artifact persistence disabled: ", err)
		} else {
			g.artifacts = artifacts
		}
	}

	g.sink = newAlertSink(opts.AlertCooldown, opts.CacheCapacity, g.logger, g.artifacts)

	g.completed = lru.New[string, SubprocessSummary](opts.CacheCapacity)
	g.caches = newCacheSet()
	g.caches.Register(completedCacheName, g.completed)

	g.guard = newGuard(opts, g.logger, g.source, g.sink, g.completed, ownRSS)
	g.monitor = newMonitor(opts, g.logger, g.sink, g.guard, g.caches, g.artifacts, ownRSS)

	return g
}

// ownRSS reads the parent's resident set from the proc filesystem, falling
// back to the runtime's OS-reserved figure where proc is not available.
func ownRSS() uint64 {
	if stats, err := process.Stats().Memory(); err == nil && stats.Rss > 0 {
		return stats.Rss
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return ms.Sys
}

// Start launches the polling loops and, when configured, the signal handler.
// Calling Start more than once is a no-op.
func (g *Governor) Start() {
	if !g.started.SetIfUnset() {
		return
	}

	g.startedAt = time.Now()

	g.guard.Start()
	g.monitor.Start()

	if g.opts.HandleSignals {
		g.signalStop = g.watchSignals()
	}

	g.logger.Info("governor started: ceiling ", g.opts.TotalMemoryCeiling,
		" bytes, ", g.opts.MaxConcurrentSubprocesses, " subprocess slots")
}

// CreateProtectedSubprocess starts command under governor protection. The
// returned record stays valid after the subprocess exits.
func (g *Governor) CreateProtectedSubprocess(ctx context.Context, command []string, so SpawnOptions) (*SubprocessRecord, error) {
	return g.guard.CreateProtectedSubprocess(ctx, command, so)
}

// RequestAdmission checks whether a subprocess with the given memory limit
// would currently be admitted, without spawning anything. A zero limit means
// the per-subprocess default. It returns nil when admission would succeed.
func (g *Governor) RequestAdmission(ctx context.Context, memoryLimit uint64) error {
	if memoryLimit == 0 {
		memoryLimit = g.opts.PerSubprocessCeiling
	}

	if admErr := g.guard.requestAdmission(ctx, memoryLimit); admErr != nil {
		return admErr
	}

	return nil
}

// Terminate gracefully stops the subprocess tracked under pid. It reports
// whether this call initiated the termination.
func (g *Governor) Terminate(pid int, reason string) bool {
	if reason == "" {
		reason = ReasonShutdown
	}

	return g.guard.Terminate(pid, reason)
}

// OnAlert registers a handler invoked for every alert that passes the
// cooldown gate.
func (g *Governor) OnAlert(h AlertHandler) {
	g.sink.AddHandler(h)
}

// RegisterCache adds a bounded cache to the governor's cleanup set.
func (g *Governor) RegisterCache(name string, c clearableCache) {
	g.caches.Register(name, c)
}

// Completed returns the summary of a finished subprocess by its handle, as
// long as it has not been evicted from the bounded completion cache.
func (g *Governor) Completed(handle string) (SubprocessSummary, bool) {
	return g.completed.Get(handle)
}

// Status is a point-in-time view of the governor state.
type Status struct {
	Service       string                 `json:"service"`
	ActiveCount   int                    `json:"active_count"`
	MaxConcurrent int                    `json:"max_concurrent"`
	OwnRSS        uint64                 `json:"own_rss"`
	PeakRSS       uint64                 `json:"peak_rss"`
	SystemMemory  proctable.SystemMemory `json:"system_memory"`
	Subprocesses  []SubprocessSummary    `json:"subprocesses"`
}

// Status reports the current governor state.
func (g *Governor) Status(ctx context.Context) Status {
	queryCtx, cancel := context.WithTimeout(ctx, g.opts.QueryTimeout)
	defer cancel()

	sys, err := g.source.Memory(queryCtx)
	if err != nil {
		g.logger.Debug("system memory query failed: ", err)
	}

	return Status{
		Service:       g.opts.Service,
		ActiveCount:   g.guard.registry.Len(),
		MaxConcurrent: g.opts.MaxConcurrentSubprocesses,
		OwnRSS:        ownRSS(),
		PeakRSS:       g.monitor.PeakRSS(),
		SystemMemory:  sys,
		Subprocesses:  g.guard.registry.Summaries(),
	}
}

// Shutdown stops the polling loops, gracefully terminates every tracked
// subprocess, waits for them to be collected and writes the final report.
// Subprocesses that outlive the context are force-killed before returning.
// Repeated calls are no-ops.
func (g *Governor) Shutdown(ctx context.Context) error {
	if !g.stopped.SetIfUnset() {
		return nil
	}

	g.monitor.Stop()
	g.guard.Stop()

	if g.signalStop != nil {
		g.signalStop()
	}

	terminated := g.guard.TerminateAll(ReasonShutdown)

	g.sink.Emit(LevelInfo, KindShutdown, "governor shutting down", AlertContext{
		Terminated: terminated,
	})

	drainErr := g.guard.Drain(ctx)
	if drainErr != nil {
		for _, pid := range g.guard.registry.PIDs() {
			if err := g.source.Kill(pid); err != nil {
				g.logger.Warn("failed to kill pid ", pid, " on shutdown: ", err)
			}
		}
	}

	if err := g.writeFinalReport(); err != nil {
		g.logger.Warn("failed to write final report: ", err)
	}

	if err := g.artifacts.Close(); err != nil {
		g.logger.Warn("failed to close event log: ", err)
	}

	g.caches.ClearAll()

	return drainErr
}

func (g *Governor) writeFinalReport() error {
	if g.artifacts == nil {
		return nil
	}

	var completed []SubprocessSummary
	for _, handle := range g.completed.Keys() {
		if s, ok := g.completed.Get(handle); ok {
			completed = append(completed, s)
		}
	}

	return g.artifacts.WriteReport(FinalReport{
		Service:          g.opts.Service,
		StartedAt:        g.startedAt,
		FinishedAt:       time.Now(),
		TotalLaunched:    atomic.LoadUint64(&g.guard.launched),
		TotalDenied:      atomic.LoadUint64(&g.guard.denied),
		TotalTerminated:  atomic.LoadUint64(&g.guard.terminated),
		TotalForceKilled: atomic.LoadUint64(&g.guard.forceKilled),
		AlertsSuppressed: g.sink.Suppressed(),
		PeakParentRSS:    g.monitor.PeakRSS(),
		Completed:        completed,
		Config:           summarizeConfig(g.opts),
	})
}
