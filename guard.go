// (c) Copyright Procwatch 2025

package governor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ot "github.com/opentracing/opentracing-go"

	"github.com/procwatch/go-governor/lru"
	"github.com/procwatch/go-governor/proctable"
)

// maxCaptureBytes bounds how much of a subprocess' stdout/stderr is retained
// in memory. Output past the bound is counted but discarded.
const maxCaptureBytes = 64 << 10

// Termination reasons recorded on a SubprocessRecord and reported in alerts
const (
	ReasonMemoryViolation  = "MEMORY_VIOLATION"
	ReasonRepeatedWarnings = "REPEATED_WARNINGS"
	ReasonTimeout          = "TIMEOUT"
	ReasonEmergencyCleanup = "EMERGENCY_CLEANUP"
	ReasonStale            = "STALE"
	ReasonShutdown         = "SHUTDOWN"
)

// AdmissionReason explains why admission was denied
type AdmissionReason string

// Admission denial reasons
const (
	DeniedConcurrencyLimit AdmissionReason = "CONCURRENCY_LIMIT"
	DeniedParentMemory     AdmissionReason = "PARENT_MEMORY_HIGH"
	DeniedSystemMemory     AdmissionReason = "SYSTEM_MEMORY_LOW"
)

// AdmissionError is returned by CreateProtectedSubprocess when the admission
// check denies a spawn. The subprocess is never started in that case.
type AdmissionError struct {
	Reason AdmissionReason
	Detail string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied (%s): %s", e.Reason, e.Detail)
}

// SpawnOptions customizes a single protected spawn. The zero value is valid:
// the subprocess inherits the parent environment and the configured defaults.
type SpawnOptions struct {
	// Name identifies the subprocess in alerts and artifacts; defaults to the
	// command basename
	Name string
	// Env entries are appended to the parent environment, KEY=VALUE form
	Env []string
	// Dir is the working directory
	Dir string
	// Timeout overrides (Options).SubprocessTimeout
	Timeout time.Duration
	// MemoryLimit overrides (Options).PerSubprocessCeiling, in bytes
	MemoryLimit uint64
	// Stdout and Stderr, when set, receive the subprocess output in addition
	// to the bounded capture buffers
	Stdout io.Writer
	Stderr io.Writer
}

// captureBuffer retains at most maxCaptureBytes of writes and counts the rest.
type captureBuffer struct {
	mu        sync.Mutex
	buf       []byte
	discarded int
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := maxCaptureBytes - len(b.buf); room > 0 {
		if room > len(p) {
			room = len(p)
		}

		b.buf = append(b.buf, p[:room]...)
		b.discarded += len(p) - room
	} else {
		b.discarded += len(p)
	}

	return len(p), nil
}

func (b *captureBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return string(b.buf)
}

// guardS runs admission control and the subprocess polling loop. It owns the
// registry of tracked subprocesses and the escalating violation policy.
type guardS struct {
	opts      *Options
	logger    LeveledLogger
	source    proctable.Source
	registry  *Registry
	sink      *alertSink
	completed *lru.Cache[string, SubprocessSummary]
	parentRSS func() uint64
	nowFn     func() time.Time

	// spawnMu serializes admission and start so two concurrent spawns cannot
	// both pass the concurrency check
	spawnMu sync.Mutex

	wg sync.WaitGroup

	launched    uint64
	denied      uint64
	terminated  uint64
	forceKilled uint64

	pollTimer *timer
}

func newGuard(
	opts *Options,
	lg LeveledLogger,
	source proctable.Source,
	sink *alertSink,
	completed *lru.Cache[string, SubprocessSummary],
	parentRSS func() uint64,
) *guardS {
	return &guardS{
		opts:      opts,
		logger:    lg,
		source:    source,
		registry:  newRegistry(),
		sink:      sink,
		completed: completed,
		parentRSS: parentRSS,
		nowFn:     time.Now,
	}
}

func (g *guardS) Start() {
	g.pollTimer = newTimer(0, g.opts.SamplingInterval, g.logger, g.pollOnce)
}

func (g *guardS) Stop() {
	if g.pollTimer != nil {
		g.pollTimer.Stop()
	}
}

// requestAdmission applies the admission checks in order: concurrency, parent
// memory, system memory. A failed system memory query is not a denial, the
// spawn proceeds on the remaining checks.
func (g *guardS) requestAdmission(ctx context.Context, limit uint64) *AdmissionError {
	if active := g.registry.Len(); active >= g.opts.MaxConcurrentSubprocesses {
		return &AdmissionError{
			Reason: DeniedConcurrencyLimit,
			Detail: fmt.Sprintf("%d of %d subprocess slots in use", active, g.opts.MaxConcurrentSubprocesses),
		}
	}

	bound := uint64(g.opts.ParentAdmissionFraction * float64(g.opts.TotalMemoryCeiling))
	if rss := g.parentRSS(); rss >= bound {
		return &AdmissionError{
			Reason: DeniedParentMemory,
			Detail: fmt.Sprintf("parent RSS %d exceeds %d", rss, bound),
		}
	}

	queryCtx, cancel := context.WithTimeout(ctx, g.opts.QueryTimeout)
	defer cancel()

	sysMem, err := g.source.Memory(queryCtx)
	if err != nil {
		g.logger.Debug("system memory query failed, skipping admission check: ", err)
		return nil
	}

	required := uint64(g.opts.SystemMemoryFactor * float64(limit))
	if sysMem.Available < required {
		return &AdmissionError{
			Reason: DeniedSystemMemory,
			Detail: fmt.Sprintf("%d bytes available, %d required", sysMem.Available, required),
		}
	}

	return nil
}

// CreateProtectedSubprocess starts command under governor protection: the
// spawn passes admission control first, and the resulting subprocess is
// tracked, sampled and subject to the violation policy until it exits.
func (g *guardS) CreateProtectedSubprocess(ctx context.Context, command []string, so SpawnOptions) (*SubprocessRecord, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	limit := so.MemoryLimit
	if limit == 0 {
		limit = g.opts.PerSubprocessCeiling
	}

	timeout := so.Timeout
	if timeout == 0 {
		timeout = g.opts.SubprocessTimeout
	}

	name := so.Name
	if name == "" {
		name = command[0]
	}

	g.spawnMu.Lock()
	defer g.spawnMu.Unlock()

	if admErr := g.requestAdmission(ctx, limit); admErr != nil {
		atomic.AddUint64(&g.denied, 1)
		g.sink.Emit(LevelWarning, KindSubprocessError, "admission denied for "+name, AlertContext{
			Name:   name,
			Reason: string(admErr.Reason),
		})

		return nil, admErr
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = so.Dir
	cmd.Env = append(os.Environ(), so.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("GOVERNOR_MEMORY_LIMIT=%d", limit))

	stdout, stderr := &captureBuffer{}, &captureBuffer{}

	cmd.Stdout, cmd.Stderr = stdout, stderr
	if so.Stdout != nil {
		cmd.Stdout = io.MultiWriter(stdout, so.Stdout)
	}

	if so.Stderr != nil {
		cmd.Stderr = io.MultiWriter(stderr, so.Stderr)
	}

	if err := cmd.Start(); err != nil {
		g.sink.Emit(LevelWarning, KindSubprocessError, "failed to start "+name, AlertContext{
			Name:   name,
			Reason: err.Error(),
		})

		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	now := g.nowFn()

	rec := newSubprocessRecord(
		uuid.New().String(),
		cmd.Process.Pid,
		name,
		sanitizeArgs(command, g.opts.Secrets),
		now,
		limit,
	)

	rec.cmd = cmd
	rec.stdout = stdout
	rec.stderr = stderr

	rec.span = ot.StartSpan("subprocess")
	rec.span.SetTag("subprocess.name", name)
	rec.span.SetTag("subprocess.pid", rec.PID)
	rec.span.SetTag("subprocess.memory_limit", limit)

	g.registry.Add(rec)
	rec.markRunning()

	atomic.AddUint64(&g.launched, 1)

	pid := rec.PID
	rec.setTimeoutTimer(time.AfterFunc(timeout, func() {
		g.Terminate(pid, ReasonTimeout)
	}))

	g.wg.Add(1)
	go g.waitForExit(rec)

	g.sink.Emit(LevelInfo, KindSubprocessCreated, "started "+name, AlertContext{
		PID:         pid,
		Name:        name,
		MemoryLimit: limit,
	})

	return rec, nil
}

func (g *guardS) waitForExit(rec *SubprocessRecord) {
	defer g.wg.Done()

	err := rec.cmd.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	g.onExit(rec, exitCode)
}

// onExit finalizes a record. Safe to call from both the waiter goroutine and
// the stale reaper; the lifecycle state machine makes sure it runs once.
func (g *guardS) onExit(rec *SubprocessRecord, exitCode int) {
	if !rec.markExited(exitCode, g.nowFn()) {
		return
	}

	rec.stopTimers()

	if rec.span != nil {
		rec.span.SetTag("subprocess.exit_code", exitCode)
		if reason := rec.TerminationReason(); reason != "" {
			rec.span.SetTag("subprocess.termination", reason)
		}

		rec.span.Finish()
	}

	g.registry.Remove(rec.PID)

	summary := rec.Summary()
	g.completed.Set(rec.Handle, summary)

	level, kind := LevelInfo, KindSubprocessExited
	if exitCode != 0 && rec.TerminationReason() == "" {
		level, kind = LevelWarning, KindSubprocessError
	}

	g.sink.Emit(level, kind, fmt.Sprintf("%s exited with code %d", rec.Name, exitCode), AlertContext{
		PID:        rec.PID,
		Name:       rec.Name,
		MemoryUsed: summary.PeakMemory,
		Reason:     rec.TerminationReason(),
	})
}

// Terminate starts the graceful termination of the subprocess tracked under
// pid. A grace period later the subprocess is killed if it has not exited.
// Repeated calls for the same pid are no-ops; the first caller's reason wins.
func (g *guardS) Terminate(pid int, reason string) bool {
	rec, ok := g.registry.Get(pid)
	if !ok {
		return false
	}

	if !rec.beginTermination(reason) {
		return false
	}

	if reason == ReasonTimeout {
		rec.IncTimeout()
	}

	atomic.AddUint64(&g.terminated, 1)

	level := LevelWarning
	if reason == ReasonMemoryViolation || reason == ReasonEmergencyCleanup {
		level = LevelCritical
	}

	g.sink.Emit(level, KindSubprocessTerminated, fmt.Sprintf("terminating %s (pid %d): %s", rec.Name, pid, reason), AlertContext{
		PID:        pid,
		Name:       rec.Name,
		MemoryUsed: rec.CurrentMemory(),
		Reason:     reason,
	})

	if err := g.source.Terminate(pid); err != nil {
		g.logger.Warn("failed to signal pid ", pid, ": ", err)
	}

	rec.setGraceTimer(time.AfterFunc(g.opts.GracePeriod, func() {
		g.escalate(rec)
	}))

	return true
}

// escalate force-kills a subprocess that survived its grace period.
func (g *guardS) escalate(rec *SubprocessRecord) {
	if rec.State() == StateExited {
		return
	}

	if !rec.pendingKill.SetIfUnset() {
		return
	}

	atomic.AddUint64(&g.forceKilled, 1)

	if err := g.source.Kill(rec.PID); err != nil {
		g.logger.Warn("failed to kill pid ", rec.PID, ": ", err)
	}

	g.sink.Emit(LevelCritical, KindForceKilled, fmt.Sprintf("%s (pid %d) survived the grace period", rec.Name, rec.PID), AlertContext{
		PID:    rec.PID,
		Name:   rec.Name,
		Reason: rec.TerminationReason(),
	})
}

// pollOnce refreshes all tracked records from the OS in one batched query and
// applies the violation policy, the global budget and the stale reaper.
func (g *guardS) pollOnce() {
	pids := g.registry.PIDs()
	if len(pids) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.QueryTimeout)
		stats, err := g.source.Query(ctx, pids)
		cancel()

		if err != nil {
			g.logger.Warn("process table query failed: ", err)
		} else {
			now := g.nowFn()
			for pid, stat := range stats {
				g.applySample(pid, stat, now)
			}
		}
	}

	g.enforceGlobalBudget()
	g.reapStale()
}

// applySample records a fresh sample and applies the escalating violation
// policy: warnings accumulate at the warning threshold, the critical threshold
// and the warning budget both terminate.
func (g *guardS) applySample(pid int, stat proctable.Stat, now time.Time) {
	rec, ok := g.registry.Get(pid)
	if !ok {
		return
	}

	rec.UpdateSample(stat.RSS, stat.CPUPercent, now)

	if rec.State() != StateRunning {
		return
	}

	frac := float64(stat.RSS) / float64(rec.MemoryLimit)

	switch {
	case frac >= g.opts.CriticalFraction:
		g.Terminate(pid, ReasonMemoryViolation)

	case frac >= g.opts.WarningFraction:
		warnings := rec.IncWarning()

		g.sink.Emit(LevelWarning, KindSubprocessWarning,
			fmt.Sprintf("%s (pid %d) at %.0f%% of its memory limit", rec.Name, pid, frac*100),
			AlertContext{
				PID:         pid,
				Name:        rec.Name,
				MemoryUsed:  stat.RSS,
				MemoryLimit: rec.MemoryLimit,
				Fraction:    frac,
				Warnings:    warnings,
			})

		if warnings >= g.opts.MaxWarnings {
			g.Terminate(pid, ReasonRepeatedWarnings)
		}
	}
}

// enforceGlobalBudget terminates subprocesses largest-first until the
// aggregate memory of the remaining ones fits the global budget. The
// aggregate is re-evaluated after every termination, so no more subprocesses
// are stopped than needed.
func (g *guardS) enforceGlobalBudget() {
	budget := uint64(g.opts.GlobalBudgetFraction * float64(g.opts.TotalMemoryCeiling))

	agg := g.registry.AggregateMemory()
	if agg <= budget {
		return
	}

	g.sink.Emit(LevelCritical, KindEmergencyCleanup,
		fmt.Sprintf("aggregate subprocess memory %d exceeds budget %d", agg, budget),
		AlertContext{MemoryUsed: agg, MemoryLimit: budget})

	for _, rec := range g.registry.ByMemoryDesc() {
		if agg <= budget {
			break
		}

		if g.Terminate(rec.PID, ReasonEmergencyCleanup) {
			agg -= rec.CurrentMemory()
		}
	}
}

// ShedExcess terminates subprocesses largest-first until their aggregate
// memory drops to target, returning the number of terminations started.
func (g *guardS) ShedExcess(target uint64) int {
	agg := g.registry.AggregateMemory()

	count := 0
	for _, rec := range g.registry.ByMemoryDesc() {
		if agg <= target {
			break
		}

		if g.Terminate(rec.PID, ReasonEmergencyCleanup) {
			agg -= rec.CurrentMemory()
			count++
		}
	}

	return count
}

// reapStale drops records whose pid no longer exists, or is no longer our
// child after pid reuse, and escalates records that went unsampled for too
// long.
func (g *guardS) reapStale() {
	cutoff := g.nowFn().Add(-g.opts.StalenessThreshold)

	for _, rec := range g.registry.StaleBefore(cutoff) {
		if !g.source.Alive(rec.PID) {
			g.reap(rec, "process is gone")
			continue
		}

		if ppid, err := g.source.ParentPID(rec.PID); err == nil && ppid != os.Getpid() {
			g.reap(rec, "pid was reused by another process")
			continue
		}

		g.Terminate(rec.PID, ReasonStale)
	}
}

func (g *guardS) reap(rec *SubprocessRecord, why string) {
	g.sink.Emit(LevelWarning, KindSubprocessReaped,
		fmt.Sprintf("reaping %s (pid %d): %s", rec.Name, rec.PID, why),
		AlertContext{PID: rec.PID, Name: rec.Name, Reason: why})

	// records spawned by us are finalized by their waiter once the OS child
	// is collected; records without a command are finalized here
	if rec.cmd == nil {
		g.onExit(rec, -1)
		return
	}

	g.registry.Remove(rec.PID)
}

// TerminateAll starts graceful termination of every tracked subprocess.
func (g *guardS) TerminateAll(reason string) int {
	count := 0
	for _, pid := range g.registry.PIDs() {
		if g.Terminate(pid, reason) {
			count++
		}
	}

	return count
}

// Drain blocks until every spawned subprocess has been waited on, or the
// context expires.
func (g *guardS) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
