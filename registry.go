// (c) Copyright Procwatch 2025

package governor

import (
	"context"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	ot "github.com/opentracing/opentracing-go"
)

// Subprocess lifecycle states
const (
	StateStarting    = "starting"
	StateRunning     = "running"
	StateTerminating = "terminating"
	StateExited      = "exited"
)

// lifecycle transition events
const (
	eventStarted   = "started"
	eventTerminate = "terminate"
	eventExited    = "exited"
)

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		StateStarting,
		fsm.Events{
			{Name: eventStarted, Src: []string{StateStarting}, Dst: StateRunning},
			{Name: eventTerminate, Src: []string{StateStarting, StateRunning}, Dst: StateTerminating},
			{Name: eventExited, Src: []string{StateStarting, StateRunning, StateTerminating}, Dst: StateExited},
		},
		fsm.Callbacks{},
	)
}

// SubprocessRecord is the governor's bookkeeping for one tracked subprocess.
// The lifecycle state machine guards the termination path: a record can enter
// the terminating state exactly once, which is what makes Terminate idempotent.
type SubprocessRecord struct {
	Handle      string
	PID         int
	Name        string
	Command     []string
	StartedAt   time.Time
	MemoryLimit uint64

	lifecycle   *fsm.FSM
	pendingKill flag
	done        chan struct{}

	cmd          *exec.Cmd
	stdout       *captureBuffer
	stderr       *captureBuffer
	span         ot.Span
	timeoutTimer *time.Timer
	graceTimer   *time.Timer

	mu            sync.Mutex
	currentMemory uint64
	peakMemory    uint64
	cpuPercent    float64
	warnings      int
	timeouts      int
	lastSampled   time.Time
	exitCode      int
	termination   string
	finishedAt    time.Time
}

func newSubprocessRecord(handle string, pid int, name string, command []string, startedAt time.Time, limit uint64) *SubprocessRecord {
	return &SubprocessRecord{
		Handle:      handle,
		PID:         pid,
		Name:        name,
		Command:     command,
		StartedAt:   startedAt,
		MemoryLimit: limit,
		lifecycle:   newLifecycle(),
		done:        make(chan struct{}),
	}
}

// Done returns a channel closed once the subprocess has exited and its record
// was finalized.
func (r *SubprocessRecord) Done() <-chan struct{} {
	return r.done
}

// ExitCode returns the exit code recorded at finalization. Only meaningful
// after Done() is closed.
func (r *SubprocessRecord) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.exitCode
}

// Stdout returns the captured standard output, bounded to the capture limit.
func (r *SubprocessRecord) Stdout() string {
	if r.stdout == nil {
		return ""
	}

	return r.stdout.String()
}

// Stderr returns the captured standard error, bounded to the capture limit.
func (r *SubprocessRecord) Stderr() string {
	if r.stderr == nil {
		return ""
	}

	return r.stderr.String()
}

// State returns the current lifecycle state.
func (r *SubprocessRecord) State() string {
	return r.lifecycle.Current()
}

// markRunning moves the record out of the starting state.
func (r *SubprocessRecord) markRunning() {
	// the record may already be terminating if admission raced a shutdown
	_ = r.lifecycle.Event(context.Background(), eventStarted)
}

// beginTermination attempts the transition into the terminating state and
// reports whether this caller won it. Exactly one caller per record ever gets
// true.
func (r *SubprocessRecord) beginTermination(reason string) bool {
	if err := r.lifecycle.Event(context.Background(), eventTerminate); err != nil {
		return false
	}

	r.mu.Lock()
	r.termination = reason
	r.mu.Unlock()

	return true
}

// markExited finalizes the record. It reports whether the record was not
// already exited, so exit handling runs once even when the waiter races the
// reaper.
func (r *SubprocessRecord) markExited(exitCode int, at time.Time) bool {
	if err := r.lifecycle.Event(context.Background(), eventExited); err != nil {
		return false
	}

	r.mu.Lock()
	r.exitCode = exitCode
	r.finishedAt = at
	r.mu.Unlock()

	if r.done != nil {
		close(r.done)
	}

	return true
}

func (r *SubprocessRecord) setTimeoutTimer(t *time.Timer) {
	r.mu.Lock()
	r.timeoutTimer = t
	r.mu.Unlock()
}

func (r *SubprocessRecord) setGraceTimer(t *time.Timer) {
	r.mu.Lock()
	r.graceTimer = t
	r.mu.Unlock()
}

func (r *SubprocessRecord) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timeoutTimer != nil {
		r.timeoutTimer.Stop()
	}

	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
}

// UpdateSample records a fresh OS sample.
func (r *SubprocessRecord) UpdateSample(rss uint64, cpu float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentMemory = rss
	if rss > r.peakMemory {
		r.peakMemory = rss
	}

	r.cpuPercent = cpu
	r.lastSampled = at
}

// IncWarning bumps the warning counter and returns the new count.
func (r *SubprocessRecord) IncWarning() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.warnings++

	return r.warnings
}

// IncTimeout bumps the timeout counter.
func (r *SubprocessRecord) IncTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timeouts++
}

// CurrentMemory returns the most recently sampled RSS.
func (r *SubprocessRecord) CurrentMemory() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.currentMemory
}

// LastSampled returns when the record was last refreshed from the OS.
func (r *SubprocessRecord) LastSampled() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastSampled
}

// TerminationReason returns the reason recorded by the termination winner,
// empty for records that exited on their own.
func (r *SubprocessRecord) TerminationReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.termination
}

// Summary renders the record for the dashboard, the final report and the
// completed-subprocesses cache.
func (r *SubprocessRecord) Summary() SubprocessSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	return SubprocessSummary{
		Handle:      r.Handle,
		PID:         r.PID,
		Name:        r.Name,
		Command:     r.Command,
		State:       r.lifecycle.Current(),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.finishedAt,
		MemoryLimit: r.MemoryLimit,
		PeakMemory:  r.peakMemory,
		LastMemory:  r.currentMemory,
		CPUPercent:  r.cpuPercent,
		Warnings:    r.warnings,
		Timeouts:    r.timeouts,
		ExitCode:    r.exitCode,
		Termination: r.termination,
	}
}

// Registry is the set of currently tracked subprocesses, keyed by pid.
type Registry struct {
	mu      sync.Mutex
	records map[int]*SubprocessRecord
}

func newRegistry() *Registry {
	return &Registry{records: make(map[int]*SubprocessRecord)}
}

// Add inserts a record. An existing record under the same pid is replaced,
// which can only happen after pid reuse.
func (reg *Registry) Add(r *SubprocessRecord) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.records[r.PID] = r
}

// Get returns the record tracked under pid, if any.
func (reg *Registry) Get(pid int) (*SubprocessRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.records[pid]

	return r, ok
}

// Remove drops the record tracked under pid, returning it if it was present.
func (reg *Registry) Remove(pid int) (*SubprocessRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.records[pid]
	if ok {
		delete(reg.records, pid)
	}

	return r, ok
}

// Len returns the number of tracked subprocesses.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return len(reg.records)
}

// PIDs returns the tracked pids in no particular order.
func (reg *Registry) PIDs() []int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	pids := make([]int, 0, len(reg.records))
	for pid := range reg.records {
		pids = append(pids, pid)
	}

	return pids
}

// AggregateMemory sums the last sampled RSS over all tracked subprocesses.
func (reg *Registry) AggregateMemory() uint64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var total uint64
	for _, r := range reg.records {
		total += r.CurrentMemory()
	}

	return total
}

// ByMemoryDesc returns the tracked records ordered from largest to smallest
// last-sampled RSS.
func (reg *Registry) ByMemoryDesc() []*SubprocessRecord {
	reg.mu.Lock()

	records := make([]*SubprocessRecord, 0, len(reg.records))
	for _, r := range reg.records {
		records = append(records, r)
	}

	reg.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CurrentMemory() > records[j].CurrentMemory()
	})

	return records
}

// StaleBefore returns records that have not been sampled since the given
// cutoff. Records that were never sampled are judged by their start time.
func (reg *Registry) StaleBefore(cutoff time.Time) []*SubprocessRecord {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var stale []*SubprocessRecord
	for _, r := range reg.records {
		last := r.LastSampled()
		if last.IsZero() {
			last = r.StartedAt
		}

		if last.Before(cutoff) {
			stale = append(stale, r)
		}
	}

	return stale
}

// Summaries renders all tracked records, ordered by pid for stable output.
func (reg *Registry) Summaries() []SubprocessSummary {
	reg.mu.Lock()

	records := make([]*SubprocessRecord, 0, len(reg.records))
	for _, r := range reg.records {
		records = append(records, r)
	}

	reg.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })

	summaries := make([]SubprocessSummary, len(records))
	for i, r := range records {
		summaries[i] = r.Summary()
	}

	return summaries
}
