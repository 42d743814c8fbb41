// (c) Copyright Procwatch 2025

package governor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/procwatch/go-governor/proctable"
)

const (
	eventLogName    = "governor-events.jsonl"
	dashboardName   = "governor-dashboard.json"
	reportName      = "governor-report.json"
	artifactPerm    = 0o644
	artifactDirPerm = 0o755
)

// SubprocessSummary describes a tracked subprocess, live or completed. It is
// what the dashboard, the final report and the completed-subprocesses cache
// carry.
type SubprocessSummary struct {
	Handle      string    `json:"handle"`
	PID         int       `json:"pid"`
	Name        string    `json:"name"`
	Command     []string  `json:"command"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	MemoryLimit uint64    `json:"memory_limit"`
	PeakMemory  uint64    `json:"peak_memory"`
	LastMemory  uint64    `json:"last_memory"`
	CPUPercent  float64   `json:"cpu_percent"`
	Warnings    int       `json:"warnings"`
	Timeouts    int       `json:"timeouts"`
	ExitCode    int       `json:"exit_code"`
	Termination string    `json:"termination,omitempty"`
}

// Dashboard is the point-in-time state snapshot persisted on every monitor
// tick.
type Dashboard struct {
	Service      string                 `json:"service"`
	UpdatedAt    time.Time              `json:"updated_at"`
	ParentPID    int                    `json:"parent_pid"`
	ParentRSS    uint64                 `json:"parent_rss"`
	HeapAlloc    uint64                 `json:"heap_alloc"`
	SystemMemory proctable.SystemMemory `json:"system_memory"`
	Active       []SubprocessSummary    `json:"active"`
	Prediction   *Prediction            `json:"prediction,omitempty"`
	Alerts       []AlertEvent           `json:"recent_alerts"`
	Caches       map[string]cacheStatus `json:"caches"`
}

type cacheStatus struct {
	Len      int `json:"len"`
	Capacity int `json:"capacity"`
}

// FinalReport is written once, during shutdown.
type FinalReport struct {
	Service          string              `json:"service"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at"`
	TotalLaunched    uint64              `json:"total_launched"`
	TotalDenied      uint64              `json:"total_denied"`
	TotalTerminated  uint64              `json:"total_terminated"`
	TotalForceKilled uint64              `json:"total_force_killed"`
	AlertsSuppressed uint64              `json:"alerts_suppressed"`
	PeakParentRSS    uint64              `json:"peak_parent_rss"`
	Completed        []SubprocessSummary `json:"completed"`
	Config           configSummary       `json:"config"`
}

// configSummary records the effective configuration in the final report so a
// reading of the report does not depend on the environment it ran in.
type configSummary struct {
	TotalMemoryCeiling        uint64  `json:"total_memory_ceiling"`
	PerSubprocessCeiling      uint64  `json:"per_subprocess_ceiling"`
	MaxConcurrentSubprocesses int     `json:"max_concurrent_subprocesses"`
	SamplingIntervalMs        int64   `json:"sampling_interval_ms"`
	MonitorIntervalMs         int64   `json:"monitor_interval_ms"`
	AlertCooldownMs           int64   `json:"alert_cooldown_ms"`
	WarningFraction           float64 `json:"warning_fraction"`
	CriticalFraction          float64 `json:"critical_fraction"`
	SubprocessTimeoutMs       int64   `json:"subprocess_timeout_ms"`
	GracePeriodMs             int64   `json:"grace_period_ms"`
	CacheCapacity             int     `json:"cache_capacity"`
}

func summarizeConfig(opts *Options) configSummary {
	return configSummary{
		TotalMemoryCeiling:        opts.TotalMemoryCeiling,
		PerSubprocessCeiling:      opts.PerSubprocessCeiling,
		MaxConcurrentSubprocesses: opts.MaxConcurrentSubprocesses,
		SamplingIntervalMs:        opts.SamplingInterval.Milliseconds(),
		MonitorIntervalMs:         opts.MonitorInterval.Milliseconds(),
		AlertCooldownMs:           opts.AlertCooldown.Milliseconds(),
		WarningFraction:           opts.WarningFraction,
		CriticalFraction:          opts.CriticalFraction,
		SubprocessTimeoutMs:       opts.SubprocessTimeout.Milliseconds(),
		GracePeriodMs:             opts.GracePeriod.Milliseconds(),
		CacheCapacity:             opts.CacheCapacity,
	}
}

// artifactWriter persists the event log, the dashboard and the final report
// under the artifact directory. A nil *artifactWriter is valid and discards
// everything, which is how DisableArtifacts is implemented.
type artifactWriter struct {
	mu       sync.Mutex
	dir      string
	eventLog *os.File
}

func newArtifactWriter(dir string) (*artifactWriter, error) {
	if err := os.MkdirAll(dir, artifactDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
	}

	fd, err := os.OpenFile(filepath.Join(dir, eventLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, artifactPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &artifactWriter{dir: dir, eventLog: fd}, nil
}

// AppendEvent writes one event as a JSON line to the event log.
func (w *artifactWriter) AppendEvent(ev AlertEvent) error {
	if w == nil {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.eventLog == nil {
		return nil
	}

	_, err = w.eventLog.Write(append(data, '\n'))

	return err
}

// WriteDashboard replaces the dashboard file atomically, so a concurrent
// reader never observes a partially written document.
func (w *artifactWriter) WriteDashboard(d Dashboard) error {
	if w == nil {
		return nil
	}

	return w.writeAtomic(dashboardName, d)
}

// WriteReport persists the final report.
func (w *artifactWriter) WriteReport(r FinalReport) error {
	if w == nil {
		return nil
	}

	return w.writeAtomic(reportName, r)
}

func (w *artifactWriter) writeAtomic(name string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", name, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tmp, err := os.CreateTemp(w.dir, name+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to flush %s: %w", name, err)
	}

	return os.Rename(tmp.Name(), filepath.Join(w.dir, name))
}

// Close flushes and closes the event log.
func (w *artifactWriter) Close() error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.eventLog == nil {
		return nil
	}

	err := w.eventLog.Close()
	w.eventLog = nil

	return err
}
