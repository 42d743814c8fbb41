package governor

import (
	"os"
	"path/filepath"
	"time"
)

// Default configuration values. Every figure below is a default, not a policy
// constant: all of them can be changed via Options, the YAML config file or
// GOVERNOR_* environment variables.
const (
	// DefaultTotalMemoryCeiling is the parent process memory ceiling
	DefaultTotalMemoryCeiling uint64 = 4 << 30
	// DefaultPerSubprocessCeiling is the memory ceiling of a single subprocess
	DefaultPerSubprocessCeiling uint64 = 1536 << 20
	// DefaultMaxConcurrentSubprocesses is the admission concurrency limit
	DefaultMaxConcurrentSubprocesses = 5
	// DefaultSamplingInterval is the subprocess polling frequency
	DefaultSamplingInterval = 10 * time.Second
	// DefaultMonitorInterval is the parent memory sampling frequency
	DefaultMonitorInterval = 5 * time.Second
	// DefaultAlertCooldown is the alert deduplication window per severity
	DefaultAlertCooldown = 15 * time.Second
	// DefaultWarningFraction of a ceiling triggers a warning
	DefaultWarningFraction = 0.70
	// DefaultCriticalFraction of a ceiling triggers immediate remediation
	DefaultCriticalFraction = 0.85
	// DefaultParentAdmissionFraction of the parent ceiling above which
	// admission is denied
	DefaultParentAdmissionFraction = 0.80
	// DefaultSystemMemoryFactor is the multiple of the per-subprocess ceiling
	// that must be available system-wide for admission to pass
	DefaultSystemMemoryFactor = 1.5
	// DefaultGlobalBudgetFraction of the total ceiling the aggregate
	// subprocess usage may reach before an emergency cleanup
	DefaultGlobalBudgetFraction = 0.80
	// DefaultMaxWarnings is the number of memory warnings a subprocess may
	// accumulate before it is terminated
	DefaultMaxWarnings = 3
	// DefaultSubprocessTimeout is the execution timeout applied when the
	// caller does not supply one
	DefaultSubprocessTimeout = 5 * time.Minute
	// DefaultGracePeriod between a graceful terminate and a forced kill
	DefaultGracePeriod = 5 * time.Second
	// DefaultCacheCapacity is the entry limit of a bounded cache instance
	DefaultCacheCapacity = 100
	// DefaultStalenessThreshold after which an unsampled record is reaped
	DefaultStalenessThreshold = 60 * time.Second
	// DefaultQueryTimeout bounds a single process-table or system memory query
	DefaultQueryTimeout = 5 * time.Second
	// DefaultHistorySize is the number of memory snapshots kept for trend
	// analysis
	DefaultHistorySize = 100
	// DefaultPredictionWindow is the number of most recent snapshots used to
	// estimate the growth rate
	DefaultPredictionWindow = 10
	// DefaultArtifactDir is where the dashboard, event log and final report
	// are written
	DefaultArtifactDir = ".governor"
)

// Options holds the governor configuration. A zero value for any field means
// "use the default".
type Options struct {
	// Service is the name reported in artifacts; defaults to the binary name
	Service string

	// TotalMemoryCeiling is the memory ceiling of the parent process, in bytes
	TotalMemoryCeiling uint64
	// PerSubprocessCeiling is the default memory ceiling of a single
	// subprocess, in bytes
	PerSubprocessCeiling uint64
	// MaxConcurrentSubprocesses limits how many subprocesses may be tracked
	// at once
	MaxConcurrentSubprocesses int

	// SamplingInterval is how often tracked subprocesses are polled
	SamplingInterval time.Duration
	// MonitorInterval is how often the parent's own memory is sampled
	MonitorInterval time.Duration
	// AlertCooldown suppresses repeated alerts of the same severity
	AlertCooldown time.Duration

	// WarningFraction and CriticalFraction of a memory ceiling trigger the
	// escalating violation policy
	WarningFraction  float64
	CriticalFraction float64
	// ParentAdmissionFraction of TotalMemoryCeiling above which new
	// subprocesses are denied
	ParentAdmissionFraction float64
	// SystemMemoryFactor is the multiple of PerSubprocessCeiling that must be
	// available system-wide for admission to pass
	SystemMemoryFactor float64
	// GlobalBudgetFraction of TotalMemoryCeiling the aggregate subprocess
	// usage may reach before an emergency cleanup kicks in
	GlobalBudgetFraction float64
	// MaxWarnings a subprocess may accumulate before termination
	MaxWarnings int

	// SubprocessTimeout is the default execution timeout for subprocesses
	SubprocessTimeout time.Duration
	// GracePeriod between SIGTERM and SIGKILL
	GracePeriod time.Duration
	// StalenessThreshold after which an unsampled record is reaped
	StalenessThreshold time.Duration
	// QueryTimeout bounds a single OS query so a slow process table cannot
	// stall a polling loop
	QueryTimeout time.Duration

	// CacheCapacity is the entry limit for bounded cache instances
	CacheCapacity int
	// HistorySize bounds the memory snapshot history
	HistorySize int
	// PredictionWindow is the number of snapshots used for trend estimation
	PredictionWindow int

	// ArtifactDir is the directory for the dashboard, event log and final
	// report files. DisableArtifacts turns file persistence off entirely.
	ArtifactDir      string
	DisableArtifacts bool

	// HandleSignals installs a SIGINT/SIGTERM handler that drains the loops,
	// terminates tracked subprocesses and writes the final report
	HandleSignals bool

	// LogLevel is one of governor.Error, governor.Warn, governor.Info,
	// governor.Debug
	LogLevel int

	// Secrets matches env variable and argument names whose values must be
	// masked in the event log. Defaults to DefaultSecretsMatcher().
	Secrets Matcher
}

// DefaultOptions returns an Options populated with all defaults. The
// GOVERNOR_* environment is applied later, by New().
func DefaultOptions() *Options {
	opts := &Options{}
	opts.setDefaults()

	return opts
}

func (opts *Options) setDefaults() {
	if opts.Service == "" {
		if name, ok := os.LookupEnv("GOVERNOR_SERVICE_NAME"); ok {
			opts.Service = name
		} else {
			opts.Service = filepath.Base(os.Args[0])
		}
	}

	if opts.TotalMemoryCeiling == 0 {
		opts.TotalMemoryCeiling = DefaultTotalMemoryCeiling
	}

	if opts.PerSubprocessCeiling == 0 {
		opts.PerSubprocessCeiling = DefaultPerSubprocessCeiling
	}

	if opts.MaxConcurrentSubprocesses < 1 {
		opts.MaxConcurrentSubprocesses = DefaultMaxConcurrentSubprocesses
	}

	if opts.SamplingInterval <= 0 {
		opts.SamplingInterval = DefaultSamplingInterval
	}

	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}

	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = DefaultAlertCooldown
	}

	if opts.WarningFraction <= 0 || opts.WarningFraction > 1 {
		opts.WarningFraction = DefaultWarningFraction
	}

	if opts.CriticalFraction <= 0 || opts.CriticalFraction > 1 {
		opts.CriticalFraction = DefaultCriticalFraction
	}

	if opts.CriticalFraction < opts.WarningFraction {
		// nonsensical ordering, fall back to the documented defaults
		opts.WarningFraction = DefaultWarningFraction
		opts.CriticalFraction = DefaultCriticalFraction
	}

	if opts.ParentAdmissionFraction <= 0 || opts.ParentAdmissionFraction > 1 {
		opts.ParentAdmissionFraction = DefaultParentAdmissionFraction
	}

	if opts.SystemMemoryFactor <= 0 {
		opts.SystemMemoryFactor = DefaultSystemMemoryFactor
	}

	if opts.GlobalBudgetFraction <= 0 || opts.GlobalBudgetFraction > 1 {
		opts.GlobalBudgetFraction = DefaultGlobalBudgetFraction
	}

	if opts.MaxWarnings < 1 {
		opts.MaxWarnings = DefaultMaxWarnings
	}

	if opts.SubprocessTimeout <= 0 {
		opts.SubprocessTimeout = DefaultSubprocessTimeout
	}

	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = DefaultStalenessThreshold
	}

	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}

	if opts.CacheCapacity < 1 {
		opts.CacheCapacity = DefaultCacheCapacity
	}

	if opts.HistorySize < 2 {
		opts.HistorySize = DefaultHistorySize
	}

	if opts.PredictionWindow < 2 {
		opts.PredictionWindow = DefaultPredictionWindow
	}

	if opts.ArtifactDir == "" {
		opts.ArtifactDir = DefaultArtifactDir
	}

	if opts.Secrets == nil {
		opts.Secrets = DefaultSecretsMatcher()
	}
}
