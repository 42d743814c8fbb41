// (c) Copyright Procwatch 2025

package governor

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// configFile mirrors the Options fields that may come from a YAML config
// file. Memory sizes accept the same syntax as the environment variables
// ("1500mb", "4gb" or plain bytes); intervals are given in milliseconds.
type configFile struct {
	Service                   *string  `yaml:"service"`
	TotalMemoryCeiling        *string  `yaml:"total_memory_ceiling"`
	PerSubprocessCeiling      *string  `yaml:"per_subprocess_ceiling"`
	MaxConcurrentSubprocesses *int     `yaml:"max_concurrent_subprocesses"`
	SamplingIntervalMs        *int64   `yaml:"sampling_interval_ms"`
	MonitorIntervalMs         *int64   `yaml:"monitor_interval_ms"`
	AlertCooldownMs           *int64   `yaml:"alert_cooldown_ms"`
	WarningFraction           *float64 `yaml:"warning_fraction"`
	CriticalFraction          *float64 `yaml:"critical_fraction"`
	SubprocessTimeoutMs       *int64   `yaml:"subprocess_timeout_ms"`
	GracePeriodMs             *int64   `yaml:"grace_period_ms"`
	StalenessThresholdMs      *int64   `yaml:"staleness_threshold_ms"`
	CacheCapacity             *int     `yaml:"cache_capacity"`
	ArtifactDir               *string  `yaml:"artifact_dir"`
	Secrets                   *string  `yaml:"secrets"`
}

// LoadConfigFile applies settings from a YAML file on top of the receiver.
// Unknown keys are rejected so a typo cannot silently fall back to a default.
func (opts *Options) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg configFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if cfg.Service != nil {
		opts.Service = *cfg.Service
	}

	if cfg.TotalMemoryCeiling != nil {
		v, err := ParseMemorySize(*cfg.TotalMemoryCeiling)
		if err != nil {
			return fmt.Errorf("total_memory_ceiling: %w", err)
		}
		opts.TotalMemoryCeiling = v
	}

	if cfg.PerSubprocessCeiling != nil {
		v, err := ParseMemorySize(*cfg.PerSubprocessCeiling)
		if err != nil {
			return fmt.Errorf("per_subprocess_ceiling: %w", err)
		}
		opts.PerSubprocessCeiling = v
	}

	if cfg.MaxConcurrentSubprocesses != nil {
		opts.MaxConcurrentSubprocesses = *cfg.MaxConcurrentSubprocesses
	}

	applyMs := func(dst *time.Duration, src *int64) {
		if src != nil && *src > 0 {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}

	applyMs(&opts.SamplingInterval, cfg.SamplingIntervalMs)
	applyMs(&opts.MonitorInterval, cfg.MonitorIntervalMs)
	applyMs(&opts.AlertCooldown, cfg.AlertCooldownMs)
	applyMs(&opts.SubprocessTimeout, cfg.SubprocessTimeoutMs)
	applyMs(&opts.GracePeriod, cfg.GracePeriodMs)
	applyMs(&opts.StalenessThreshold, cfg.StalenessThresholdMs)

	if cfg.WarningFraction != nil {
		opts.WarningFraction = *cfg.WarningFraction
	}

	if cfg.CriticalFraction != nil {
		opts.CriticalFraction = *cfg.CriticalFraction
	}

	if cfg.CacheCapacity != nil {
		opts.CacheCapacity = *cfg.CacheCapacity
	}

	if cfg.ArtifactDir != nil {
		opts.ArtifactDir = *cfg.ArtifactDir
	}

	if cfg.Secrets != nil {
		m, err := parseSecretsMatcher(*cfg.Secrets)
		if err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
		opts.Secrets = m
	}

	return nil
}
