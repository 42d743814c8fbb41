// (c) Copyright Procwatch 2025

package governor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvConfig overrides option values with their GOVERNOR_* environment
// counterparts. Malformed values are logged and ignored, the previous value
// stays in effect.
func applyEnvConfig(opts *Options, lg LeveledLogger) {
	lookupSize(lg, "GOVERNOR_TOTAL_MEMORY_CEILING", &opts.TotalMemoryCeiling)
	lookupSize(lg, "GOVERNOR_PER_SUBPROCESS_CEILING", &opts.PerSubprocessCeiling)
	lookupInt(lg, "GOVERNOR_MAX_CONCURRENT", &opts.MaxConcurrentSubprocesses)
	lookupDuration(lg, "GOVERNOR_SAMPLING_INTERVAL", &opts.SamplingInterval)
	lookupDuration(lg, "GOVERNOR_MONITOR_INTERVAL", &opts.MonitorInterval)
	lookupDuration(lg, "GOVERNOR_ALERT_COOLDOWN", &opts.AlertCooldown)
	lookupFraction(lg, "GOVERNOR_WARNING_FRACTION", &opts.WarningFraction)
	lookupFraction(lg, "GOVERNOR_CRITICAL_FRACTION", &opts.CriticalFraction)
	lookupDuration(lg, "GOVERNOR_SUBPROCESS_TIMEOUT", &opts.SubprocessTimeout)
	lookupDuration(lg, "GOVERNOR_GRACE_PERIOD", &opts.GracePeriod)
	lookupDuration(lg, "GOVERNOR_STALENESS_THRESHOLD", &opts.StalenessThreshold)
	lookupInt(lg, "GOVERNOR_CACHE_CAPACITY", &opts.CacheCapacity)

	if dir, ok := os.LookupEnv("GOVERNOR_ARTIFACT_DIR"); ok && dir != "" {
		opts.ArtifactDir = dir
	}

	if s, ok := os.LookupEnv("GOVERNOR_SECRETS"); ok {
		m, err := parseSecretsMatcher(s)
		if err != nil {
			lg.Warn("invalid GOVERNOR_SECRETS: ", err)
		} else {
			opts.Secrets = m
		}
	}
}

func lookupSize(lg LeveledLogger, key string, dst *uint64) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	v, err := ParseMemorySize(s)
	if err != nil {
		lg.Warn("invalid ", key, ": ", err)
		return
	}

	*dst = v
}

func lookupInt(lg LeveledLogger, key string, dst *int) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		lg.Warn("invalid ", key, ": expected a positive integer, got ", strconv.Quote(s))
		return
	}

	*dst = v
}

func lookupDuration(lg LeveledLogger, key string, dst *time.Duration) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	v, err := parseMillisDuration(s)
	if err != nil {
		lg.Warn("invalid ", key, ": ", err)
		return
	}

	*dst = v
}

func lookupFraction(lg LeveledLogger, key string, dst *float64) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	v, err := parseFraction(s)
	if err != nil {
		lg.Warn("invalid ", key, ": ", err)
		return
	}

	*dst = v
}

// ParseMemorySize parses a memory size that is either a plain number of bytes
// or a number with one of the (case-insensitive) suffixes kb, mb, gb:
//
//	GOVERNOR_PER_SUBPROCESS_CEILING := 1572864000 | "1500mb" | "1.5gb"
func ParseMemorySize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}

	multiplier := uint64(1)
	for _, suffix := range []struct {
		label string
		mult  uint64
	}{
		{"kb", 1 << 10},
		{"mb", 1 << 20},
		{"gb", 1 << 30},
		{"k", 1 << 10},
		{"m", 1 << 20},
		{"g", 1 << 30},
	} {
		if strings.HasSuffix(s, suffix.label) {
			multiplier = suffix.mult
			s = strings.TrimSuffix(s, suffix.label)
			break
		}
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("malformed memory size %q", s)
	}

	return uint64(v * float64(multiplier)), nil
}

// parseMillisDuration parses a duration that is either an integer number of
// milliseconds or a Go duration string:
//
//	GOVERNOR_GRACE_PERIOD := 5000 | "5s"
func parseMillisDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	if ms, err := strconv.ParseUint(s, 10, 64); err == nil {
		if ms < 1 {
			return 0, fmt.Errorf("duration must be positive, got %q", s)
		}

		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("malformed duration %q", s)
	}

	return d, nil
}

// parseFraction parses a threshold fraction within (0, 1]
func parseFraction(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 || v > 1 {
		return 0, fmt.Errorf("expected a fraction within (0, 1], got %q", s)
	}

	return v, nil
}

// parseSecretsMatcher parses the secrets matcher configuration, which is
// expected to have the following format:
//
//	GOVERNOR_SECRETS := <matcher>:<term>[,<term>]
//
// Where matcher is one of equals, equals-ignore-case, contains,
// contains-ignore-case, regex or none.
func parseSecretsMatcher(s string) (Matcher, error) {
	if s == "" {
		return nil, fmt.Errorf("empty secrets matcher configuration")
	}

	ind := strings.Index(s, ":")
	if ind < 0 {
		return nil, fmt.Errorf("malformed secrets matcher configuration: %q", s)
	}

	matcher, config := strings.TrimSpace(s[:ind]), strings.Split(s[ind+1:], ",")

	return NamedMatcher(matcher, config)
}
