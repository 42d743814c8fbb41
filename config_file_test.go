// (c) Copyright Procwatch 2025

package governor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "governor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestOptions_LoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
service: batch-runner
total_memory_ceiling: 2gb
per_subprocess_ceiling: 512mb
max_concurrent_subprocesses: 3
sampling_interval_ms: 2000
grace_period_ms: 10000
warning_fraction: 0.6
critical_fraction: 0.8
cache_capacity: 50
artifact_dir: /tmp/governor-artifacts
secrets: equals:DB_PASSWORD
`)

	opts := DefaultOptions()
	require.NoError(t, opts.LoadConfigFile(path))

	assert.Equal(t, "batch-runner", opts.Service)
	assert.EqualValues(t, 2<<30, opts.TotalMemoryCeiling)
	assert.EqualValues(t, 512<<20, opts.PerSubprocessCeiling)
	assert.Equal(t, 3, opts.MaxConcurrentSubprocesses)
	assert.Equal(t, 2*time.Second, opts.SamplingInterval)
	assert.Equal(t, 10*time.Second, opts.GracePeriod)
	assert.Equal(t, 0.6, opts.WarningFraction)
	assert.Equal(t, 0.8, opts.CriticalFraction)
	assert.Equal(t, 50, opts.CacheCapacity)
	assert.Equal(t, "/tmp/governor-artifacts", opts.ArtifactDir)
	assert.True(t, opts.Secrets.Match("DB_PASSWORD"))
}

func TestOptions_LoadConfigFileKeepsOmittedValues(t *testing.T) {
	path := writeConfigFile(t, "max_concurrent_subprocesses: 2\n")

	opts := DefaultOptions()
	require.NoError(t, opts.LoadConfigFile(path))

	assert.Equal(t, 2, opts.MaxConcurrentSubprocesses)
	assert.EqualValues(t, DefaultTotalMemoryCeiling, opts.TotalMemoryCeiling)
	assert.Equal(t, DefaultGracePeriod, opts.GracePeriod)
}

func TestOptions_LoadConfigFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "max_concurent_subprocesses: 2\n")

	opts := DefaultOptions()
	assert.Error(t, opts.LoadConfigFile(path))
}

func TestOptions_LoadConfigFileRejectsMalformedSizes(t *testing.T) {
	path := writeConfigFile(t, "total_memory_ceiling: lots\n")

	opts := DefaultOptions()
	assert.Error(t, opts.LoadConfigFile(path))
}

func TestOptions_LoadConfigFileMissing(t *testing.T) {
	opts := DefaultOptions()
	assert.Error(t, opts.LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")))
}
