// (c) Copyright Procwatch 2025

package governor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procwatch/go-governor/lru"
)

func newTestGovernor(t *testing.T, opts *Options, src *fakeSource) *Governor {
	t.Helper()

	if opts == nil {
		opts = &Options{}
	}

	opts.DisableArtifacts = true

	return New(opts, WithSource(src))
}

func TestNew_Defaults(t *testing.T) {
	g := newTestGovernor(t, nil, newFakeSource())

	assert.EqualValues(t, DefaultTotalMemoryCeiling, g.opts.TotalMemoryCeiling)
	assert.Equal(t, DefaultMaxConcurrentSubprocesses, g.opts.MaxConcurrentSubprocesses)
	assert.NotNil(t, g.opts.Secrets)
	assert.Nil(t, g.artifacts)
}

func TestNew_AppliesEnvOverrides(t *testing.T) {
	t.Setenv("GOVERNOR_MAX_CONCURRENT", "2")
	t.Setenv("GOVERNOR_PER_SUBPROCESS_CEILING", "100mb")

	g := newTestGovernor(t, nil, newFakeSource())

	assert.Equal(t, 2, g.opts.MaxConcurrentSubprocesses)
	assert.EqualValues(t, 100<<20, g.opts.PerSubprocessCeiling)
}

func TestNew_DoesNotMutateCallerOptions(t *testing.T) {
	opts := &Options{DisableArtifacts: true}
	New(opts, WithSource(newFakeSource()))

	assert.Zero(t, opts.TotalMemoryCeiling)
}

func TestGovernor_StartAndShutdown(t *testing.T) {
	g := newTestGovernor(t, nil, newFakeSource())

	g.Start()
	g.Start() // second call is a no-op

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, g.Shutdown(ctx))
	assert.NoError(t, g.Shutdown(ctx))
}

func TestGovernor_Status(t *testing.T) {
	src := newFakeSource()
	g := newTestGovernor(t, &Options{Service: "status-test", MaxConcurrentSubprocesses: 3}, src)

	addTrackedRecord(g.guard, src, 901, 50<<20, 1<<30)

	status := g.Status(context.Background())

	assert.Equal(t, "status-test", status.Service)
	assert.Equal(t, 1, status.ActiveCount)
	assert.Equal(t, 3, status.MaxConcurrent)
	assert.Equal(t, src.mem, status.SystemMemory)
	require.Len(t, status.Subprocesses, 1)
	assert.Equal(t, 901, status.Subprocesses[0].PID)
}

func TestGovernor_RunsSubprocessToCompletion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sh")
	}

	g := newTestGovernor(t, nil, newFakeSource())
	g.Start()

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Shutdown(ctx)
	}()

	rec, err := g.CreateProtectedSubprocess(context.Background(), []string{"sh", "-c", "echo ready; exit 7"}, SpawnOptions{
		Name: "exiting-worker",
	})
	require.NoError(t, err)

	select {
	case <-rec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess did not finish in time")
	}

	assert.Equal(t, 7, rec.ExitCode())
	assert.Equal(t, StateExited, rec.State())
	assert.Equal(t, "ready\n", rec.Stdout())

	// the finished subprocess moved from the registry to the completion cache
	assert.Equal(t, 0, g.guard.registry.Len())

	summary, ok := g.Completed(rec.Handle)
	require.True(t, ok)
	assert.Equal(t, 7, summary.ExitCode)
}

func TestGovernor_RequestAdmission(t *testing.T) {
	src := newFakeSource()
	g := newTestGovernor(t, &Options{MaxConcurrentSubprocesses: 1}, src)

	assert.NoError(t, g.RequestAdmission(context.Background(), 0))

	addTrackedRecord(g.guard, src, 902, 1<<20, 1<<30)

	err := g.RequestAdmission(context.Background(), 0)
	require.Error(t, err)

	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, DeniedConcurrencyLimit, admErr.Reason)
}

func TestGovernor_SpawnRejectsEmptyCommand(t *testing.T) {
	g := newTestGovernor(t, nil, newFakeSource())

	_, err := g.CreateProtectedSubprocess(context.Background(), nil, SpawnOptions{})
	assert.Error(t, err)
}

func TestGovernor_TerminateUnknownPID(t *testing.T) {
	g := newTestGovernor(t, nil, newFakeSource())

	assert.False(t, g.Terminate(12345, ""))
}

func TestCacheSet(t *testing.T) {
	cs := newCacheSet()

	c := lru.New[string, int](10)
	for i := 0; i < 10; i++ {
		c.Set(string(rune('a'+i)), i)
	}

	cs.Register("letters", c)

	status := cs.Status()
	require.Contains(t, status, "letters")
	assert.Equal(t, 10, status["letters"].Len)
	assert.Equal(t, 10, status["letters"].Capacity)

	assert.Equal(t, 2, cs.PruneAll())
	assert.Equal(t, 8, c.Len())

	cs.ClearAll()
	assert.Equal(t, 0, c.Len())
}
