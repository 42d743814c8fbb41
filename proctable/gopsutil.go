// (c) Copyright Procwatch 2025

package proctable

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSource is the gopsutil-backed Source reading the real process table.
type SystemSource struct{}

var _ Source = SystemSource{}

// NewSystemSource returns a Source backed by the host process table.
func NewSystemSource() SystemSource {
	return SystemSource{}
}

// Query gathers RSS, CPU% and elapsed runtime for every still-live pid in one
// pass. Per-pid failures are not errors: a pid that disappeared between the
// snapshot and the query is simply left out of the result.
func (SystemSource) Query(ctx context.Context, pids []int) (map[int]Stat, error) {
	stats := make(map[int]Stat, len(pids))

	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		proc, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			continue
		}

		st := Stat{PID: pid}

		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			st.RSS = mi.RSS
		}

		if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
			st.CPUPercent = pct
		}

		if name, err := proc.NameWithContext(ctx); err == nil {
			st.Command = name
		}

		if createdMs, err := proc.CreateTimeWithContext(ctx); err == nil {
			st.Elapsed = time.Since(time.UnixMilli(createdMs))
		}

		stats[pid] = st
	}

	return stats, nil
}

// Alive reports whether the pid exists in the process table.
func (SystemSource) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// ParentPID returns the parent pid of the process.
func (SystemSource) ParentPID(pid int) (int, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}

	ppid, err := proc.Ppid()
	if err != nil {
		return 0, err
	}

	return int(ppid), nil
}

// Terminate sends SIGTERM to the process.
func (SystemSource) Terminate(pid int) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}

	return proc.Terminate()
}

// Kill sends SIGKILL to the process.
func (SystemSource) Kill(pid int) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}

	return proc.Kill()
}

// Memory returns the host-wide memory gauge.
func (SystemSource) Memory(ctx context.Context) (SystemMemory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemMemory{}, err
	}

	return SystemMemory{
		Total:     vm.Total,
		Available: vm.Available,
		Free:      vm.Free,
	}, nil
}
