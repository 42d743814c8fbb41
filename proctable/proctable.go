// (c) Copyright Procwatch 2025

// Package proctable abstracts the OS process-table primitives consumed by the
// governor: batched per-pid resource queries, liveness probes, termination
// signals and the system-wide memory gauge. The default implementation is
// backed by gopsutil; tests substitute a fake Source.
package proctable

import (
	"context"
	"time"
)

// Stat holds the resource usage of a single live process as reported by the OS.
type Stat struct {
	PID        int
	Command    string
	RSS        uint64
	CPUPercent float64
	Elapsed    time.Duration
}

// SystemMemory holds the host-wide memory gauge.
type SystemMemory struct {
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
	Free      uint64 `json:"free"`
}

// Source provides access to the OS process table. All blocking calls honor the
// context deadline so that a slow query cannot stall a polling loop.
type Source interface {
	// Query returns stats for every still-live pid of the given set. Dead pids
	// are silently absent from the result.
	Query(ctx context.Context, pids []int) (map[int]Stat, error)

	// Alive reports whether a process with the given pid exists.
	Alive(pid int) bool

	// ParentPID returns the parent pid of the given process.
	ParentPID(pid int) (int, error)

	// Terminate sends the graceful termination signal (SIGTERM).
	Terminate(pid int) error

	// Kill sends the forced kill signal (SIGKILL).
	Kill(pid int) error

	// Memory returns the host-wide memory gauge.
	Memory(ctx context.Context) (SystemMemory, error)
}
