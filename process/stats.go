// (c) Copyright Procwatch 2025

// Package process reads resource stats of the current process directly from
// the proc filesystem where available. The memory monitor prefers this reader
// over a process-table query since it is a single cheap file read per tick.
package process

// MemStats represents memory stats for a process, in bytes
type MemStats struct {
	Total  uint64
	Rss    uint64
	Shared uint64
}
