// (c) Copyright Procwatch 2025

//go:build !linux
// +build !linux

package process

type statsReader struct {
	ProcPath string
}

// Stats returns a process resource stats reader for the current process
func Stats() statsReader {
	return statsReader{}
}

// Memory returns memory stats for the current process. On platforms without a
// proc filesystem it reports zero values; callers fall back to the process
// table for an RSS figure.
func (statsReader) Memory() (MemStats, error) {
	return MemStats{}, nil
}
