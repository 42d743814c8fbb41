// (c) Copyright Procwatch 2025

package governor

import (
	"context"
	"sync"

	"github.com/procwatch/go-governor/proctable"
)

// fakeSource is a scriptable process table used across the governor tests.
type fakeSource struct {
	mu sync.Mutex

	stats   map[int]proctable.Stat
	alive   map[int]bool
	parents map[int]int
	mem     proctable.SystemMemory
	memErr  error
	ppidErr error

	terminated []int
	killed     []int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		stats:   make(map[int]proctable.Stat),
		alive:   make(map[int]bool),
		parents: make(map[int]int),
		mem: proctable.SystemMemory{
			Total:     16 << 30,
			Available: 8 << 30,
			Free:      4 << 30,
		},
	}
}

func (s *fakeSource) setStat(pid int, rss uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats[pid] = proctable.Stat{PID: pid, RSS: rss}
	s.alive[pid] = true
}

func (s *fakeSource) setGone(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.stats, pid)
	s.alive[pid] = false
}

func (s *fakeSource) terminatedPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.terminated...)
}

func (s *fakeSource) killedPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.killed...)
}

func (s *fakeSource) Query(ctx context.Context, pids []int) (map[int]proctable.Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[int]proctable.Stat)
	for _, pid := range pids {
		if stat, ok := s.stats[pid]; ok {
			result[pid] = stat
		}
	}

	return result, nil
}

func (s *fakeSource) Alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.alive[pid]
}

func (s *fakeSource) ParentPID(pid int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ppidErr != nil {
		return 0, s.ppidErr
	}

	return s.parents[pid], nil
}

func (s *fakeSource) Terminate(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminated = append(s.terminated, pid)

	return nil
}

func (s *fakeSource) Kill(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.killed = append(s.killed, pid)

	return nil
}

func (s *fakeSource) Memory(ctx context.Context) (proctable.SystemMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.memErr != nil {
		return proctable.SystemMemory{}, s.memErr
	}

	return s.mem, nil
}
