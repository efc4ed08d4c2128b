package bot

import (
	"sync"
	"time"
)

// Statistics tracks the counters behind /api/stats.
type Statistics struct {
	mu         sync.Mutex
	startedAt  time.Time
	totalCalls int64
	perGroup   map[int64]int64
}

// NewStatistics starts the uptime clock.
func NewStatistics() *Statistics {
	return &Statistics{startedAt: time.Now(), perGroup: map[int64]int64{}}
}

// RecordAPICall counts one AI call, attributed to a group (0 = private).
func (s *Statistics) RecordAPICall(groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCalls++
	if groupID != 0 {
		s.perGroup[groupID]++
	}
}

// TotalCalls returns the lifetime AI call count.
func (s *Statistics) TotalCalls() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCalls
}

// ActiveGroups returns the number of groups that made at least one call.
func (s *Statistics) ActiveGroups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.perGroup)
}

// Uptime is the time since startup.
func (s *Statistics) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startedAt)
}

// GroupCalls snapshots the per-group counters.
func (s *Statistics) GroupCalls() map[int64]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int64, len(s.perGroup))
	for id, n := range s.perGroup {
		out[id] = n
	}
	return out
}
