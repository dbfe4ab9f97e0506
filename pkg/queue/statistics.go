package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks queue throughput. Counters are atomic; the high-water
// mark is guarded by a mutex.
type Statistics struct {
	pushes int64
	pops   int64

	mu        sync.Mutex
	startTime time.Time
	maxDepth  int
	lastPush  time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) push(size int) {
	atomic.AddInt64(&s.pushes, 1)

	s.mu.Lock()
	if size > s.maxDepth {
		s.maxDepth = size
	}
	s.lastPush = time.Now()
	s.mu.Unlock()
}

func (s *Statistics) pop(n int) {
	atomic.AddInt64(&s.pops, int64(n))
}

// Snapshot is a point-in-time copy of queue statistics
type Snapshot struct {
	Pushes   int64         `json:"pushes"`
	Pops     int64         `json:"pops"`
	Depth    int64         `json:"depth"`
	MaxDepth int           `json:"max_depth"`
	Uptime   time.Duration `json:"uptime"`
	LastPush time.Time     `json:"last_push,omitempty"`
}

// Snapshot returns the current statistics
func (s *Statistics) Snapshot() Snapshot {
	pushes := atomic.LoadInt64(&s.pushes)
	pops := atomic.LoadInt64(&s.pops)

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Pushes:   pushes,
		Pops:     pops,
		Depth:    pushes - pops,
		MaxDepth: s.maxDepth,
		Uptime:   time.Since(s.startTime),
		LastPush: s.lastPush,
	}
}
