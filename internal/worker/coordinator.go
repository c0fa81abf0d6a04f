package worker

import (
	"sync"
	"time"
)

type AcquireResult int

const (
	Acquired AcquireResult = iota
	AlreadyRunning
	TooSoon
)

func (r AcquireResult) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case AlreadyRunning:
		return "already_running"
	case TooSoon:
		return "too_soon"
	default:
		return "unknown"
	}
}

// RunState is a snapshot of the coordinator.
type RunState struct {
	IsRunning bool       `json:"isRunning"`
	LastRunAt *time.Time `json:"lastRunAt"`
}

// Coordinator keeps dispatch cycles in one process from overlapping and
// from starting closer together than minSpacing. It does not coordinate
// across processes; see RedisLease for that.
type Coordinator struct {
	mu         sync.Mutex
	running    bool
	lastRunAt  time.Time
	minSpacing time.Duration
}

func NewCoordinator(minSpacing time.Duration) *Coordinator {
	return &Coordinator{minSpacing: minSpacing}
}

// TryAcquire marks a cycle as running if none is and the last one ended at
// least minSpacing before now.
func (c *Coordinator) TryAcquire(now time.Time) AcquireResult {
	return c.acquire(now, true)
}

// TryAcquireUnspaced is TryAcquire without the spacing check. Overdue
// sweeps use it so a steady dispatch cadence cannot starve them.
func (c *Coordinator) TryAcquireUnspaced(now time.Time) AcquireResult {
	return c.acquire(now, false)
}

func (c *Coordinator) acquire(now time.Time, spaced bool) AcquireResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return AlreadyRunning
	}
	if spaced && !c.lastRunAt.IsZero() && now.Sub(c.lastRunAt) < c.minSpacing {
		return TooSoon
	}
	c.running = true
	return Acquired
}

// Release ends the running cycle and stamps its end time.
func (c *Coordinator) Release(now time.Time) {
	c.mu.Lock()
	c.running = false
	c.lastRunAt = now
	c.mu.Unlock()
}

func (c *Coordinator) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := RunState{IsRunning: c.running}
	if !c.lastRunAt.IsZero() {
		t := c.lastRunAt
		s.LastRunAt = &t
	}
	return s
}
