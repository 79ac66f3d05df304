package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine that runs schedule firings.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this in the queue.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning skips a trigger while a previous run of the same
	// task is queued or running.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// DefaultTaskOptions returns the options a task gets when it sets none.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return TaskOptions{}.withDefaults(cfg.withDefaults())
}

// RunState gates overlap for one logical task (one schedule).
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	InFlight int  `json:"in_flight"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	History []HistoryItem `json:"history"`
}
