package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the worker pool that runs scheduled jobs.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a run whose Task.Timeout is 0. Zero means unbounded.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops a task that waited longer than this for a worker. Zero keeps it.
	MaxQueueDelay time.Duration

	// RetryMax is how many extra attempts a failed run gets.
	RetryMax int
	// RetryBackoff is the first retry delay; it doubles per attempt up to maxRetryDelay.
	RetryBackoff time.Duration
}

const (
	defaultWorkers      = 2
	defaultQueueSize    = 256
	defaultRetryMax     = 3
	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryDelay       = 15 * time.Second
)

func normalize(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return cfg
}

// Task is one run of a job.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// Guard, when set, rejects the task while an earlier run holding the
	// same guard is still queued or executing.
	Guard *Guard
}

// Guard admits one queued-or-running task at a time. The zero value is ready.
type Guard struct{ held atomic.Bool }

func (g *Guard) acquire() bool { return g == nil || g.held.CompareAndSwap(false, true) }

func (g *Guard) release() {
	if g != nil {
		g.held.Store(false)
	}
}

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	Run      uint64
	Name     string
	Started  time.Time
	Waited   time.Duration
	Took     time.Duration
	Attempts int
	Error    string
}
