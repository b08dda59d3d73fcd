package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/eventbus"
	"courier/internal/runtime/supervisor"
	logx "courier/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

// Service runs tasks on a fixed pool of supervised workers fed by a bounded queue.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu    sync.Mutex
	cfg   Config
	queue chan queued            // nil while stopped
	sup   *supervisor.Supervisor // nil while stopped

	seq     atomic.Uint64
	dropped atomic.Uint64
	warnAt  atomic.Int64
}

type queued struct {
	task Task
	run  uint64
	at   time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: normalize(cfg), log: log, bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A pool size change restarts the workers; the
// enabled flag starts or stops the engine.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	q := make(chan queued, s.cfg.QueueSize)
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	for i := range s.cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drain(c, q)
			return c.Err()
		})
	}
	s.queue, s.sup = q, sup
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", cap(q)))
}

// Stop cancels the workers and waits for them until ctx ends. Runs still
// queued are discarded and their guards released.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("task engine stop incomplete", logx.Err(err))
	}
	discarded := 0
drained:
	for {
		select {
		case qt := <-q:
			qt.task.Guard.release()
			discarded++
		default:
			break drained
		}
	}
	s.log.Info("task engine stopped", logx.Int("discarded", discarded))
}

// Enqueue hands t to the pool without blocking.
func (s *Service) Enqueue(t Task) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" || t.Run == nil {
		return errors.New("engine: task needs a name and a run func")
	}

	// The send happens under mu so Stop never strands a task in a queue it already drained.
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.queue == nil {
		return ErrStopped
	}
	if !t.Guard.acquire() {
		s.log.Debug("task skipped; previous run still active", logx.String("task", t.Name))
		eventbus.Emit(s.bus, eventbus.TypeTaskSkipped, TaskEvent{Name: t.Name})
		return ErrBusy
	}
	select {
	case s.queue <- queued{task: t, run: s.seq.Add(1), at: time.Now()}:
		return nil
	default:
		t.Guard.release()
		s.drop(t, "queue_full", 0)
		return ErrQueueFull
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// drop counts and publishes a lost run; the warning is throttled.
func (s *Service) drop(t Task, reason string, waited time.Duration) {
	n := s.dropped.Add(1)
	eventbus.Emit(s.bus, eventbus.TypeTaskDropped, TaskEvent{Name: t.Name, Waited: waited, Error: reason})

	now := time.Now().UnixNano()
	last := s.warnAt.Load()
	if last != 0 && now-last < int64(dropWarnEvery) {
		return
	}
	if !s.warnAt.CompareAndSwap(last, now) {
		return
	}
	s.log.Warn("task dropped",
		logx.String("task", t.Name),
		logx.String("reason", reason),
		logx.Duration("waited", waited),
		logx.Uint64("dropped_total", n),
	)
}
