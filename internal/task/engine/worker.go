package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

func (s *Service) drain(ctx context.Context, q <-chan queued) {
	for {
		// Cancellation wins over queued work.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case qt := <-q:
			s.exec(ctx, qt)
		}
	}
}

func (s *Service) exec(ctx context.Context, qt queued) {
	defer qt.task.Guard.release()

	cfg := s.config()
	started := time.Now()
	waited := max(started.Sub(qt.at), 0)
	if cfg.MaxQueueDelay > 0 && waited > cfg.MaxQueueDelay {
		s.drop(qt.task, "stale", waited)
		return
	}

	timeout := qt.task.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	attempts, err := s.attempt(ctx, qt.task, timeout, cfg)

	ev := TaskEvent{Run: qt.run, Name: qt.task.Name, Started: started, Waited: waited, Took: time.Since(started), Attempts: attempts}
	log := s.log.With(logx.String("task", qt.task.Name), logx.Uint64("run", qt.run))
	if err != nil {
		ev.Error = err.Error()
		log.Warn("task failed", logx.Int("attempts", attempts), logx.Duration("took", ev.Took), logx.Err(err))
		eventbus.Emit(s.bus, eventbus.TypeTaskFailed, ev)
		return
	}
	log.Debug("task done", logx.Int("attempts", attempts), logx.Duration("took", ev.Took), logx.Duration("waited", waited))
	eventbus.Emit(s.bus, eventbus.TypeTaskFinished, ev)
}

// attempt runs t until it succeeds, returns a NoRetry error, or spends cfg.RetryMax retries.
func (s *Service) attempt(ctx context.Context, t Task, timeout time.Duration, cfg Config) (int, error) {
	for n := 1; ; n++ {
		err := s.runOnce(ctx, t, timeout)
		if err == nil {
			return n, nil
		}
		if cause := finalCause(err); cause != nil {
			return n, cause
		}
		if n > cfg.RetryMax || ctx.Err() != nil {
			return n, err
		}

		wait := backoff(cfg.RetryBackoff, n, 0.2)
		s.log.Debug("task retry", logx.String("task", t.Name), logx.Int("attempt", n+1), logx.Duration("in", wait), logx.Err(err))
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return n, ctx.Err()
		case <-tmr.C:
		}
	}
}

// runOnce turns a panic into an error so one bad run cannot take a worker down.
func (s *Service) runOnce(ctx context.Context, t Task, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

// backoff is first doubled per earlier retry, capped at maxRetryDelay, then
// spread by ±jitter.
func backoff(first time.Duration, retry int, jitter float64) time.Duration {
	d := first
	for i := 1; i < retry && d < maxRetryDelay; i++ {
		d *= 2
	}
	d = min(d, maxRetryDelay)
	if jitter > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*jitter))
	}
	return min(max(d, 0), maxRetryDelay)
}
